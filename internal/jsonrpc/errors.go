package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeRateLimited indicates the caller exceeded a rate limit and
	// should retry after the delay carried in the error data.
	ErrorCodeRateLimited ErrorCode = -32000
	// ErrorCodeAuthRequired indicates the request lacked valid credentials.
	ErrorCodeAuthRequired ErrorCode = -32001
	// ErrorCodeNotInitialized indicates a request arrived before the session
	// completed its initialize handshake.
	ErrorCodeNotInitialized ErrorCode = -32002
	// ErrorCodeRequestCancelled indicates the request was cancelled before a
	// result was produced.
	ErrorCodeRequestCancelled ErrorCode = -32800
)
