package transport

import (
	"context"
	"encoding/json"

	"github.com/toolserve/toolserve-go/internal/jsonrpc"
)

// DecodeFrame parses raw bytes as a JSON-RPC message, performing the
// validation every transport applies before dispatch. On failure it returns
// the error response to emit: a parse error with a null id for byte-level
// garbage, or an invalid-request error when the envelope is structurally
// wrong (including a bad protocol-version tag).
func DecodeFrame(data []byte) (*jsonrpc.AnyMessage, *jsonrpc.Response) {
	if !json.Valid(data) {
		return nil, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "invalid request: "+err.Error(), nil)
	}
	return &msg, nil
}

// HandleFrame routes a validated message: requests go to reqH and yield
// exactly one response; notifications go to noteH and yield none. A request
// arriving with no registered handler yields an internal error; inbound
// response messages are not accepted by this server and yield an
// invalid-request error.
func HandleFrame(ctx context.Context, msg *jsonrpc.AnyMessage, reqH RequestHandler, noteH NotificationHandler) *jsonrpc.Response {
	req := msg.AsRequest()
	if req == nil {
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "unexpected response message", nil)
	}

	if req.IsNotification() {
		if noteH != nil {
			noteH(ctx, req)
		}
		return nil
	}

	if reqH == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "no request handler registered", nil)
	}
	resp := reqH(ctx, req)
	if resp == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return resp
}
