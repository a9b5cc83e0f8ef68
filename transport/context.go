package transport

import "context"

// MethodInitialize is the session handshake method intercepted by transports
// that are wired to a session manager.
const MethodInitialize = "initialize"

// ServerInfo identifies the server in initialize results and info surfaces.
type ServerInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// InitializeResult is the payload returned for an initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	SessionID       string         `json:"sessionId,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

type sessionIDKey struct{}

// ContextWithSessionID tags ctx with the session owning the current request.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext returns the session ID attached by the transport, if any.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok && id != ""
}
