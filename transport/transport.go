// Package transport defines the contract shared by every wire transport:
// lifecycle, dispatcher registration, best-effort notification push, and
// health reporting. The concrete transports live in the stdio, httpserver,
// and wsserver subpackages.
package transport

import (
	"context"

	"github.com/toolserve/toolserve-go/internal/jsonrpc"
)

// RequestHandler handles one inbound request and produces its response. The
// returned response is serialized on the same channel the request arrived on.
type RequestHandler func(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response

// NotificationHandler handles a fire-and-forget inbound notification.
type NotificationHandler func(ctx context.Context, n *jsonrpc.Request)

// Dispatcher is the method table supplied by the composing server. It decides
// what a request does; transports only frame, validate, and route.
type Dispatcher interface {
	HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
	HandleNotification(ctx context.Context, n *jsonrpc.Request)
}

// HealthStatus reports one transport's liveness plus transport-specific
// counters.
type HealthStatus struct {
	Healthy bool           `json:"healthy"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Transport is the interface all wire transports implement.
type Transport interface {
	// Start begins accepting traffic. It returns once the transport is
	// accepting; serving continues until Stop or ctx cancellation.
	Start(ctx context.Context) error

	// Stop drains and shuts the transport down.
	Stop(ctx context.Context) error

	// OnRequest registers the request handler. Must be called before Start.
	OnRequest(h RequestHandler)

	// OnNotification registers the notification handler. Must be called
	// before Start.
	OnNotification(h NotificationHandler)

	// SendNotification pushes an unsolicited notification to connected
	// clients, best effort. Not every transport can reach idle clients.
	SendNotification(ctx context.Context, n *jsonrpc.Request) error

	// HealthStatus reports transport liveness and metrics.
	HealthStatus() HealthStatus
}
