package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/toolserve/toolserve-go/internal/authz"
	"github.com/toolserve/toolserve-go/ratelimit"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/transport"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithSessionManager wires the session manager. When set, non-initialize
// requests must reference a ready session.
func WithSessionManager(m *sessions.Manager) Option {
	return func(h *Handler) {
		h.sess = m
	}
}

// WithRateLimiter wires the token-bucket limiter into the RPC path.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) {
		h.limiter = l
	}
}

// WithAuth enables bearer-token authentication on every route except /health.
func WithAuth(v *authz.Verifier) Option {
	return func(h *Handler) {
		h.auth = v
	}
}

// WithServerInfo sets the identity reported by /info and initialize results.
func WithServerInfo(info transport.ServerInfo) Option {
	return func(h *Handler) {
		h.info = info
	}
}

// WithCORSOrigins sets the cross-origin allow-list. Origins not on the list
// are rejected; with no list configured all cross-origin traffic is denied.
func WithCORSOrigins(origins []string) Option {
	return func(h *Handler) {
		h.corsOrigins = origins
	}
}

// WithListenAddr makes Start run its own http.Server on addr. Without it the
// handler only serves when mounted on an external server.
func WithListenAddr(addr string) Option {
	return func(h *Handler) {
		h.addr = addr
	}
}

// WithMaxBodySize caps the request body size in bytes.
func WithMaxBodySize(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodySize = n
		}
	}
}

// WithMetricsHandler mounts a metrics endpoint at GET /metrics.
func WithMetricsHandler(mh http.Handler) Option {
	return func(h *Handler) {
		h.metricsHandler = mh
	}
}
