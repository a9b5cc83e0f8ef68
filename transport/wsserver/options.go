package wsserver

import (
	"log/slog"
	"time"

	"github.com/toolserve/toolserve-go/internal/authz"
	"github.com/toolserve/toolserve-go/ratelimit"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/transport"
)

// Option customizes a Server.
type Option func(*Server)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSessionManager wires the session manager. Each accepted connection gets
// one implicit session.
func WithSessionManager(m *sessions.Manager) Option {
	return func(s *Server) {
		s.sess = m
	}
}

// WithAuth enables token authentication at connection-accept time. The token
// is read from the Authorization header or a token query parameter.
func WithAuth(v *authz.Verifier) Option {
	return func(s *Server) {
		s.auth = v
	}
}

// WithRateLimiter wires the token-bucket limiter into the per-message path.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithServerInfo sets the identity reported in initialize results.
func WithServerInfo(info transport.ServerInfo) Option {
	return func(s *Server) {
		s.info = info
	}
}

// WithMaxConnections caps the connection table size.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConnections = n
		}
	}
}

// WithHeartbeatInterval sets the ping cadence. A connection that misses two
// consecutive intervals without a pong is evicted.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithMaxMessageSize caps the size of a single inbound frame in bytes.
func WithMaxMessageSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxMessageSize = n
		}
	}
}

// WithCompression enables per-message compression negotiation.
func WithCompression(enabled bool) Option {
	return func(s *Server) {
		s.compression = enabled
	}
}

// WithAllowedOrigins sets the origin allow-list for the upgrade handshake.
// Browser connections from unlisted origins are refused; connections without
// an Origin header always pass.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}
