package stdio

import (
	"io"
	"log/slog"

	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/transport"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithSessionManager wires a session manager. When set, the handler creates
// one implicit session for the connection and gates non-initialize requests
// until the initialize handshake completes.
func WithSessionManager(m *sessions.Manager) Option {
	return func(h *Handler) {
		h.sess = m
	}
}

// WithServerInfo sets the identity reported in initialize results.
func WithServerInfo(info transport.ServerInfo) Option {
	return func(h *Handler) {
		h.info = info
	}
}

// WithMaxMessageSize caps the size of a single inbound frame in bytes.
func WithMaxMessageSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessageSize = n
		}
	}
}
