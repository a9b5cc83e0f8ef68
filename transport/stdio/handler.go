// Package stdio is a single-connection transport that reads newline-delimited
// JSON-RPC frames from an io.Reader and writes responses to an io.Writer. By
// default it uses os.Stdin and os.Stdout. The peer is treated as trusted; no
// token check is performed on this channel.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/toolserve/toolserve-go/internal/jsonrpc"
	"github.com/toolserve/toolserve-go/internal/logctx"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/transport"
)

const defaultMaxMessageSize = 4 << 20

// ErrNotRunning is returned by SendNotification before Start or after Stop.
var ErrNotRunning = errors.New("stdio transport is not running")

var _ transport.Transport = (*Handler)(nil)

// Handler is the stdio transport. Inbound frames are processed sequentially
// in arrival order; outbound writes are serialized on a single mutex so
// responses and pushed notifications never interleave mid-frame.
type Handler struct {
	r              io.Reader
	w              io.Writer
	log            *slog.Logger
	sess           *sessions.Manager
	info           transport.ServerInfo
	maxMessageSize int

	reqH  transport.RequestHandler
	noteH transport.NotificationHandler

	writeMu sync.Mutex

	mu        sync.Mutex
	running   bool
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	msgsIn    atomic.Uint64
	msgsOut   atomic.Uint64
	frameErrs atomic.Uint64
}

// New constructs a stdio Handler with defaults and applies options.
func New(opts ...Option) *Handler {
	h := &Handler{
		r:              os.Stdin,
		w:              os.Stdout,
		log:            slog.Default(),
		maxMessageSize: defaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnRequest registers the request handler.
func (h *Handler) OnRequest(fn transport.RequestHandler) {
	h.reqH = fn
}

// OnNotification registers the notification handler.
func (h *Handler) OnNotification(fn transport.NotificationHandler) {
	h.noteH = fn
}

// Start begins the read loop in the background. Serving continues until EOF
// on the reader, Stop, or cancellation of ctx.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return errors.New("stdio transport already started")
	}

	if h.sess != nil {
		s, err := h.sess.CreateSession("stdio")
		if err != nil {
			return err
		}
		h.sessionID = s.ID
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true

	go h.serve(ctx)
	return nil
}

// Stop cancels the read loop and waits for it to drain.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendNotification pushes a server-initiated notification to the peer.
func (h *Handler) SendNotification(ctx context.Context, n *jsonrpc.Request) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return h.writeFrame(n)
}

// HealthStatus reports liveness and frame counters.
func (h *Handler) HealthStatus() transport.HealthStatus {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	return transport.HealthStatus{
		Healthy: running,
		Metrics: map[string]any{
			"messages_in":  h.msgsIn.Load(),
			"messages_out": h.msgsOut.Load(),
			"frame_errors": h.frameErrs.Load(),
		},
	}
}

func (h *Handler) serve(ctx context.Context) {
	defer h.teardown()

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{Transport: "stdio"})

	// The scanner blocks in Read with no way to interrupt it, so it runs in
	// its own goroutine and hands completed lines over a channel.
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 64*1024), h.maxMessageSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			buf := make([]byte, len(line))
			copy(buf, line)
			select {
			case lines <- buf:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			h.log.ErrorContext(ctx, "stdio.read.err", slog.String("err", err.Error()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				h.log.InfoContext(ctx, "stdio.eof")
				return
			}
			h.handleLine(ctx, line)
		}
	}
}

func (h *Handler) teardown() {
	h.mu.Lock()
	h.running = false
	sessionID := h.sessionID
	h.sessionID = ""
	done := h.done
	h.mu.Unlock()

	if h.sess != nil && sessionID != "" {
		h.sess.CloseSession(sessionID, "stdio transport stopped")
	}
	close(done)
}

func (h *Handler) handleLine(ctx context.Context, line []byte) {
	h.msgsIn.Add(1)

	msg, errResp := transport.DecodeFrame(line)
	if errResp != nil {
		h.frameErrs.Add(1)
		h.write(ctx, errResp)
		return
	}

	if req := msg.AsRequest(); req != nil {
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: req.Method,
			ID:     req.ID.String(),
			Type:   msg.Type(),
		})
		if req.Method == transport.MethodInitialize && !req.IsNotification() {
			h.write(ctx, h.handleInitialize(ctx, req))
			return
		}
	}

	if h.sess != nil {
		id, resp := h.gateSession(msg)
		if resp != nil {
			h.write(ctx, resp)
			return
		}
		if id != "" {
			ctx = transport.ContextWithSessionID(ctx, id)
			ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, State: string(sessions.StateReady)})
		}
	}

	if resp := transport.HandleFrame(ctx, msg, h.reqH, h.noteH); resp != nil {
		h.write(ctx, resp)
	}
}

// gateSession rejects traffic until the handshake has completed. Notifications
// arriving early are dropped rather than answered.
func (h *Handler) gateSession(msg *jsonrpc.AnyMessage) (string, *jsonrpc.Response) {
	h.mu.Lock()
	id := h.sessionID
	h.mu.Unlock()

	s, ok := h.sess.GetSession(id)
	if ok && s.State == sessions.StateReady {
		h.sess.UpdateActivity(id)
		return id, nil
	}

	if req := msg.AsRequest(); req != nil && !req.IsNotification() {
		return "", jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "session not initialized", nil)
	}
	return "", nil
}

func (h *Handler) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params sessions.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	result := transport.InitializeResult{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		ServerInfo:      h.info,
		Capabilities:    h.info.Capabilities,
	}

	if h.sess != nil {
		h.mu.Lock()
		id := h.sessionID
		h.mu.Unlock()
		if s, ok := h.sess.GetSession(id); ok && s.Initialized {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
		}
		if _, ok := h.sess.InitializeSession(id, params); !ok {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session no longer exists", nil)
		}
		result.SessionID = id
		h.log.InfoContext(ctx, "stdio.session.ready", slog.String("session_id", id))
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return resp
}

func (h *Handler) write(ctx context.Context, resp *jsonrpc.Response) {
	if err := h.writeFrame(resp); err != nil {
		h.log.ErrorContext(ctx, "stdio.write.err", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(append(data, '\n')); err != nil {
		return err
	}
	h.msgsOut.Add(1)
	return nil
}
