// Package wsserver is the persistent bidirectional transport. Every accepted
// socket gets an entry in a connection table keyed by a generated client id,
// a heartbeat watches each connection's liveness, and unsolicited
// notifications are broadcast to every open socket.
package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/toolserve/toolserve-go/internal/authz"
	"github.com/toolserve/toolserve-go/internal/jsonrpc"
	"github.com/toolserve/toolserve-go/internal/logctx"
	"github.com/toolserve/toolserve-go/ratelimit"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/transport"
)

const (
	defaultMaxConnections    = 1000
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxMessageSize    = 4 << 20

	// CloseAuthRequired is sent when accept-time authentication fails.
	CloseAuthRequired = 4401

	writeWait = 10 * time.Second
)

var _ transport.Transport = (*Server)(nil)
var _ http.Handler = (*Server)(nil)

// Server is the socket transport. It implements http.Handler; mount it on the
// path the clients dial.
type Server struct {
	log               *slog.Logger
	sess              *sessions.Manager
	auth              *authz.Verifier
	limiter           *ratelimit.Limiter
	info              transport.ServerInfo
	maxConnections    int
	heartbeatInterval time.Duration
	maxMessageSize    int64
	compression       bool
	allowedOrigins    []string

	reqH  transport.RequestHandler
	noteH transport.NotificationHandler

	upgrader websocket.Upgrader

	mu      sync.Mutex
	running bool
	conns   map[string]*conn
	cancel  context.CancelFunc
	done    chan struct{}

	accepted         atomic.Uint64
	rejectedCapacity atomic.Uint64
	rejectedAuth     atomic.Uint64
	evicted          atomic.Uint64
	rateLimited      atomic.Uint64
	msgsIn           atomic.Uint64
	msgsOut          atomic.Uint64
}

// conn is one entry in the connection table.
type conn struct {
	id        string
	ws        *websocket.Conn
	sessionID string

	writeMu sync.Mutex
	msgs    atomic.Uint64
	// alive is cleared by each heartbeat tick and restored by the pong
	// handler. A connection found cleared on the next tick is evicted.
	alive atomic.Bool
}

// New constructs the server with defaults and applies options.
func New(opts ...Option) *Server {
	s := &Server{
		log:               slog.Default(),
		maxConnections:    defaultMaxConnections,
		heartbeatInterval: defaultHeartbeatInterval,
		maxMessageSize:    defaultMaxMessageSize,
		conns:             make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: s.compression,
		CheckOrigin:       s.checkOrigin,
	}
	return s
}

// OnRequest registers the request handler.
func (s *Server) OnRequest(fn transport.RequestHandler) {
	s.reqH = fn
}

// OnNotification registers the notification handler.
func (s *Server) OnNotification(fn transport.NotificationHandler) {
	s.noteH = fn
}

// Start begins the heartbeat loop and starts accepting upgrades.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("websocket transport already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.heartbeatLoop(ctx)
	return nil
}

// Stop closes every connection and halts the heartbeat.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	conns := s.snapshotLocked()
	s.mu.Unlock()

	cancel()
	for _, c := range conns {
		s.closeConn(c, websocket.CloseGoingAway, "server shutting down")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendNotification broadcasts the notification to every open connection.
func (s *Server) SendNotification(ctx context.Context, n *jsonrpc.Request) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conns := s.snapshotLocked()
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.writeMessage(websocket.TextMessage, data); err != nil {
			s.log.WarnContext(ctx, "ws.push.err",
				slog.String("conn_id", c.id), slog.String("err", err.Error()))
			continue
		}
		s.msgsOut.Add(1)
	}
	return nil
}

// HealthStatus reports liveness and connection counters.
func (s *Server) HealthStatus() transport.HealthStatus {
	s.mu.Lock()
	running := s.running
	open := len(s.conns)
	s.mu.Unlock()
	return transport.HealthStatus{
		Healthy: running,
		Metrics: map[string]any{
			"connections_open":  open,
			"accepted":          s.accepted.Load(),
			"rejected_capacity": s.rejectedCapacity.Load(),
			"rejected_auth":     s.rejectedAuth.Load(),
			"evicted":           s.evicted.Load(),
			"rate_limited":      s.rateLimited.Load(),
			"messages_in":       s.msgsIn.Load(),
			"messages_out":      s.msgsOut.Load(),
		},
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection and runs its read loop. Capacity and
// authentication failures are reported with close codes on the upgraded
// socket so clients see a protocol-level reason.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authOK := s.auth == nil || s.auth.Verify(acceptToken(r))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !authOK {
		s.rejectedAuth.Add(1)
		s.refuse(ws, CloseAuthRequired, "authentication required")
		return
	}

	c := &conn{id: xid.New().String(), ws: ws}
	c.alive.Store(true)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.refuse(ws, websocket.CloseGoingAway, "server not running")
		return
	}
	if len(s.conns) >= s.maxConnections {
		s.mu.Unlock()
		s.rejectedCapacity.Add(1)
		s.refuse(ws, websocket.CloseTryAgainLater, "connection limit reached")
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()
	s.accepted.Add(1)

	if s.sess != nil {
		sess, err := s.sess.CreateSession("websocket")
		if err != nil {
			s.removeConn(c.id)
			s.refuse(ws, websocket.CloseTryAgainLater, "session capacity exceeded")
			return
		}
		c.sessionID = sess.ID
	}

	ws.SetReadLimit(s.maxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnID:     c.id,
		Transport:  "websocket",
		RemoteAddr: r.RemoteAddr,
	})
	s.log.InfoContext(ctx, "ws.conn.accept", slog.String("conn_id", c.id))
	s.readLoop(ctx, c)
}

func acceptToken(r *http.Request) string {
	if raw := r.Header.Get("Authorization"); raw != "" {
		const prefix = "Bearer "
		if len(raw) > len(prefix) && strings.EqualFold(raw[:len(prefix)], prefix) {
			return raw[len(prefix):]
		}
		return raw
	}
	return r.URL.Query().Get("token")
}

// refuse reports a close code on a socket that never joins the table.
func (s *Server) refuse(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

// readLoop processes inbound frames sequentially, preserving per-connection
// response order.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	defer func() {
		s.removeConn(c.id)
		_ = c.ws.Close()
		if s.sess != nil && c.sessionID != "" {
			s.sess.CloseSession(c.sessionID, "websocket closed")
		}
		s.log.InfoContext(ctx, "ws.conn.close", slog.String("conn_id", c.id))
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.msgs.Add(1)
		s.msgsIn.Add(1)
		s.handleFrame(ctx, c, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *conn, data []byte) {
	msg, errResp := transport.DecodeFrame(data)
	if errResp != nil {
		s.writeResponse(ctx, c, errResp)
		return
	}

	if s.limiter != nil {
		if res := s.limiter.Check(c.sessionID); !res.Allowed {
			s.rateLimited.Add(1)
			if req := msg.AsRequest(); req != nil && !req.IsNotification() {
				s.writeResponse(ctx, c,
					jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRateLimited, "rate limit exceeded", map[string]any{
						"retryAfter": int(math.Ceil(res.RetryAfter.Seconds())),
					}))
			}
			return
		}
		s.limiter.Consume(c.sessionID)
	}

	if req := msg.AsRequest(); req != nil {
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: req.Method,
			ID:     req.ID.String(),
			Type:   msg.Type(),
		})
		if req.Method == transport.MethodInitialize && !req.IsNotification() {
			s.writeResponse(ctx, c, s.handleInitialize(ctx, c, req))
			return
		}
	}

	if s.sess != nil {
		sess, ok := s.sess.GetSession(c.sessionID)
		if !ok || sess.State != sessions.StateReady {
			if req := msg.AsRequest(); req != nil && !req.IsNotification() {
				s.writeResponse(ctx, c,
					jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "session not initialized", nil))
			}
			return
		}
		s.sess.UpdateActivity(c.sessionID)
		ctx = transport.ContextWithSessionID(ctx, c.sessionID)
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: c.sessionID, State: string(sess.State)})
	}

	if resp := transport.HandleFrame(ctx, msg, s.reqH, s.noteH); resp != nil {
		s.writeResponse(ctx, c, resp)
	}
}

func (s *Server) handleInitialize(ctx context.Context, c *conn, req *jsonrpc.Request) *jsonrpc.Response {
	var params sessions.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	result := transport.InitializeResult{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		ServerInfo:      s.info,
		Capabilities:    s.info.Capabilities,
	}

	if s.sess != nil {
		if sess, ok := s.sess.GetSession(c.sessionID); ok && sess.Initialized {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
		}
		if _, ok := s.sess.InitializeSession(c.sessionID, params); !ok {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session no longer exists", nil)
		}
		result.SessionID = c.sessionID
		s.log.InfoContext(ctx, "ws.session.ready", slog.String("session_id", c.sessionID))
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return resp
}

func (s *Server) writeResponse(ctx context.Context, c *conn, resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.ErrorContext(ctx, "ws.marshal.err", slog.String("err", err.Error()))
		return
	}
	if err := c.writeMessage(websocket.TextMessage, data); err != nil {
		s.log.WarnContext(ctx, "ws.write.err",
			slog.String("conn_id", c.id), slog.String("err", err.Error()))
		return
	}
	s.msgsOut.Add(1)
}

// heartbeatLoop pings every connection each interval. A connection that has
// not answered by the following tick is terminated and removed.
func (s *Server) heartbeatLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conns := s.snapshotLocked()
			s.mu.Unlock()

			for _, c := range conns {
				if !c.alive.Swap(false) {
					s.evicted.Add(1)
					s.log.Warn("ws.conn.evict", slog.String("conn_id", c.id))
					s.closeConn(c, websocket.ClosePolicyViolation, "heartbeat timeout")
					continue
				}
				_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
		}
	}
}

func (s *Server) closeConn(c *conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
	s.removeConn(c.id)
}

func (s *Server) removeConn(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) snapshotLocked() []*conn {
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (c *conn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
