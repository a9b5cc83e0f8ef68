// Package httpserver is the request/response transport. It exposes a single
// RPC endpoint for one-in one-out traffic plus a server-sent-event stream so
// idle clients can still receive pushed notifications. Cross-origin traffic is
// denied unless the origin is on the configured allow-list.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/toolserve/toolserve-go/internal/authz"
	"github.com/toolserve/toolserve-go/internal/jsonrpc"
	"github.com/toolserve/toolserve-go/internal/logctx"
	"github.com/toolserve/toolserve-go/ratelimit"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/transport"
)

const (
	sessionIDHeader    = "X-Session-Id"
	rateLimitRemaining = "X-RateLimit-Remaining"
	rateLimitReset     = "X-RateLimit-Reset"
	defaultMaxBodySize = 4 << 20
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	eventStreamTypes     = []contenttype.MediaType{eventStreamMediaType}
)

var _ transport.Transport = (*Handler)(nil)
var _ http.Handler = (*Handler)(nil)

// Handler is the HTTP transport. It implements http.Handler and can either be
// mounted on an external server or run its own via WithListenAddr.
type Handler struct {
	log            *slog.Logger
	sess           *sessions.Manager
	limiter        *ratelimit.Limiter
	auth           *authz.Verifier
	info           transport.ServerInfo
	corsOrigins    []string
	addr           string
	maxBodySize    int64
	metricsHandler http.Handler

	reqH  transport.RequestHandler
	noteH transport.NotificationHandler

	router chi.Router

	mu      sync.Mutex
	running bool
	srv     *http.Server
	subs    map[string]*subscriber

	reqsTotal    atomic.Uint64
	rateLimited  atomic.Uint64
	authFailures atomic.Uint64
	pushesSent   atomic.Uint64
}

type subscriber struct {
	id        string
	sessionID string
	ch        chan *jsonrpc.Request
}

// New constructs the handler and builds its route table.
func New(opts ...Option) *Handler {
	h := &Handler{
		log:         slog.Default(),
		maxBodySize: defaultMaxBodySize,
		subs:        make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Get("/health", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Post("/rpc", h.handleRPC)
		r.Post("/mcp", h.handleRPC)
		r.Get("/info", h.handleInfo)
		r.Get("/events", h.handleEvents)
		if h.metricsHandler != nil {
			r.Get("/metrics", h.metricsHandler.ServeHTTP)
		}
	})
	h.router = r
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

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Start marks the transport healthy and, when a listen address is configured,
// runs its own server until Stop.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return errors.New("http transport already started")
	}
	h.running = true

	if h.addr != "" {
		h.srv = &http.Server{Addr: h.addr, Handler: h}
		go func() {
			if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.log.ErrorContext(ctx, "http.listen.err", slog.String("err", err.Error()))
			}
		}()
	}
	return nil
}

// Stop shuts the server down and closes every push stream.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	srv := h.srv
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// SendNotification fans the notification out to every connected event stream.
// Streams that cannot keep up have the frame dropped rather than blocking.
func (h *Handler) SendNotification(ctx context.Context, n *jsonrpc.Request) error {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- n:
			h.pushesSent.Add(1)
		default:
			h.log.WarnContext(ctx, "http.push.drop", slog.String("subscriber_id", s.id))
		}
	}
	return nil
}

// HealthStatus reports liveness and request counters.
func (h *Handler) HealthStatus() transport.HealthStatus {
	h.mu.Lock()
	running := h.running
	subscribers := len(h.subs)
	h.mu.Unlock()
	return transport.HealthStatus{
		Healthy: running,
		Metrics: map[string]any{
			"requests_total":    h.reqsTotal.Load(),
			"rate_limited":      h.rateLimited.Load(),
			"auth_failures":     h.authFailures.Load(),
			"push_subscribers":  subscribers,
			"notifications_out": h.pushesSent.Load(),
		},
	}
}

// corsMiddleware enforces the origin allow-list. Same-origin requests carry
// no Origin header and pass through untouched; cross-origin requests from an
// origin not on the list are rejected outright.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !h.originAllowed(origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+sessionIDHeader)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.corsOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok || !h.auth.Verify(token) {
			h.authFailures.Add(1)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized,
				jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeAuthRequired, "authentication required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", false
	}
	return raw[len(prefix):], true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.HealthStatus())
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.info)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	h.reqsTotal.Add(1)
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		Transport:  "http",
		RemoteAddr: r.RemoteAddr,
	})

	if ct, err := contenttype.GetMediaType(r); err != nil || ct.Type != jsonMediaType.Type || ct.Subtype != jsonMediaType.Subtype {
		writeJSON(w, http.StatusUnsupportedMediaType,
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "content type must be application/json", nil))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "request body too large", nil))
			return
		}
		writeJSON(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}

	msg, errResp := transport.DecodeFrame(body)
	if errResp != nil {
		writeJSON(w, http.StatusBadRequest, errResp)
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	req := msg.AsRequest()

	if h.limiter != nil {
		res := h.limiter.Check(sessionID)
		setRateLimitHeaders(w, res)
		if !res.Allowed {
			h.rateLimited.Add(1)
			var id *jsonrpc.RequestID
			if req != nil {
				id = req.ID
			}
			writeJSON(w, http.StatusTooManyRequests,
				jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeRateLimited, "rate limit exceeded", map[string]any{
					"retryAfter": int(math.Ceil(res.RetryAfter.Seconds())),
				}))
			return
		}
		h.limiter.Consume(sessionID)
	}

	if req != nil {
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: req.Method,
			ID:     req.ID.String(),
			Type:   msg.Type(),
		})
		if req.Method == transport.MethodInitialize && !req.IsNotification() {
			h.handleInitialize(ctx, w, req)
			return
		}
	}

	if h.sess != nil {
		s, ok := h.sess.GetSession(sessionID)
		if !ok || s.State != sessions.StateReady {
			if req != nil && !req.IsNotification() {
				writeJSON(w, http.StatusOK,
					jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "session not initialized", nil))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
		h.sess.UpdateActivity(sessionID)
		ctx = transport.ContextWithSessionID(ctx, sessionID)
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, State: string(s.State)})
	}

	resp := transport.HandleFrame(ctx, msg, h.reqH, h.noteH)
	if resp == nil {
		// Notification accepted, nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request) {
	var params sessions.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusOK,
				jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
			return
		}
	}

	result := transport.InitializeResult{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		ServerInfo:      h.info,
		Capabilities:    h.info.Capabilities,
	}

	if h.sess != nil {
		s, err := h.sess.CreateSession("http")
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable,
				jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "session capacity exceeded", nil))
			return
		}
		if _, ok := h.sess.InitializeSession(s.ID, params); !ok {
			writeJSON(w, http.StatusOK,
				jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "session handshake failed", nil))
			return
		}
		result.SessionID = s.ID
		w.Header().Set(sessionIDHeader, s.ID)
		h.log.InfoContext(ctx, "http.session.ready", slog.String("session_id", s.ID))
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		writeJSON(w, http.StatusOK,
			jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents is the push channel. The client holds the response open and
// receives each server notification as one SSE message.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamTypes); err != nil {
		http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if h.sess != nil && sessionID != "" {
		if s, ok := h.sess.GetSession(sessionID); !ok || s.State != sessions.StateReady {
			writeJSON(w, http.StatusOK,
				jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeNotInitialized, "session not initialized", nil))
			return
		}
	}

	sub := &subscriber{
		id:        xid.New().String(),
		sessionID: sessionID,
		ch:        make(chan *jsonrpc.Request, 32),
	}
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, sub.id)
		h.mu.Unlock()
	}()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			io.WriteString(w, "event: message\ndata: ")
			w.Write(data)
			io.WriteString(w, "\n\n")
			flusher.Flush()
		}
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set(rateLimitRemaining, strconv.Itoa(res.Remaining))
	w.Header().Set(rateLimitReset, strconv.Itoa(int(math.Ceil(res.ResetIn.Seconds()))))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
