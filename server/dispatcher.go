// Package server composes the runtime: it exposes the method table transports
// dispatch into, and relays broker events to connected clients as pushed
// notifications.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/toolserve/toolserve-go/internal/jsonrpc"
	"github.com/toolserve/toolserve-go/ratelimit"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/tasks"
	"github.com/toolserve/toolserve-go/transport"
)

// ExecutorFactory builds a task executor from the caller-supplied arguments
// of a tasks/create request.
type ExecutorFactory func(args json.RawMessage) (tasks.Executor, error)

// Dispatcher routes JSON-RPC methods onto the session, task, and rate-limit
// managers. Transports call HandleRequest/HandleNotification after framing
// and session gating.
type Dispatcher struct {
	log     *slog.Logger
	sess    *sessions.Manager
	tasks   *tasks.Manager
	limiter *ratelimit.Limiter
	started time.Time

	mu        sync.Mutex
	executors map[string]ExecutorFactory
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithSessionManager wires session introspection methods.
func WithSessionManager(m *sessions.Manager) Option {
	return func(d *Dispatcher) {
		d.sess = m
	}
}

// WithTaskManager wires the tasks/* methods.
func WithTaskManager(m *tasks.Manager) Option {
	return func(d *Dispatcher) {
		d.tasks = m
	}
}

// WithRateLimiter wires limiter stats into server/stats.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(d *Dispatcher) {
		d.limiter = l
	}
}

// New constructs a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:       slog.Default(),
		started:   time.Now(),
		executors: make(map[string]ExecutorFactory),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterExecutor makes the factory available to tasks/create under name.
func (d *Dispatcher) RegisterExecutor(name string, factory ExecutorFactory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[name] = factory
}

// ExecutorNames lists the registered executors, sorted.
func (d *Dispatcher) ExecutorNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.executors))
	for name := range d.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleRequest implements transport.Dispatcher.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "ping":
		return d.result(req, map[string]any{"pong": true, "uptime": time.Since(d.started).String()})
	case "server/stats":
		return d.handleStats(req)
	case "sessions/info":
		return d.handleSessionInfo(ctx, req)
	case "tasks/create":
		return d.handleTaskCreate(req)
	case "tasks/status":
		return d.handleTaskStatus(req)
	case "tasks/cancel":
		return d.handleTaskCancel(req)
	case "tasks/wait":
		return d.handleTaskWait(ctx, req)
	case "tasks/executors":
		return d.result(req, map[string]any{"executors": d.ExecutorNames()})
	case "tools/list":
		names := d.ExecutorNames()
		tools := make([]map[string]any, 0, len(names))
		for _, name := range names {
			tools = append(tools, map[string]any{"name": name})
		}
		return d.result(req, map[string]any{"tools": tools})
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

// HandleNotification implements transport.Dispatcher. Cancellation arriving
// as a notification is honored without producing a response.
func (d *Dispatcher) HandleNotification(ctx context.Context, n *jsonrpc.Request) {
	switch n.Method {
	case "tasks/cancel":
		var params taskCancelParams
		if err := json.Unmarshal(n.Params, &params); err != nil || params.TaskID == "" {
			return
		}
		if d.tasks != nil {
			d.tasks.CancelTask(params.TaskID, params.reason())
		}
	default:
		d.log.DebugContext(ctx, "rpc.notification.ignored", slog.String("method", n.Method))
	}
}

func (d *Dispatcher) handleStats(req *jsonrpc.Request) *jsonrpc.Response {
	stats := map[string]any{"uptime": time.Since(d.started).String()}
	if d.sess != nil {
		m := d.sess.Metrics()
		stats["sessions"] = map[string]any{
			"active":  m.Active,
			"created": m.Created,
			"closed":  m.Closed,
			"expired": m.Expired,
		}
	}
	if d.tasks != nil {
		s := d.tasks.Stats()
		stats["tasks"] = map[string]any{
			"running":   s.Running,
			"pending":   s.Pending,
			"created":   s.Created,
			"completed": s.Completed,
			"failed":    s.Failed,
			"cancelled": s.Cancelled,
		}
	}
	if d.limiter != nil {
		s := d.limiter.Stats()
		stats["ratelimit"] = map[string]any{
			"allowed":        s.Allowed,
			"denied":         s.Denied,
			"sessionBuckets": s.SessionBuckets,
		}
	}
	return d.result(req, stats)
}

func (d *Dispatcher) handleSessionInfo(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if d.sess == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "sessions are not enabled", nil)
	}
	id, ok := transport.SessionIDFromContext(ctx)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "no session bound to this request", nil)
	}
	s, ok := d.sess.GetSession(id)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "session no longer exists", nil)
	}
	return d.result(req, map[string]any{
		"sessionId":      s.ID,
		"state":          s.State,
		"transport":      s.Transport,
		"createdAt":      s.CreatedAt,
		"lastActivityAt": s.LastActivityAt,
		"clientInfo":     s.ClientInfo,
	})
}

type taskCreateParams struct {
	Executor string          `json:"executor"`
	Args     json.RawMessage `json:"args,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

type taskRefParams struct {
	TaskID string `json:"taskId"`
}

type taskCancelParams struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

func (p taskCancelParams) reason() string {
	if p.Reason == "" {
		return "cancelled by client"
	}
	return p.Reason
}

type taskWaitParams struct {
	TaskID    string `json:"taskId"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

func (d *Dispatcher) handleTaskCreate(req *jsonrpc.Request) *jsonrpc.Response {
	if d.tasks == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tasks are not enabled", nil)
	}
	var params taskCreateParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Executor == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "executor name required", nil)
	}

	d.mu.Lock()
	factory, ok := d.executors[params.Executor]
	d.mu.Unlock()
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown executor: "+params.Executor, nil)
	}
	fn, err := factory(params.Args)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid executor args: "+err.Error(), nil)
	}

	meta := params.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["executor"] = params.Executor
	id := d.tasks.CreateTask(fn, meta)
	return d.result(req, map[string]any{"taskId": id})
}

func (d *Dispatcher) handleTaskStatus(req *jsonrpc.Request) *jsonrpc.Response {
	if d.tasks == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tasks are not enabled", nil)
	}
	var params taskRefParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "taskId required", nil)
	}
	t, ok := d.tasks.GetTask(params.TaskID)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown task: "+params.TaskID, nil)
	}
	return d.result(req, t)
}

func (d *Dispatcher) handleTaskCancel(req *jsonrpc.Request) *jsonrpc.Response {
	if d.tasks == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tasks are not enabled", nil)
	}
	var params taskCancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "taskId required", nil)
	}
	cancelled := d.tasks.CancelTask(params.TaskID, params.reason())
	return d.result(req, map[string]any{"cancelled": cancelled})
}

func (d *Dispatcher) handleTaskWait(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if d.tasks == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tasks are not enabled", nil)
	}
	var params taskWaitParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "taskId required", nil)
	}

	t, err := d.tasks.WaitForTask(ctx, params.TaskID, time.Duration(params.TimeoutMs)*time.Millisecond)
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown task: "+params.TaskID, nil)
	case errors.Is(err, tasks.ErrWaitTimeout):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "timed out waiting for task", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
	case err != nil:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return d.result(req, t)
}

func (d *Dispatcher) result(req *jsonrpc.Request, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(req.ID, v)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return resp
}
