// Package tasks executes cancellable, progress-reporting operations under a
// bounded concurrency cap.
//
// Tasks beyond the cap queue as pending in creation order and start FIFO as
// running tasks finish. Cancellation is cooperative: cancelling flips the
// task's context, and an executor that never checks it will run to completion
// even though the manager already reports the task as cancelled — manager
// bookkeeping and executor termination are deliberately decoupled, and a late
// result from an already-finalized task is discarded rather than applied.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/toolserve/toolserve-go/broker"
)

// State is a task lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// terminal reports whether s is a terminal state.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Error codes recorded on failed or cancelled tasks.
const (
	ErrCodeInternal  = "internal_error"
	ErrCodeTimeout   = "task_timeout"
	ErrCodeCancelled = "task_cancelled"
)

var (
	// ErrTaskNotFound is returned when the task ID is unknown (or already purged).
	ErrTaskNotFound = errors.New("task not found")
	// ErrWaitTimeout is returned by WaitForTask when no terminal state was
	// reached within the wait window.
	ErrWaitTimeout = errors.New("timed out waiting for task")
)

// TaskError records why a task failed or was cancelled.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Progress is a point-in-time progress report from an executor.
type Progress struct {
	Progress float64 `json:"progress"`
	Total    float64 `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// ProgressFunc is handed to executors for progress reporting. Reports after
// the task reaches a terminal state are dropped.
type ProgressFunc func(Progress)

// Executor is the caller-supplied body of a task. It must watch ctx at safe
// points to cooperate with cancellation and may call report any number of
// times.
type Executor func(ctx context.Context, report ProgressFunc) (any, error)

// Task is a snapshot of one task's state.
type Task struct {
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Progress  *Progress      `json:"progress,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     *TaskError     `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Config configures a Manager.
type Config struct {
	// MaxConcurrent bounds simultaneously running executors. Zero means 10.
	MaxConcurrent int
	// TaskTimeout bounds each running executor. On timeout the task's context
	// is cancelled and the executor's eventual error is recorded as a timeout
	// failure.
	TaskTimeout time.Duration
	// RetentionTime keeps terminal tasks queryable before the sweep purges them.
	RetentionTime time.Duration
	// CleanupInterval is the retention sweep period.
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = time.Minute
	}
	if c.RetentionTime <= 0 {
		c.RetentionTime = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// Stats is a point-in-time snapshot of manager accounting.
type Stats struct {
	Running   int
	Pending   int
	Tracked   int
	Created   uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
}

// MetricsSink allows optional instrumentation without a hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
}

type task struct {
	Task

	executor        Executor
	cancel          context.CancelFunc
	cancelRequested bool
	finishedAt      time.Time
	done            chan struct{}
}

// Manager owns the task map and scheduling state. All methods are safe for
// concurrent use.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	tasks   map[string]*task
	pending []*task
	running int

	created   uint64
	completed uint64
	failed    uint64
	cancelled uint64

	log     *slog.Logger
	metrics MetricsSink
	events  broker.Broker
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetricsSink attaches an instrumentation sink.
func WithMetricsSink(s MetricsSink) Option {
	return func(m *Manager) { m.metrics = s }
}

// WithEventBroker publishes task lifecycle events to the given broker.
func WithEventBroker(b broker.Broker) Option {
	return func(m *Manager) { m.events = b }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager. Call Start to run the retention sweep.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:   cfg,
		tasks: make(map[string]*task),
		log:   slog.Default(),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic retention sweep.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.sweep(); n > 0 {
					m.log.Debug("task.sweep.ok", slog.Int("purged", n))
				}
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

// Stop cancels every still-running task's context, terminates the sweep, and
// clears manager state.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, m.running)
	for _, t := range m.tasks {
		if t.State.terminal() {
			continue
		}
		t.cancelRequested = true
		if t.cancel != nil {
			cancels = append(cancels, t.cancel)
		}
		// Finalize now so waiters wake and late executor results are discarded.
		m.finalizeLocked(t, StateCancelled, nil, &TaskError{Code: ErrCodeCancelled, Message: "manager stopped"})
	}
	m.running = 0
	m.pending = nil
	m.tasks = make(map[string]*task)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// CreateTask registers the executor as a managed task and returns its ID.
// The task starts immediately when a concurrency slot is free, otherwise it
// queues as pending. Task outcomes are never returned here; callers observe
// them via GetTask or WaitForTask.
func (m *Manager) CreateTask(executor Executor, metadata map[string]any) string {
	now := m.now()
	t := &task{
		Task: Task{
			ID:        xid.New().String(),
			State:     StatePending,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  metadata,
		},
		executor: executor,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.created++
	if m.running < m.cfg.MaxConcurrent {
		m.startLocked(t)
	} else {
		m.pending = append(m.pending, t)
	}
	m.mu.Unlock()

	m.log.Debug("task.create.ok", slog.String("task_id", t.ID), slog.String("state", string(t.State)))
	m.observeGauges()
	return t.ID
}

// CancelTask requests cooperative cancellation. Pending tasks are cancelled
// before ever starting; running tasks are marked cancelled immediately and
// their context is cancelled, freeing the concurrency slot even if the
// executor keeps running. Returns false for unknown or already-terminal tasks.
func (m *Manager) CancelTask(id string, reason string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.State.terminal() {
		m.mu.Unlock()
		return false
	}

	if reason == "" {
		reason = "cancelled by caller"
	}
	t.cancelRequested = true
	wasRunning := t.State == StateRunning
	m.finalizeLocked(t, StateCancelled, nil, &TaskError{Code: ErrCodeCancelled, Message: reason})

	if !wasRunning {
		// Drop it from the pending queue so the scheduler never starts it.
		for i, p := range m.pending {
			if p == t {
				m.pending = append(m.pending[:i], m.pending[i+1:]...)
				break
			}
		}
	} else {
		m.running--
		m.startNextLocked()
	}
	cancel := t.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.publish(broker.EventTaskCancelled, t.ID)
	m.observeGauges()
	return true
}

// GetTask returns a snapshot of the task, if it is still tracked.
func (m *Manager) GetTask(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return t.snapshot(), true
}

// WaitForTask blocks until the task reaches a terminal state and returns its
// snapshot. The wait window defaults to the manager's TaskTimeout and is
// independent of the per-task execution timeout.
func (m *Manager) WaitForTask(ctx context.Context, id string, timeout time.Duration) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if t.State.terminal() {
		snap := t.snapshot()
		m.mu.Unlock()
		return snap, nil
	}
	done := t.done
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = m.cfg.TaskTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		m.mu.Lock()
		snap := t.snapshot()
		m.mu.Unlock()
		return snap, nil
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of manager accounting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Running:   m.running,
		Pending:   len(m.pending),
		Tracked:   len(m.tasks),
		Created:   m.created,
		Completed: m.completed,
		Failed:    m.failed,
		Cancelled: m.cancelled,
	}
}

// startLocked moves a task to running and launches its executor.
// Callers must hold m.mu.
func (m *Manager) startLocked(t *task) {
	m.running++
	t.State = StateRunning
	t.UpdatedAt = m.now()

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go m.run(t, ctx)
}

// startNextLocked starts the oldest pending task, if any.
// Callers must hold m.mu.
func (m *Manager) startNextLocked() {
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		if next.State != StatePending {
			continue
		}
		m.startLocked(next)
		return
	}
}

func (m *Manager) run(t *task, ctx context.Context) {
	timer := time.AfterFunc(m.cfg.TaskTimeout, func() { m.timeout(t) })
	defer timer.Stop()

	result, err := t.executor(ctx, func(p Progress) { m.reportProgress(t, p) })
	m.finish(t, result, err)
}

// timeout finalizes a task whose execution window elapsed. The executor may
// still be running; its slot is reclaimed here and its eventual return hits
// the discard path in finish. A cancellation that raced ahead of the timer
// keeps its own outcome.
func (m *Manager) timeout(t *task) {
	m.mu.Lock()
	if t.State.terminal() {
		m.mu.Unlock()
		return
	}
	m.finalizeLocked(t, StateFailed, nil, &TaskError{Code: ErrCodeTimeout, Message: "task timed out"})
	m.running--
	m.startNextLocked()
	cancel := t.cancel
	m.mu.Unlock()

	cancel()
	m.log.Debug("task.timeout", slog.String("task_id", t.ID))
	m.publish(broker.EventTaskFailed, t.ID)
	m.observeGauges()
}

// finish applies the executor's outcome unless the task was already finalized
// (by CancelTask, timeout or Stop), in which case the late result is
// discarded. The cancellation flag, not the error content, discriminates
// cancelled from failed.
func (m *Manager) finish(t *task, result any, err error) {
	m.mu.Lock()
	if t.State.terminal() {
		m.mu.Unlock()
		m.log.Debug("task.finish.discard", slog.String("task_id", t.ID))
		return
	}

	var event string
	switch {
	case err == nil:
		m.finalizeLocked(t, StateCompleted, result, nil)
		event = broker.EventTaskCompleted
	case t.cancelRequested:
		m.finalizeLocked(t, StateCancelled, nil, &TaskError{Code: ErrCodeCancelled, Message: err.Error()})
		event = broker.EventTaskCancelled
	default:
		m.finalizeLocked(t, StateFailed, nil, &TaskError{Code: ErrCodeInternal, Message: err.Error()})
		event = broker.EventTaskFailed
	}

	m.running--
	m.startNextLocked()
	m.mu.Unlock()

	m.publish(event, t.ID)
	m.observeGauges()
}

// finalizeLocked records a terminal state and wakes waiters.
// Callers must hold m.mu and ensure t is not already terminal.
func (m *Manager) finalizeLocked(t *task, state State, result any, terr *TaskError) {
	t.State = state
	t.Result = result
	t.Error = terr
	now := m.now()
	t.UpdatedAt = now
	t.finishedAt = now
	switch state {
	case StateCompleted:
		m.completed++
	case StateFailed:
		m.failed++
	case StateCancelled:
		m.cancelled++
	}
	close(t.done)
}

func (m *Manager) reportProgress(t *task, p Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.State != StateRunning {
		return
	}
	cp := p
	t.Progress = &cp
	t.UpdatedAt = m.now()
}

// sweep purges terminal tasks past the retention window.
func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.RetentionTime)
	purged := 0
	for id, t := range m.tasks {
		if t.State.terminal() && t.finishedAt.Before(cutoff) {
			delete(m.tasks, id)
			purged++
		}
	}
	return purged
}

func (m *Manager) publish(name, taskID string) {
	if m.events == nil {
		return
	}
	ev := broker.Event{Name: name, TaskID: taskID, At: m.now()}
	if _, err := m.events.Publish(context.Background(), broker.TopicTasks, ev); err != nil {
		m.log.Warn("task.event.publish.fail", slog.String("err", err.Error()))
	}
}

func (m *Manager) observeGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	running, pending := m.running, len(m.pending)
	m.mu.Unlock()
	m.metrics.SetGauge("tasks_running", float64(running), nil)
	m.metrics.SetGauge("tasks_pending", float64(pending), nil)
}

func (t *task) snapshot() *Task {
	cp := t.Task
	if t.Progress != nil {
		p := *t.Progress
		cp.Progress = &p
	}
	if t.Metadata != nil {
		md := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	return &cp
}
