// Package sessions tracks per-client session state and timeouts.
//
// A session is created when a transport accepts a connection, becomes ready
// once a valid initialize request arrives, and is destroyed either explicitly
// or by the expiry sweep once it has been idle longer than the configured
// session timeout. The manager owns the session map exclusively; transports
// hold only session IDs and go through the manager's methods.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolserve/toolserve-go/broker"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// ErrCapacity is returned by CreateSession when the session limit is reached.
var ErrCapacity = errors.New("session capacity exceeded")

// ClientInfo identifies the connecting client, as reported at initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams carries the client's initialize request payload.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	ClientInfo      *ClientInfo    `json:"clientInfo,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// Session is a snapshot of one session's state. Snapshots are copies; mutating
// one has no effect on the manager's records.
type Session struct {
	ID              string
	State           State
	Transport       string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	Initialized     bool
	Authenticated   bool
	ClientInfo      *ClientInfo
	ProtocolVersion string
	Capabilities    map[string]any
	Metadata        map[string]any
}

// Config configures a Manager.
type Config struct {
	// MaxSessions caps concurrently live sessions. Zero means 1000.
	MaxSessions int
	// SessionTimeout is the idle duration after which the sweep force-closes
	// a session.
	SessionTimeout time.Duration
	// CleanupInterval is the sweep period.
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1000
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// Metrics is a snapshot of session accounting.
type Metrics struct {
	Active  int
	ByState map[State]int
	Created uint64
	Closed  uint64
	Expired uint64
}

// MetricsSink allows optional instrumentation without a hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
}

// Manager owns the live session map. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	created  uint64
	closed   uint64
	expired  uint64

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

// WithEventBroker publishes session lifecycle events to the given broker.
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

// NewManager constructs a Manager. Call Start to run the expiry sweep.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		log:      slog.Default(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic expiry sweep. Sweep errors are logged, never
// allowed to stop the loop.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.CleanupExpired(); n > 0 {
					m.log.Info("session.sweep.ok", slog.Int("expired", n))
				}
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

// Stop terminates the sweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// CreateSession registers a new session for the given transport kind. It is
// the only call that can fail: ErrCapacity when MaxSessions live sessions
// already exist.
func (m *Manager) CreateSession(transportKind string) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrCapacity
	}

	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		State:          StateCreated,
		Transport:      transportKind,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       make(map[string]any),
	}
	m.sessions[s.ID] = s
	m.created++
	snap := s.clone()
	m.mu.Unlock()

	m.log.Debug("session.create.ok", slog.String("session_id", snap.ID), slog.String("transport", transportKind))
	m.observeGauges()
	m.publish(broker.Event{Name: broker.EventSessionCreated, SessionID: snap.ID})
	return snap, nil
}

// InitializeSession records the client's initialize parameters and moves the
// session to ready. It returns the updated snapshot, or ok=false when the
// session does not exist.
func (m *Manager) InitializeSession(id string, params InitializeParams) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	s.Initialized = true
	s.State = StateReady
	s.ProtocolVersion = params.ProtocolVersion
	s.ClientInfo = params.ClientInfo
	s.Capabilities = params.Capabilities
	s.LastActivityAt = m.now()
	snap := s.clone()
	m.mu.Unlock()

	m.log.Debug("session.initialize.ok", slog.String("session_id", id))
	return snap, true
}

// AuthenticateSession marks the session as authenticated.
func (m *Manager) AuthenticateSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.Authenticated = true
	s.LastActivityAt = m.now()
	return true
}

// UpdateActivity refreshes the session's idle timer.
func (m *Manager) UpdateActivity(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.LastActivityAt = m.now()
	return true
}

// SetState transitions the session to the given state. Transitioning to
// StateClosed or StateError removes the session from the live map.
func (m *Manager) SetState(id string, state State) bool {
	if state == StateClosed || state == StateError {
		return m.remove(id, state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.State = state
	s.LastActivityAt = m.now()
	return true
}

// SetMetadata stores a free-form key/value pair on the session. No schema is
// enforced; callers own correctness.
func (m *Manager) SetMetadata(id, key string, value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.Metadata[key] = value
	s.LastActivityAt = m.now()
	return true
}

// GetSession returns a snapshot of the session, if it is live.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// ActiveSessions returns snapshots of all live sessions.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

// CloseSession removes the session from the live map. The reason is logged
// but not retained.
func (m *Manager) CloseSession(id string, reason string) bool {
	ok := m.remove(id, StateClosed)
	if ok {
		m.log.Debug("session.close.ok", slog.String("session_id", id), slog.String("reason", reason))
	}
	return ok
}

// CleanupExpired force-closes every session idle longer than SessionTimeout
// and returns how many were removed. Expired sessions are counted separately
// from explicit closes.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	cutoff := m.now().Add(-m.cfg.SessionTimeout)
	var candidates []string
	for id, s := range m.sessions {
		if s.LastActivityAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range candidates {
		if m.expire(id, cutoff) {
			removed++
		}
	}
	return removed
}

// Metrics returns a snapshot of session accounting.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	byState := make(map[State]int)
	for _, s := range m.sessions {
		byState[s.State]++
	}
	return Metrics{
		Active:  len(m.sessions),
		ByState: byState,
		Created: m.created,
		Closed:  m.closed,
		Expired: m.expired,
	}
}

func (m *Manager) remove(id string, terminal State) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	s.State = terminal
	delete(m.sessions, id)
	m.closed++
	m.mu.Unlock()

	m.observeGauges()
	m.publish(broker.Event{Name: broker.EventSessionClosed, SessionID: id})
	return true
}

// expire removes the session only if it is still idle past the cutoff. A
// session refreshed between the sweep's scan and this call survives.
func (m *Manager) expire(id string, cutoff time.Time) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.LastActivityAt.Before(cutoff) {
		m.mu.Unlock()
		return false
	}
	s.State = StateClosed
	delete(m.sessions, id)
	m.expired++
	m.mu.Unlock()

	m.observeGauges()
	m.log.Info("session.expire.ok", slog.String("session_id", id))
	m.publish(broker.Event{Name: broker.EventSessionExpired, SessionID: id})
	return true
}

func (m *Manager) observeGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	active := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetGauge("sessions_active", float64(active), nil)
}

func (m *Manager) publish(ev broker.Event) {
	if m.events == nil {
		return
	}
	ev.At = m.now()
	if _, err := m.events.Publish(context.Background(), broker.TopicSessions, ev); err != nil {
		m.log.Warn("session.event.publish.fail", slog.String("err", err.Error()))
	}
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.Capabilities != nil {
		cp.Capabilities = make(map[string]any, len(s.Capabilities))
		for k, v := range s.Capabilities {
			cp.Capabilities[k] = v
		}
	}
	if s.ClientInfo != nil {
		ci := *s.ClientInfo
		cp.ClientInfo = &ci
	}
	return &cp
}
