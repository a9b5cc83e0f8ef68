// Package ratelimit implements a token-bucket throttle with one global bucket
// and lazily created per-session buckets.
//
// Check methods refill the relevant bucket and report whether a request may
// proceed without spending a token; callers that go on to serve the request
// must call Consume to actually spend it. Denials carry the delay after which
// a retry can succeed. A background sweep bounds memory by discarding session
// buckets left untouched for two cleanup intervals.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Config configures a Limiter.
type Config struct {
	// RequestsPerSecond is the global bucket's refill rate.
	RequestsPerSecond float64
	// BurstSize is the global bucket's capacity.
	BurstSize float64
	// PerSessionLimit is each session bucket's capacity. Session buckets
	// refill at PerSessionLimit/10 per second (full refill over ten seconds).
	PerSessionLimit float64
	// CleanupInterval is the sweep period. Session buckets untouched for
	// 2×CleanupInterval are removed.
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 100
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 200
	}
	if c.PerSessionLimit <= 0 {
		c.PerSessionLimit = 50
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// Result reports the outcome of a limit check.
type Result struct {
	// Allowed reports whether one request may proceed.
	Allowed bool
	// Remaining is the whole number of tokens left after the request this
	// check is authorizing is eventually consumed.
	Remaining int
	// ResetIn is the time until the bucket refills to capacity.
	ResetIn time.Duration
	// RetryAfter is the delay after which a retry can succeed. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	GlobalTokens   float64
	SessionBuckets int
	Allowed        uint64
	Denied         uint64
}

// MetricsSink allows optional instrumentation without a hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	lastTouch  time.Time
}

// refill advances the bucket to now, capping at capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}
	b.lastTouch = now
}

func (b *bucket) check(now time.Time) Result {
	b.refill(now)

	res := Result{}
	if b.refillRate > 0 {
		res.ResetIn = time.Duration(math.Ceil((b.capacity-b.tokens)/b.refillRate)) * time.Second
	}
	if b.tokens >= 1 {
		res.Allowed = true
		res.Remaining = int(math.Floor(b.tokens)) - 1
		return res
	}
	res.RetryAfter = time.Duration(math.Ceil((1-b.tokens)/b.refillRate)) * time.Second
	return res
}

// consume spends one token, never going below zero.
func (b *bucket) consume(now time.Time) {
	b.refill(now)
	b.tokens = math.Max(0, b.tokens-1)
}

// Limiter is a token-bucket rate limiter. It never returns errors; denial is
// communicated through Result.Allowed.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	global   *bucket
	sessions map[string]*bucket
	allowed  uint64
	denied   uint64

	log     *slog.Logger
	metrics MetricsSink
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rl *Limiter) {
		if l != nil {
			rl.log = l
		}
	}
}

// WithMetricsSink attaches an instrumentation sink.
func WithMetricsSink(m MetricsSink) Option {
	return func(rl *Limiter) { rl.metrics = m }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(rl *Limiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// New constructs a Limiter. Call Start to run the session-bucket sweep.
func New(cfg Config, opts ...Option) *Limiter {
	cfg.applyDefaults()
	rl := &Limiter{
		cfg:      cfg,
		sessions: make(map[string]*bucket),
		log:      slog.Default(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}
	now := rl.now()
	rl.global = &bucket{
		tokens:     cfg.BurstSize,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
		lastRefill: now,
		lastTouch:  now,
	}
	return rl
}

// Start launches the periodic session-bucket sweep. It returns immediately;
// the sweep stops when ctx is cancelled or Stop is called.
func (rl *Limiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n := rl.sweep()
				if n > 0 {
					rl.log.Debug("ratelimit.sweep.ok", slog.Int("removed", n))
				}
			case <-ctx.Done():
				return
			case <-rl.done:
				return
			}
		}
	}()
}

// Stop terminates the sweep.
func (rl *Limiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// CheckGlobal checks the global bucket without consuming a token.
func (rl *Limiter) CheckGlobal() Result {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	res := rl.global.check(rl.now())
	rl.record(res, "global")
	return res
}

// CheckSession checks the bucket for the given session, creating it on first
// use, without consuming a token.
func (rl *Limiter) CheckSession(sessionID string) Result {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	res := rl.sessionBucket(sessionID).check(rl.now())
	rl.record(res, "session")
	return res
}

// Check checks the global bucket first and, only if that passes, the session
// bucket. An empty sessionID checks just the global bucket.
func (rl *Limiter) Check(sessionID string) Result {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	res := rl.global.check(now)
	rl.record(res, "global")
	if !res.Allowed || sessionID == "" {
		return res
	}
	res = rl.sessionBucket(sessionID).check(now)
	rl.record(res, "session")
	return res
}

// Consume spends one token from the global bucket and, when sessionID is
// non-empty, one from the session bucket as well.
func (rl *Limiter) Consume(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.global.consume(now)
	if sessionID != "" {
		rl.sessionBucket(sessionID).consume(now)
	}
}

// ResetSession discards the bucket for the given session.
func (rl *Limiter) ResetSession(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.sessions, sessionID)
}

// Stats returns a snapshot of limiter state.
func (rl *Limiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.global.refill(rl.now())
	return Stats{
		GlobalTokens:   rl.global.tokens,
		SessionBuckets: len(rl.sessions),
		Allowed:        rl.allowed,
		Denied:         rl.denied,
	}
}

// sessionBucket returns the bucket for sessionID, creating it lazily.
// Callers must hold rl.mu.
func (rl *Limiter) sessionBucket(sessionID string) *bucket {
	b, ok := rl.sessions[sessionID]
	if !ok {
		now := rl.now()
		b = &bucket{
			tokens:     rl.cfg.PerSessionLimit,
			capacity:   rl.cfg.PerSessionLimit,
			refillRate: rl.cfg.PerSessionLimit / 10,
			lastRefill: now,
			lastTouch:  now,
		}
		rl.sessions[sessionID] = b
	}
	return b
}

// record updates counters for a check outcome. Callers must hold rl.mu.
func (rl *Limiter) record(res Result, scope string) {
	if res.Allowed {
		rl.allowed++
	} else {
		rl.denied++
	}
	if rl.metrics != nil {
		outcome := "allowed"
		if !res.Allowed {
			outcome = "denied"
		}
		rl.metrics.IncCounter("ratelimit_checks_total", map[string]string{"scope": scope, "outcome": outcome})
	}
}

// sweep removes session buckets untouched for two cleanup intervals.
func (rl *Limiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-2 * rl.cfg.CleanupInterval)
	removed := 0
	for id, b := range rl.sessions {
		if b.lastTouch.Before(cutoff) {
			delete(rl.sessions, id)
			removed++
		}
	}
	if rl.metrics != nil {
		rl.metrics.SetGauge("ratelimit_session_buckets", float64(len(rl.sessions)), nil)
	}
	return removed
}
