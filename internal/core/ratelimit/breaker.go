// Package ratelimit implements the exponential-backoff breaker that keeps
// the client from hammering the provider while it is being rate limited.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/clock"
)

// Default cooldown bounds.
const (
	DefaultFloor   = 60 * time.Second
	DefaultCeiling = 2 * time.Hour
)

// State identifies the breaker state.
type State int

const (
	// StateIdle means requests flow normally.
	StateIdle State = iota
	// StateCooldown means the breaker is blocked and the next attempt time
	// has not been reached; every network operation fails fast.
	StateCooldown
	// StateBlocked means the cooldown elapsed; one attempt may go through
	// and its outcome either resets or re-trips the breaker.
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCooldown:
		return "cooldown"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Breaker tracks the blocked/unblocked state and a doubling cooldown.
type Breaker struct {
	clock   clock.Clock
	floor   time.Duration
	ceiling time.Duration
	log     *slog.Logger

	mu          sync.Mutex
	blocked     bool
	nextAttempt time.Time
	interval    time.Duration
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithBounds overrides the cooldown floor and ceiling.
func WithBounds(floor, ceiling time.Duration) Option {
	return func(b *Breaker) {
		b.floor = floor
		b.ceiling = ceiling
	}
}

// NewBreaker creates an unblocked breaker.
func NewBreaker(clk clock.Clock, log *slog.Logger, opts ...Option) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Breaker{
		clock:   clk,
		floor:   DefaultFloor,
		ceiling: DefaultCeiling,
		log:     log,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.interval = b.floor
	return b
}

// Allow returns a *apierror.RateLimitError while the cooldown is running.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked && b.clock.Now().Before(b.nextAttempt) {
		return &apierror.RateLimitError{RetryAt: b.nextAttempt}
	}
	return nil
}

// Trip blocks the breaker for the current interval and doubles the interval
// for the next consecutive activation, bounded by the ceiling.
func (b *Breaker) Trip() {
	b.mu.Lock()
	b.blocked = true
	b.nextAttempt = b.clock.Now().Add(b.interval)
	cooldown := b.interval
	b.interval = min(b.interval*2, b.ceiling)
	next := b.nextAttempt
	b.mu.Unlock()

	b.log.Warn("request blocked by provider (rate limit?), pausing requests",
		"cooldown", cooldown,
		"retry_at", next)
}

// Reset unblocks the breaker and restores the floor interval.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasBlocked := b.blocked
	b.blocked = false
	b.interval = b.floor
	b.mu.Unlock()

	if wasBlocked {
		b.log.Info("rate limit lifted, requests resumed")
	}
}

// Blocked reports whether the breaker is blocked, regardless of cooldown.
func (b *Breaker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

// NextAttempt returns the earliest time a blocked breaker lets a request through.
func (b *Breaker) NextAttempt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAttempt
}

// Interval returns the cooldown the next Trip will apply.
func (b *Breaker) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !b.blocked:
		return StateIdle
	case b.clock.Now().Before(b.nextAttempt):
		return StateCooldown
	default:
		return StateBlocked
	}
}
