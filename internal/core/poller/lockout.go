package poller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/clock"
)

// DefaultLockout is how long sensor polling pauses after a state change.
const DefaultLockout = 15 * time.Second

// Lockout pauses sensor polling while the provider propagates a state
// change. Arming an active lockout restarts it.
type Lockout struct {
	clock    clock.Clock
	duration time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	timer clock.Timer
}

// NewLockout creates an inactive lockout. A non-positive d means DefaultLockout.
func NewLockout(clk clock.Clock, d time.Duration, log *slog.Logger) *Lockout {
	if d <= 0 {
		d = DefaultLockout
	}
	return &Lockout{clock: clk, duration: d, log: log}
}

// Arm starts or restarts the lockout.
func (l *Lockout) Arm() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
	}
	var t clock.Timer
	t = l.clock.AfterFunc(l.duration, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.timer == t {
			l.timer = nil
		}
	})
	l.timer = t
	l.log.Debug("sensor refresh lockout armed", "duration", l.duration)
}

// Active reports whether polling is currently paused.
func (l *Lockout) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer != nil
}

// Stop clears the lockout.
func (l *Lockout) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
