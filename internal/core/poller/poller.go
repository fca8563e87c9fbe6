// Package poller periodically refreshes sensors that do not report through
// the push stream and fans the results out to per-sensor subscribers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/clock"
	"github.com/trymwestin/simplisafe/internal/core/model"
)

const (
	DefaultInterval       = 15 * time.Second
	DefaultSuppressWindow = 5 * time.Minute
)

// SensorSource reads the sensor list.
type SensorSource interface {
	GetSensors(ctx context.Context, forceUpdate, forceRefresh bool) ([]model.Sensor, error)
}

// Handler receives a refreshed sensor. Handlers must not cancel their
// subscription or stop the poller synchronously.
type Handler func(model.Sensor)

// Config configures a Poller.
type Config struct {
	Source   SensorSource
	Lockout  *Lockout
	Clock    clock.Clock
	Log      *slog.Logger
	Interval time.Duration
	// Debug logs every refresh error instead of summarizing them.
	Debug          bool
	SuppressWindow time.Duration
}

// Poller runs one shared timer while at least one subscriber exists.
type Poller struct {
	source   SensorSource
	lockout  *Lockout
	clock    clock.Clock
	log      *slog.Logger
	interval time.Duration
	errs     *suppressor

	deliverMu sync.Mutex

	mu     sync.Mutex
	subs   []subscriber
	nextID uint64
	timer  clock.Timer
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriber struct {
	id     uint64
	serial string
	fn     Handler
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	poller *Poller
	id     uint64
}

// New creates an idle poller.
func New(cfg Config) *Poller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = DefaultSuppressWindow
	}
	if cfg.Lockout == nil {
		cfg.Lockout = NewLockout(cfg.Clock, DefaultLockout, cfg.Log)
	}
	return &Poller{
		source:   cfg.Source,
		lockout:  cfg.Lockout,
		clock:    cfg.Clock,
		log:      cfg.Log,
		interval: cfg.Interval,
		errs: &suppressor{
			clock:  cfg.Clock,
			log:    cfg.Log,
			window: cfg.SuppressWindow,
			debug:  cfg.Debug,
		},
	}
}

// Subscribe registers fn for the sensor with the given serial and starts
// the timer if it is not running.
func (p *Poller) Subscribe(serial string, fn Handler) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	p.subs = append(p.subs, subscriber{id: p.nextID, serial: serial, fn: fn})
	if p.timer == nil {
		p.gen++
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.scheduleLocked(p.gen)
		p.log.Debug("sensor polling started", "interval", p.interval)
	}
	return &Subscription{poller: p, id: p.nextID}
}

// Cancel removes this subscription.
func (s *Subscription) Cancel() {
	s.poller.remove(func(sub subscriber) bool { return sub.id == s.id })
}

// Unsubscribe removes every subscription for serial.
func (p *Poller) Unsubscribe(serial string) {
	p.remove(func(sub subscriber) bool { return sub.serial == serial })
}

// Running reports whether the shared timer is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// Stop removes all subscriptions. No handler is running or will run once
// Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.subs = nil
	p.stopLocked()
	p.mu.Unlock()

	p.deliverMu.Lock()
	p.deliverMu.Unlock()
	p.errs.flush()
}

func (p *Poller) remove(match func(subscriber) bool) {
	p.mu.Lock()
	kept := p.subs[:0:0]
	for _, sub := range p.subs {
		if !match(sub) {
			kept = append(kept, sub)
		}
	}
	p.subs = kept
	if len(p.subs) == 0 {
		p.stopLocked()
	}
	p.mu.Unlock()

	p.deliverMu.Lock()
	p.deliverMu.Unlock()
}

func (p *Poller) stopLocked() {
	if p.timer == nil {
		return
	}
	p.timer.Stop()
	p.timer = nil
	p.gen++
	p.cancel()
	p.log.Debug("sensor polling stopped")
}

func (p *Poller) scheduleLocked(gen uint64) {
	p.timer = p.clock.AfterFunc(p.interval, func() { p.tick(gen) })
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	defer p.reschedule(gen)

	if p.lockout.Active() {
		p.log.Debug("sensor refresh skipped, lockout active")
		return
	}

	sensors, err := p.source.GetSensors(ctx, true, true)
	if err != nil {
		if ctx.Err() == nil {
			p.errs.report(err)
		}
		return
	}
	p.deliver(gen, sensors)
}

func (p *Poller) reschedule(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen == p.gen && len(p.subs) > 0 {
		p.scheduleLocked(gen)
	}
}

func (p *Poller) deliver(gen uint64, sensors []model.Sensor) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	for _, sensor := range sensors {
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		var matched []Handler
		for _, sub := range p.subs {
			if sub.serial == sensor.Serial {
				matched = append(matched, sub.fn)
			}
		}
		p.mu.Unlock()

		for _, fn := range matched {
			fn(sensor)
		}
	}
}

// suppressor logs the first refresh error of a window and summarizes the
// rest when the window closes.
type suppressor struct {
	clock  clock.Clock
	log    *slog.Logger
	window time.Duration
	debug  bool

	mu    sync.Mutex
	timer clock.Timer
	count int
}

func (s *suppressor) report(err error) {
	if errors.Is(err, apierror.ErrRateLimited) {
		return
	}
	if s.debug {
		s.log.Error("sensor refresh failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.timer != nil {
		s.count++
		s.mu.Unlock()
		return
	}
	s.count = 0
	s.timer = s.clock.AfterFunc(s.window, s.flush)
	s.mu.Unlock()

	s.log.Error("sensor refresh failed", "error", err,
		"suppressed_for", s.window)
}

// flush closes the current window and logs the summary.
func (s *suppressor) flush() {
	s.mu.Lock()
	if s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer.Stop()
	s.timer = nil
	n := s.count
	s.count = 0
	s.mu.Unlock()

	if n > 0 {
		s.log.Warn(fmt.Sprintf("%d errors were received in the last %d minutes", n, int(s.window.Minutes())),
			"count", n)
	}
}
