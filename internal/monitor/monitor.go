// Package monitor keeps the state store current from the push stream, the
// sensor poller and on-demand refreshes.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/clock"
	"github.com/trymwestin/simplisafe/internal/core/events"
	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/poller"
	"github.com/trymwestin/simplisafe/internal/core/state"
	"github.com/trymwestin/simplisafe/internal/core/stream"
	"github.com/trymwestin/simplisafe/internal/core/system"
)

// DefaultResubscribeDelay is the wait before reopening a lost push stream.
const DefaultResubscribeDelay = 30 * time.Second

// Source is what the monitor reads from.
type Source interface {
	GetAlarmState(ctx context.Context, forceRefresh bool) (model.AlarmState, error)
	GetSensors(ctx context.Context, forceUpdate, forceRefresh bool) ([]model.Sensor, error)
	GetLocks(ctx context.Context, forceRefresh bool) ([]model.Lock, error)
	SubscribeEvents(ctx context.Context, fn func(events.Event)) (cancel func(), err error)
	SubscribeSensor(serial string, fn func(model.Sensor)) (cancel func())
}

type clientSource struct {
	*system.Client
}

// FromClient adapts a system client to a Source.
func FromClient(c *system.Client) Source {
	return clientSource{c}
}

func (s clientSource) SubscribeEvents(ctx context.Context, fn func(events.Event)) (func(), error) {
	sub, err := s.SubscribeToEvents(ctx, stream.Handler(fn))
	if err != nil {
		return nil, err
	}
	return sub.Cancel, nil
}

func (s clientSource) SubscribeSensor(serial string, fn func(model.Sensor)) func() {
	return s.SubscribeToSensor(serial, poller.Handler(fn)).Cancel
}

// Config configures a Monitor.
type Config struct {
	Source           Source
	Store            *state.StateStore
	Clock            clock.Clock
	Log              *slog.Logger
	ResubscribeDelay time.Duration
}

// Monitor feeds the store.
type Monitor struct {
	source Source
	store  *state.StateStore
	clock  clock.Clock
	log    *slog.Logger
	delay  time.Duration

	alarmCh chan struct{}
	lockCh  chan struct{}

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	cancelEvents  func()
	sensorCancels map[string]func()
	resubscribe   clock.Timer
	stopped       bool
}

// New creates a monitor. Call Start to begin.
func New(cfg Config) *Monitor {
	m := &Monitor{
		source:        cfg.Source,
		store:         cfg.Store,
		clock:         cfg.Clock,
		log:           cfg.Log,
		delay:         cfg.ResubscribeDelay,
		alarmCh:       make(chan struct{}, 1),
		lockCh:        make(chan struct{}, 1),
		sensorCancels: make(map[string]func()),
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.delay <= 0 {
		m.delay = DefaultResubscribeDelay
	}
	return m
}

// Start loads the initial state, subscribes to the push stream and
// registers every known sensor with the poller.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("monitor: already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	m.refreshAlarm(runCtx, false)
	m.refreshLocks(runCtx, false)

	sensors, err := m.source.GetSensors(runCtx, false, false)
	if err != nil {
		m.logError("initial sensor load failed", err)
	} else {
		m.store.UpdateSensors(sensors)
		m.watchSensors(sensors)
	}

	m.wg.Add(1)
	go m.refreshLoop(runCtx)

	m.subscribe(runCtx)
	return nil
}

// Stop cancels every subscription and waits for background work.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel == nil || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	cancelEvents := m.cancelEvents
	m.cancelEvents = nil
	cancels := m.sensorCancels
	m.sensorCancels = map[string]func(){}
	if m.resubscribe != nil {
		m.resubscribe.Stop()
		m.resubscribe = nil
	}
	m.mu.Unlock()

	if cancelEvents != nil {
		cancelEvents()
	}
	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
	m.log.Info("monitor stopped")
}

// RefreshAlarm asks for an alarm state re-read in the background.
func (m *Monitor) RefreshAlarm() { notify(m.alarmCh) }

// RefreshLocks asks for a lock re-read in the background.
func (m *Monitor) RefreshLocks() { notify(m.lockCh) }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Monitor) watchSensors(sensors []model.Sensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sensors {
		if _, ok := m.sensorCancels[s.Serial]; ok || s.Serial == "" {
			continue
		}
		m.sensorCancels[s.Serial] = m.source.SubscribeSensor(s.Serial, m.store.UpdateSensor)
	}
	m.log.Info("watching sensors", "count", len(m.sensorCancels))
}

func (m *Monitor) subscribe(ctx context.Context) {
	cancel, err := m.source.SubscribeEvents(ctx, m.handleEvent)
	if err != nil {
		m.logError("event subscription failed", err)
		m.scheduleResubscribe()
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancelEvents = cancel
	m.mu.Unlock()
}

func (m *Monitor) scheduleResubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.resubscribe != nil {
		return
	}
	ctx := m.ctx
	m.resubscribe = m.clock.AfterFunc(m.delay, func() {
		m.mu.Lock()
		m.resubscribe = nil
		m.mu.Unlock()
		if ctx.Err() == nil {
			m.subscribe(ctx)
		}
	})
	m.log.Info("event subscription retry scheduled", "delay", m.delay)
}

// handleEvent runs on the stream goroutine and must not block.
func (m *Monitor) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.Connected:
		m.store.SetConnected(true, "")
		m.RefreshAlarm()
		return
	case events.Disconnect:
		m.store.SetConnected(false, ev.Reason)
		return
	case events.ConnectionLost:
		m.store.SetConnected(false, ev.Reason)
		m.mu.Lock()
		m.cancelEvents = nil
		m.mu.Unlock()
		m.scheduleResubscribe()
		return
	}

	m.store.RecordPush(ev)
	if st, ok := alarmFromEvent(ev.Type); ok {
		m.store.SetAlarm(st)
	}
	if ev.Type.AffectsAlarm() {
		m.RefreshAlarm()
	}
	if ev.Type.AffectsLocks() {
		m.RefreshLocks()
	}
}

func (m *Monitor) refreshLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.alarmCh:
			m.refreshAlarm(ctx, true)
		case <-m.lockCh:
			m.refreshLocks(ctx, true)
		}
	}
}

func (m *Monitor) refreshAlarm(ctx context.Context, force bool) {
	st, err := m.source.GetAlarmState(ctx, force)
	if err != nil {
		m.logError("alarm state refresh failed", err)
		return
	}
	m.store.SetAlarm(st)
}

func (m *Monitor) refreshLocks(ctx context.Context, force bool) {
	locks, err := m.source.GetLocks(ctx, force)
	if err != nil {
		m.logError("lock refresh failed", err)
		return
	}
	m.store.UpdateLocks(locks)
}

func (m *Monitor) logError(msg string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, apierror.ErrRateLimited):
		m.log.Debug(msg, "error", err)
	default:
		m.log.Warn(msg, "error", err)
	}
}

// alarmFromEvent maps push events to the alarm state they announce.
func alarmFromEvent(t events.Type) (model.AlarmState, bool) {
	switch t {
	case events.AlarmTrigger:
		return model.AlarmAlarm, true
	case events.AlarmOff, events.AlarmDisarm, events.AlarmCancel:
		return model.AlarmOff, true
	case events.HomeArm:
		return model.AlarmHome, true
	case events.AwayArm:
		return model.AlarmAway, true
	case events.HomeExitDelay:
		return model.AlarmHomeCount, true
	case events.AwayExitDelay:
		return model.AlarmAwayCount, true
	}
	return "", false
}
