package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/events"
	"github.com/trymwestin/simplisafe/internal/core/model"
)

// AlarmInfo is the last known alarm state.
type AlarmInfo struct {
	State     model.AlarmState `json:"state"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// SensorInfo is the last known state of one sensor.
type SensorInfo struct {
	Serial     string           `json:"serial"`
	Name       string           `json:"name"`
	Type       model.SensorType `json:"type"`
	TypeName   string           `json:"type_name"`
	Triggered  bool             `json:"triggered"`
	Offline    bool             `json:"offline"`
	LowBattery bool             `json:"low_battery"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// LockInfo is the last known state of one door lock.
type LockInfo struct {
	Serial     string          `json:"serial"`
	Name       string          `json:"name"`
	State      model.LockState `json:"state"`
	Offline    bool            `json:"offline"`
	LowBattery bool            `json:"low_battery"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// StreamStatus is the push stream connectivity.
type StreamStatus struct {
	Connected bool      `json:"connected"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PushEvent is a push event as seen by consumers.
type PushEvent struct {
	Type         events.Type `json:"type"`
	EventCid     int         `json:"event_cid,omitempty"`
	Info         string      `json:"info,omitempty"`
	SensorSerial string      `json:"sensor_serial,omitempty"`
	SensorName   string      `json:"sensor_name,omitempty"`
}

// State is a snapshot of everything known about the system.
type State struct {
	Alarm   AlarmInfo             `json:"alarm"`
	Sensors map[string]SensorInfo `json:"sensors"`
	Locks   map[string]LockInfo   `json:"locks"`
	Stream  StreamStatus          `json:"stream"`
}

// EventType identifies event categories.
type EventType string

const (
	EventAlarmUpdate  EventType = "alarm_update"
	EventSensorUpdate EventType = "sensor_update"
	EventLockUpdate   EventType = "lock_update"
	EventPush         EventType = "push_event"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() State
	Sensor(serial string) (SensorInfo, bool)
	Lock(serial string) (LockInfo, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed by unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- StateStore ---

// StateStore holds the last known system state with thread-safe access.
type StateStore struct {
	mu      sync.RWMutex
	alarm   AlarmInfo
	sensors map[string]SensorInfo
	locks   map[string]LockInfo
	stream  StreamStatus
	bus     *EventBus
	log     *slog.Logger
	now     func() time.Time
}

// NewStateStore creates a new store wired to the event bus.
func NewStateStore(bus *EventBus, log *slog.Logger) *StateStore {
	return &StateStore{
		sensors: make(map[string]SensorInfo),
		locks:   make(map[string]LockInfo),
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Snapshot returns a copy of all state.
func (s *StateStore) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sensors := make(map[string]SensorInfo, len(s.sensors))
	for k, v := range s.sensors {
		sensors[k] = v
	}
	locks := make(map[string]LockInfo, len(s.locks))
	for k, v := range s.locks {
		locks[k] = v
	}
	return State{
		Alarm:   s.alarm,
		Sensors: sensors,
		Locks:   locks,
		Stream:  s.stream,
	}
}

// Sensor returns one sensor by serial.
func (s *StateStore) Sensor(serial string) (SensorInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sensors[serial]
	return v, ok
}

// Lock returns one lock by serial.
func (s *StateStore) Lock(serial string) (LockInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.locks[serial]
	return v, ok
}

// SetAlarm records the alarm state and publishes it when it changed.
func (s *StateStore) SetAlarm(st model.AlarmState) bool {
	s.mu.Lock()
	changed := s.alarm.State != st
	s.alarm = AlarmInfo{State: st, UpdatedAt: s.now()}
	info := s.alarm
	s.mu.Unlock()

	if changed {
		s.log.Info("alarm state changed", "state", string(st))
		s.bus.Publish(Event{Type: EventAlarmUpdate, Data: info})
	}
	return changed
}

// UpdateSensors records sensor states. Each sensor is published.
func (s *StateStore) UpdateSensors(sensors []model.Sensor) {
	for _, sensor := range sensors {
		s.UpdateSensor(sensor)
	}
}

// UpdateSensor records one sensor's state and publishes it.
func (s *StateStore) UpdateSensor(sensor model.Sensor) {
	info := SensorInfo{
		Serial:     sensor.Serial,
		Name:       sensor.Name,
		Type:       sensor.Type,
		TypeName:   sensor.Type.String(),
		Triggered:  sensor.Triggered,
		Offline:    sensor.Offline,
		LowBattery: sensor.LowBattery,
		UpdatedAt:  s.now(),
	}

	s.mu.Lock()
	s.sensors[sensor.Serial] = info
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventSensorUpdate, Data: info})
}

// UpdateLocks records lock states. Each lock is published.
func (s *StateStore) UpdateLocks(locks []model.Lock) {
	for _, l := range locks {
		info := LockInfo{
			Serial:     l.Serial,
			Name:       l.Name,
			State:      l.State,
			Offline:    l.Offline,
			LowBattery: l.LowBattery,
			UpdatedAt:  s.now(),
		}

		s.mu.Lock()
		s.locks[l.Serial] = info
		s.mu.Unlock()

		s.bus.Publish(Event{Type: EventLockUpdate, Data: info})
	}
}

// RecordPush publishes a push event for consumers that react to it.
func (s *StateStore) RecordPush(ev events.Event) {
	pe := PushEvent{Type: ev.Type}
	if ev.Raw != nil {
		pe.EventCid = ev.Raw.EventCid
		pe.Info = ev.Raw.Info
		pe.SensorSerial = ev.Raw.SensorSerial
		pe.SensorName = ev.Raw.SensorName
	}
	s.bus.Publish(Event{Type: EventPush, Data: pe})
}

// SetConnected updates the push stream connectivity.
func (s *StateStore) SetConnected(connected bool, reason string) {
	s.mu.Lock()
	s.stream = StreamStatus{Connected: connected, Reason: reason, UpdatedAt: s.now()}
	status := s.stream
	s.mu.Unlock()

	if connected {
		s.bus.Publish(Event{Type: EventConnected, Data: status})
	} else {
		s.bus.Publish(Event{Type: EventDisconnected, Data: status})
	}
}
