package state

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/simplisafe/internal/core/events"
	"github.com/trymwestin/simplisafe/internal/core/model"
)

func newStore() (*StateStore, *EventBus) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := NewEventBus(log)
	return NewStateStore(bus, log), bus
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return Event{}
	}
}

func TestStateStore_Alarm(t *testing.T) {
	store, bus := newStore()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	assert.True(t, store.SetAlarm(model.AlarmHome))
	evt := next(t, ch)
	assert.Equal(t, EventAlarmUpdate, evt.Type)
	assert.Equal(t, model.AlarmHome, evt.Data.(AlarmInfo).State)

	assert.False(t, store.SetAlarm(model.AlarmHome))
	assert.Empty(t, ch)
	assert.Equal(t, model.AlarmHome, store.Snapshot().Alarm.State)
}

func TestStateStore_SensorsAndLocks(t *testing.T) {
	store, bus := newStore()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	store.UpdateSensors([]model.Sensor{
		{Serial: "s1", Name: "Door", Type: model.SensorEntry, Triggered: true},
		{Serial: "s2", Name: "Hall", Type: model.SensorMotion},
	})
	assert.Equal(t, EventSensorUpdate, next(t, ch).Type)
	assert.Equal(t, EventSensorUpdate, next(t, ch).Type)

	s1, ok := store.Sensor("s1")
	require.True(t, ok)
	assert.True(t, s1.Triggered)
	assert.Equal(t, "entry_sensor", s1.TypeName)

	store.UpdateLocks([]model.Lock{{Serial: "l1", Name: "Front", State: model.LockJammed}})
	evt := next(t, ch)
	assert.Equal(t, EventLockUpdate, evt.Type)
	assert.Equal(t, model.LockJammed, evt.Data.(LockInfo).State)

	snap := store.Snapshot()
	assert.Len(t, snap.Sensors, 2)
	assert.Len(t, snap.Locks, 1)

	// The snapshot is a copy.
	delete(snap.Sensors, "s1")
	_, ok = store.Sensor("s1")
	assert.True(t, ok)
}

func TestStateStore_ConnectivityAndPush(t *testing.T) {
	store, bus := newStore()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	store.SetConnected(true, "")
	assert.Equal(t, EventConnected, next(t, ch).Type)
	store.SetConnected(false, "Not authorized")
	evt := next(t, ch)
	assert.Equal(t, EventDisconnected, evt.Type)
	assert.Equal(t, "Not authorized", evt.Data.(StreamStatus).Reason)

	store.RecordPush(events.Event{Type: events.Doorbell, Raw: &events.Raw{EventCid: 1458, SensorName: "Porch"}})
	evt = next(t, ch)
	assert.Equal(t, EventPush, evt.Type)
	pe := evt.Data.(PushEvent)
	assert.Equal(t, events.Doorbell, pe.Type)
	assert.Equal(t, "Porch", pe.SensorName)
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	_, bus := newStore()
	ch, unsub := bus.Subscribe(1)

	bus.Publish(Event{Type: EventConnected})
	bus.Publish(Event{Type: EventConnected}) // dropped, buffer full
	unsub()
	unsub()

	var got []Event
	for evt := range ch {
		got = append(got, evt)
	}
	assert.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())

	bus.Publish(Event{Type: EventDisconnected})
}
