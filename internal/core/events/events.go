// Package events defines the consumer-facing event taxonomy and classifies
// raw push payloads into it.
package events

import (
	"encoding/json"

	"github.com/trymwestin/simplisafe/internal/core/model"
)

// Type is a consumer-facing event type.
type Type string

// EventUnknown is delivered for event codes outside the table, together with
// the raw payload.
const EventUnknown Type = ""

const (
	AlarmTrigger     Type = "ALARM_TRIGGER"
	AlarmOff         Type = "ALARM_OFF"
	AlarmDisarm      Type = "ALARM_DISARM"
	AlarmCancel      Type = "ALARM_CANCEL"
	HomeExitDelay    Type = "HOME_EXIT_DELAY"
	HomeArm          Type = "HOME_ARM"
	AwayExitDelay    Type = "AWAY_EXIT_DELAY"
	AwayArm          Type = "AWAY_ARM"
	Motion           Type = "MOTION"
	Entry            Type = "ENTRY"
	CameraMotion     Type = "CAMERA_MOTION"
	Doorbell         Type = "DOORBELL"
	DoorlockLocked   Type = "DOORLOCK_LOCKED"
	DoorlockUnlocked Type = "DOORLOCK_UNLOCKED"
	DoorlockError    Type = "DOORLOCK_ERROR"
	Connected        Type = "CONNECTED"
	Disconnect       Type = "DISCONNECT"
	ConnectionLost   Type = "CONNECTION_LOST"
)

// AffectsAlarm reports whether an event of this type changes the alarm state.
func (t Type) AffectsAlarm() bool {
	switch t {
	case AlarmTrigger, AlarmOff, AlarmDisarm, AlarmCancel,
		HomeExitDelay, HomeArm, AwayExitDelay, AwayArm, Entry:
		return true
	}
	return false
}

// AffectsLocks reports whether an event of this type changes a lock state.
func (t Type) AffectsLocks() bool {
	return t == DoorlockLocked || t == DoorlockUnlocked || t == DoorlockError
}

// Raw is an inbound push event as sent by the provider.
type Raw struct {
	SID          model.ID         `json:"sid"`
	EventType    string           `json:"eventType"`
	EventCid     int              `json:"eventCid"`
	Info         string           `json:"info"`
	SensorSerial string           `json:"sensorSerial"`
	SensorType   model.SensorType `json:"sensorType"`
	SensorName   string           `json:"sensorName"`
	Timestamp    int64            `json:"eventTimestamp"`
	Payload      json.RawMessage  `json:"-"`
}

// UnmarshalJSON keeps the raw payload alongside the decoded fields.
func (r *Raw) UnmarshalJSON(b []byte) error {
	type plain Raw
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Raw(p)
	r.Payload = append(json.RawMessage(nil), b...)
	return nil
}

// Event is what subscribers receive.
type Event struct {
	Type Type
	Raw  *Raw
	// Reason describes connection-level events.
	Reason string
}

// Classification is the outcome of classifying a raw event.
type Classification struct {
	Type Type
	// Deliver is false for events that are only logged.
	Deliver bool
	// ArmsLockout is true for events after which the provider is still
	// settling the state of locks.
	ArmsLockout bool
	// Note describes log-only events.
	Note string
}

type rule struct {
	typ     Type
	lockout bool
}

var cidTable = map[int]rule{
	1400: {AlarmDisarm, true}, // master PIN
	1407: {AlarmDisarm, true}, // remote
	1406: {AlarmCancel, true},
	1409: {Motion, false},
	9441: {HomeExitDelay, false},
	3441: {HomeArm, true},
	3491: {HomeArm, true},
	9401: {AwayExitDelay, false}, // keypad
	9407: {AwayExitDelay, false}, // remote
	3401: {AwayArm, true},        // keypad
	3407: {AwayArm, true},        // remote
	3487: {AwayArm, true},
	3481: {AwayArm, true},
	1429: {Entry, false},
	1110: {AlarmTrigger, false},
	1120: {AlarmTrigger, false},
	1132: {AlarmTrigger, false},
	1134: {AlarmTrigger, false},
	1154: {AlarmTrigger, false},
	1159: {AlarmTrigger, false},
	1162: {AlarmTrigger, false},
	1170: {CameraMotion, false},
	1458: {Doorbell, false},
	9700: {DoorlockUnlocked, false},
	9701: {DoorlockLocked, false},
	9703: {DoorlockError, false},
}

var logOnly = map[int]string{
	1602: "automatic test",
	1301: "power outage",
	3301: "power restored",
	1344: "interference detected",
	3344: "interference cleared",
	1607: "sensor test",
	1601: "test signal",
}

// Classify maps a raw event to the taxonomy.
func Classify(r Raw) Classification {
	switch r.EventType {
	case "alarm":
		return Classification{Type: AlarmTrigger, Deliver: true}
	case "alarmCancel":
		return Classification{Type: AlarmOff, Deliver: true}
	}

	if rl, ok := cidTable[r.EventCid]; ok {
		return Classification{Type: rl.typ, Deliver: true, ArmsLockout: rl.lockout}
	}
	if note, ok := logOnly[r.EventCid]; ok {
		return Classification{Type: EventUnknown, Note: note}
	}
	return Classification{Type: EventUnknown, Deliver: true}
}
