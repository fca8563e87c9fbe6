package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
)

// AlarmState is the stable uppercase state token reported by the system.
type AlarmState string

const (
	AlarmOff        AlarmState = "OFF"
	AlarmHome       AlarmState = "HOME"
	AlarmAway       AlarmState = "AWAY"
	AlarmAwayCount  AlarmState = "AWAY_COUNT"
	AlarmHomeCount  AlarmState = "HOME_COUNT"
	AlarmAlarmCount AlarmState = "ALARM_COUNT"
	AlarmAlarm      AlarmState = "ALARM"
)

var alarmStates = []AlarmState{
	AlarmOff, AlarmHome, AlarmAway, AlarmAwayCount, AlarmHomeCount, AlarmAlarmCount, AlarmAlarm,
}

// ParseAlarmState recognizes a provider alarm state, case-insensitively.
func ParseAlarmState(s string) (AlarmState, bool) {
	for _, st := range alarmStates {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

// Armed reports whether the state is an armed or arming state.
func (s AlarmState) Armed() bool {
	switch s {
	case AlarmHome, AlarmAway, AlarmHomeCount, AlarmAwayCount:
		return true
	}
	return false
}

// AlarmTarget is a state the alarm can be set to.
type AlarmTarget string

const (
	TargetOff  AlarmTarget = "off"
	TargetHome AlarmTarget = "home"
	TargetAway AlarmTarget = "away"
)

// ParseAlarmTarget validates a requested alarm state.
func ParseAlarmTarget(s string) (AlarmTarget, error) {
	switch t := AlarmTarget(strings.ToLower(strings.TrimSpace(s))); t {
	case TargetOff, TargetHome, TargetAway:
		return t, nil
	}
	return "", fmt.Errorf("model: alarm state %q: %w", s, apierror.ErrInvalidState)
}

// LockState is the reported state of a door lock.
type LockState string

const (
	LockLocked   LockState = "LOCKED"
	LockUnlocked LockState = "UNLOCKED"
	LockJammed   LockState = "JAMMED"
	LockUnknown  LockState = "UNKNOWN"
)

// LockTarget is a state a lock can be set to.
type LockTarget string

const (
	TargetLock   LockTarget = "lock"
	TargetUnlock LockTarget = "unlock"
)

// ParseLockTarget validates a requested lock state.
func ParseLockTarget(s string) (LockTarget, error) {
	switch t := LockTarget(strings.ToLower(strings.TrimSpace(s))); t {
	case TargetLock, TargetUnlock:
		return t, nil
	}
	return "", fmt.Errorf("model: lock state %q: %w", s, apierror.ErrInvalidState)
}

// Lock is a door lock paired with the system.
type Lock struct {
	Serial     string          `json:"serial"`
	Name       string          `json:"name"`
	State      LockState       `json:"state"`
	Offline    bool            `json:"offline"`
	LowBattery bool            `json:"lowBattery"`
	Raw        json.RawMessage `json:"-"`
}

type wireLock struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
	Status struct {
		LockState      *int `json:"lockState"`
		LockJamState   any  `json:"lockJamState"`
		LockLowBattery bool `json:"lockLowBattery"`
	} `json:"status"`
	Flags struct {
		Offline    bool `json:"offline"`
		LowBattery bool `json:"lowBattery"`
	} `json:"flags"`
}

// UnmarshalJSON reads the provider's door lock shape. lockState 0 is
// unlocked and 1 is locked; a set jam state wins over both.
func (l *Lock) UnmarshalJSON(b []byte) error {
	var w wireLock
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	state := LockUnknown
	switch {
	case truthy(w.Status.LockJamState):
		state = LockJammed
	case w.Status.LockState == nil:
	case *w.Status.LockState == 0:
		state = LockUnlocked
	case *w.Status.LockState == 1:
		state = LockLocked
	case *w.Status.LockState == 2:
		state = LockJammed
	}

	*l = Lock{
		Serial:     w.Serial,
		Name:       w.Name,
		State:      state,
		Offline:    w.Flags.Offline,
		LowBattery: w.Flags.LowBattery || w.Status.LockLowBattery,
		Raw:        append(json.RawMessage(nil), b...),
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0" && !strings.EqualFold(t, "false")
	}
	return false
}
