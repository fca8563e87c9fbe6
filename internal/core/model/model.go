// Package model is the internal representation of SimpliSafe resources,
// independent of the protocol version that produced them.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID is a provider identifier. The provider sends ids as JSON numbers in
// some payloads and as strings in others.
type ID string

// UnmarshalJSON accepts a string or a number.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("model: id %s: %w", b, err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Subscription statuses considered active.
const (
	StatusActive      = 10
	StatusActiveTrial = 20
)

// Subscription is one monitored location of the account.
type Subscription struct {
	SID      ID       `json:"sid"`
	UID      ID       `json:"uid,omitempty"`
	Status   int      `json:"sStatus"`
	Location Location `json:"location"`
}

// Location holds the account number and the system of a subscription.
type Location struct {
	Account string  `json:"account"`
	Street1 string  `json:"street1,omitempty"`
	City    string  `json:"city,omitempty"`
	System  *System `json:"system,omitempty"`
}

// System is the alarm system installed at a location.
type System struct {
	Serial     string          `json:"serial,omitempty"`
	Version    int             `json:"version,omitempty"`
	AlarmState string          `json:"alarmState"`
	IsAlarming bool            `json:"isAlarming"`
	Cameras    json.RawMessage `json:"cameras,omitempty"`
}

// Active reports whether the subscription is in an active status.
func (s Subscription) Active() bool {
	return s.Status == StatusActive || s.Status == StatusActiveTrial
}

// AccountNumber returns the account number of the subscription location.
func (s Subscription) AccountNumber() string {
	return s.Location.Account
}

// Camera is a camera attached to the system.
type Camera struct {
	UUID   string          `json:"uuid"`
	Name   string          `json:"name"`
	Model  string          `json:"model"`
	Status string          `json:"status,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

type wireCamera struct {
	UUID           string `json:"uuid"`
	Model          string `json:"model"`
	Status         string `json:"status"`
	CameraSettings struct {
		CameraName string `json:"cameraName"`
	} `json:"cameraSettings"`
}

// UnmarshalJSON reads the provider's camera shape.
func (c *Camera) UnmarshalJSON(b []byte) error {
	var w wireCamera
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Camera{
		UUID:   w.UUID,
		Name:   w.CameraSettings.CameraName,
		Model:  w.Model,
		Status: w.Status,
		Raw:    append(json.RawMessage(nil), b...),
	}
	return nil
}

// Event is one entry of the subscription event history.
type Event struct {
	EventID      ID              `json:"eventId"`
	EventCid     int             `json:"eventCid"`
	EventType    string          `json:"eventType"`
	Info         string          `json:"info"`
	SensorSerial string          `json:"sensorSerial"`
	SensorName   string          `json:"sensorName"`
	Timestamp    int64           `json:"eventTimestamp"`
	Raw          json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw payload alongside the decoded fields.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = Event(p)
	e.Raw = append(json.RawMessage(nil), b...)
	return nil
}
