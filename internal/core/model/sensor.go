package model

import (
	"encoding/json"
	"strconv"
)

// SensorType is the provider's numeric device type.
type SensorType int

const (
	SensorKeypad      SensorType = 1
	SensorKeychain    SensorType = 2
	SensorPanicButton SensorType = 3
	SensorMotion      SensorType = 4
	SensorEntry       SensorType = 5
	SensorGlassbreak  SensorType = 6
	SensorCO          SensorType = 7
	SensorSmoke       SensorType = 8
	SensorWater       SensorType = 9
	SensorFreeze      SensorType = 10
	SensorSiren       SensorType = 11
	SensorSiren2      SensorType = 13
	SensorDoorlock    SensorType = 16
	SensorDoorlock2   SensorType = 253
)

var sensorTypeNames = map[SensorType]string{
	SensorKeypad:      "keypad",
	SensorKeychain:    "keychain",
	SensorPanicButton: "panic_button",
	SensorMotion:      "motion_sensor",
	SensorEntry:       "entry_sensor",
	SensorGlassbreak:  "glassbreak_sensor",
	SensorCO:          "co_sensor",
	SensorSmoke:       "smoke_sensor",
	SensorWater:       "water_sensor",
	SensorFreeze:      "freeze_sensor",
	SensorSiren:       "siren",
	SensorSiren2:      "siren_2",
	SensorDoorlock:    "doorlock",
	SensorDoorlock2:   "doorlock_2",
}

func (t SensorType) String() string {
	if name, ok := sensorTypeNames[t]; ok {
		return name
	}
	return "type_" + strconv.Itoa(int(t))
}

// Known reports whether t is in the catalogue.
func (t SensorType) Known() bool {
	_, ok := sensorTypeNames[t]
	return ok
}

// IsLock reports whether the device is a door lock.
func (t SensorType) IsLock() bool {
	return t == SensorDoorlock || t == SensorDoorlock2
}

// Sensor is the protocol-independent view of one sensor.
type Sensor struct {
	Serial     string          `json:"serial"`
	Name       string          `json:"name"`
	Type       SensorType      `json:"type"`
	Triggered  bool            `json:"triggered"`
	EntryOpen  bool            `json:"entryOpen"`
	Offline    bool            `json:"offline"`
	LowBattery bool            `json:"lowBattery"`
	Error      bool            `json:"error"`
	Raw        json.RawMessage `json:"-"`
}
