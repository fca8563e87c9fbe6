package protocol

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/trymwestin/simplisafe/internal/core/api"
	"github.com/trymwestin/simplisafe/internal/core/model"
)

// current is the SS3 variant.
type current struct{}

func (current) Version() Version    { return V3 }
func (current) SupportsLocks() bool { return true }

func (current) SetAlarmState(sid model.ID, target model.AlarmTarget) api.Request {
	return api.Request{
		Method: http.MethodPost,
		Path:   "/ss3/subscriptions/" + sid.String() + "/state/" + string(target),
	}
}

func (current) Sensors(sid model.ID, forceUpdate bool) api.Request {
	return api.Request{
		Method: http.MethodGet,
		Path:   "/ss3/subscriptions/" + sid.String() + "/sensors",
		Query:  url.Values{"forceUpdate": {strconv.FormatBool(forceUpdate)}},
	}
}

type currentSensor struct {
	Serial string           `json:"serial"`
	Name   string           `json:"name"`
	Type   model.SensorType `json:"type"`
	Status struct {
		Triggered bool `json:"triggered"`
	} `json:"status"`
	Flags struct {
		Offline    bool `json:"offline"`
		LowBattery bool `json:"lowBattery"`
	} `json:"flags"`
}

func (current) ParseSensors(body []byte) ([]model.Sensor, error) {
	var resp struct {
		Sensors *[]json.RawMessage `json:"sensors"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("sensors", err)
	}
	if resp.Sensors == nil {
		return nil, malformed("sensors: missing sensors", nil)
	}

	sensors := make([]model.Sensor, 0, len(*resp.Sensors))
	for _, raw := range *resp.Sensors {
		var w currentSensor
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("sensor", err)
		}
		sensors = append(sensors, model.Sensor{
			Serial:     w.Serial,
			Name:       w.Name,
			Type:       w.Type,
			Triggered:  w.Status.Triggered,
			EntryOpen:  w.Type == model.SensorEntry && w.Status.Triggered,
			Offline:    w.Flags.Offline,
			LowBattery: w.Flags.LowBattery,
			Raw:        raw,
		})
	}
	return sensors, nil
}

// legacy is the SS2 variant.
type legacy struct{}

func (legacy) Version() Version    { return V2 }
func (legacy) SupportsLocks() bool { return false }

func (legacy) SetAlarmState(sid model.ID, target model.AlarmTarget) api.Request {
	return api.Request{
		Method: http.MethodPost,
		Path:   "/subscriptions/" + sid.String() + "/state",
		Query:  url.Values{"state": {string(target)}},
	}
}

func (legacy) Sensors(sid model.ID, forceUpdate bool) api.Request {
	return api.Request{
		Method: http.MethodGet,
		Path:   "/subscriptions/" + sid.String() + "/settings",
		Query: url.Values{
			"settingsType": {"all"},
			"cached":       {strconv.FormatBool(!forceUpdate)},
		},
	}
}

type legacySensor struct {
	Serial       string           `json:"serial"`
	Name         string           `json:"name"`
	Type         model.SensorType `json:"type"`
	SensorStatus int              `json:"sensorStatus"`
	EntryStatus  string           `json:"entryStatus"`
	Error        bool             `json:"error"`
}

func (legacy) ParseSensors(body []byte) ([]model.Sensor, error) {
	var resp struct {
		Settings *struct {
			Sensors []json.RawMessage `json:"sensors"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("settings", err)
	}
	if resp.Settings == nil {
		return nil, malformed("settings: missing settings", nil)
	}

	sensors := make([]model.Sensor, 0, len(resp.Settings.Sensors))
	for _, raw := range resp.Settings.Sensors {
		var w legacySensor
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("sensor", err)
		}
		// Unused sensor slots come back as empty objects.
		if w.Serial == "" {
			continue
		}
		// A zero sensorStatus means the base station did not report one.
		sensors = append(sensors, model.Sensor{
			Serial:     w.Serial,
			Name:       w.Name,
			Type:       w.Type,
			Triggered:  w.EntryStatus == "open",
			EntryOpen:  w.Type == model.SensorEntry && w.EntryStatus == "open",
			Offline:    w.SensorStatus < 0,
			LowBattery: w.Error,
			Error:      w.Error,
			Raw:        raw,
		})
	}
	return sensors, nil
}
