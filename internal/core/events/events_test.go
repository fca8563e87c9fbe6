package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/simplisafe/internal/core/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		raw       Raw
		wantType  Type
		deliver   bool
		lockout   bool
		wantNoted bool
	}{
		{"alarm event type", Raw{EventType: "alarm", EventCid: 1400}, AlarmTrigger, true, false, false},
		{"alarm cancel event type", Raw{EventType: "alarmCancel"}, AlarmOff, true, false, false},
		{"disarm pin", Raw{EventType: "activity", EventCid: 1400}, AlarmDisarm, true, true, false},
		{"disarm remote", Raw{EventCid: 1407}, AlarmDisarm, true, true, false},
		{"cancel", Raw{EventCid: 1406}, AlarmCancel, true, true, false},
		{"motion", Raw{EventCid: 1409}, Motion, true, false, false},
		{"home exit delay", Raw{EventCid: 9441}, HomeExitDelay, true, false, false},
		{"home arm", Raw{EventCid: 3441}, HomeArm, true, true, false},
		{"home arm alt", Raw{EventCid: 3491}, HomeArm, true, true, false},
		{"away exit delay keypad", Raw{EventCid: 9401}, AwayExitDelay, true, false, false},
		{"away exit delay remote", Raw{EventCid: 9407}, AwayExitDelay, true, false, false},
		{"away arm keypad", Raw{EventCid: 3401}, AwayArm, true, true, false},
		{"away arm remote", Raw{EventCid: 3407}, AwayArm, true, true, false},
		{"away arm 3487", Raw{EventCid: 3487}, AwayArm, true, true, false},
		{"away arm 3481", Raw{EventCid: 3481}, AwayArm, true, true, false},
		{"entry", Raw{EventCid: 1429}, Entry, true, false, false},
		{"alarm 1110", Raw{EventCid: 1110}, AlarmTrigger, true, false, false},
		{"alarm 1162", Raw{EventCid: 1162}, AlarmTrigger, true, false, false},
		{"camera motion", Raw{EventCid: 1170}, CameraMotion, true, false, false},
		{"doorbell", Raw{EventCid: 1458}, Doorbell, true, false, false},
		{"lock unlocked", Raw{EventCid: 9700}, DoorlockUnlocked, true, false, false},
		{"lock locked", Raw{EventCid: 9701}, DoorlockLocked, true, false, false},
		{"lock error", Raw{EventCid: 9703}, DoorlockError, true, false, false},
		{"automatic test", Raw{EventCid: 1602}, EventUnknown, false, false, true},
		{"power outage", Raw{EventCid: 1301}, EventUnknown, false, false, true},
		{"power restored", Raw{EventCid: 3301}, EventUnknown, false, false, true},
		{"interference", Raw{EventCid: 1344}, EventUnknown, false, false, true},
		{"sensor test", Raw{EventCid: 1607}, EventUnknown, false, false, true},
		{"test signal", Raw{EventCid: 1601}, EventUnknown, false, false, true},
		{"unknown code", Raw{EventCid: 4242}, EventUnknown, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.raw)
			assert.Equal(t, tt.wantType, c.Type)
			assert.Equal(t, tt.deliver, c.Deliver)
			assert.Equal(t, tt.lockout, c.ArmsLockout)
			assert.Equal(t, tt.wantNoted, c.Note != "")
		})
	}
}

func TestRaw_UnmarshalJSON(t *testing.T) {
	payload := `{"sid":123,"eventType":"activity","eventCid":1400,"info":"Disarmed by Master PIN","sensorSerial":"abc","sensorType":1,"eventTimestamp":1700000000}`

	var r Raw
	require.NoError(t, json.Unmarshal([]byte(payload), &r))
	assert.Equal(t, model.ID("123"), r.SID)
	assert.Equal(t, 1400, r.EventCid)
	assert.Equal(t, model.SensorKeypad, r.SensorType)
	assert.JSONEq(t, payload, string(r.Payload))
}

func TestType_Affects(t *testing.T) {
	assert.True(t, AlarmDisarm.AffectsAlarm())
	assert.True(t, AwayExitDelay.AffectsAlarm())
	assert.False(t, Motion.AffectsAlarm())
	assert.True(t, DoorlockLocked.AffectsLocks())
	assert.False(t, Doorbell.AffectsLocks())
}
