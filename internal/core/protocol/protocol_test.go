package protocol

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/model"
)

func TestFor(t *testing.T) {
	p, err := For(V3)
	require.NoError(t, err)
	assert.Equal(t, V3, p.Version())
	assert.True(t, p.SupportsLocks())

	p, err = For(V2)
	require.NoError(t, err)
	assert.Equal(t, V2, p.Version())
	assert.False(t, p.SupportsLocks())
	assert.Equal(t, "SS2", p.Version().String())

	_, err = For(Version(4))
	assert.Error(t, err)
}

func TestSetAlarmState(t *testing.T) {
	v3, _ := For(V3)
	req := v3.SetAlarmState("123", model.TargetHome)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/ss3/subscriptions/123/state/home", req.Path)
	assert.Empty(t, req.Query)

	v2, _ := For(V2)
	req = v2.SetAlarmState("123", model.TargetHome)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/subscriptions/123/state", req.Path)
	assert.Equal(t, url.Values{"state": {"home"}}, req.Query)
}

func TestSensorsRequest(t *testing.T) {
	v3, _ := For(V3)
	req := v3.Sensors("9", true)
	assert.Equal(t, "/ss3/subscriptions/9/sensors", req.Path)
	assert.Equal(t, "true", req.Query.Get("forceUpdate"))
	assert.Equal(t, "false", v3.Sensors("9", false).Query.Get("forceUpdate"))

	v2, _ := For(V2)
	req = v2.Sensors("9", true)
	assert.Equal(t, "/subscriptions/9/settings", req.Path)
	assert.Equal(t, "all", req.Query.Get("settingsType"))
	assert.Equal(t, "false", req.Query.Get("cached"))
	assert.Equal(t, "true", v2.Sensors("9", false).Query.Get("cached"))
}

func TestParseSensors_Current(t *testing.T) {
	v3, _ := For(V3)
	sensors, err := v3.ParseSensors([]byte(`{"sensors":[
		{"serial":"s1","name":"Door","type":5,"status":{"triggered":true},"flags":{"offline":false,"lowBattery":true}},
		{"serial":"s2","name":"Hall","type":4,"status":{},"flags":{"offline":true}}
	]}`))
	require.NoError(t, err)
	require.Len(t, sensors, 2)

	assert.Equal(t, "s1", sensors[0].Serial)
	assert.Equal(t, model.SensorEntry, sensors[0].Type)
	assert.True(t, sensors[0].Triggered)
	assert.True(t, sensors[0].EntryOpen)
	assert.True(t, sensors[0].LowBattery)
	assert.Contains(t, string(sensors[0].Raw), `"serial":"s1"`)

	assert.False(t, sensors[1].Triggered)
	assert.False(t, sensors[1].EntryOpen, "motion sensors are never entry-open")
	assert.True(t, sensors[1].Offline)

	_, err = v3.ParseSensors([]byte(`{"settings":{}}`))
	assert.ErrorIs(t, err, apierror.ErrMalformedResponse)
	_, err = v3.ParseSensors([]byte(`<html>`))
	assert.ErrorIs(t, err, apierror.ErrMalformedResponse)
}

func TestParseSensors_Legacy(t *testing.T) {
	v2, _ := For(V2)
	sensors, err := v2.ParseSensors([]byte(`{"settings":{"sensors":[
		{"serial":"a1","name":"Front","type":5,"sensorStatus":1,"entryStatus":"open","error":false},
		{},
		{"serial":"a2","name":"Back","type":5,"sensorStatus":-1,"entryStatus":"closed","error":true},
		{"serial":"m1","name":"Hall","type":4}
	]}}`))
	require.NoError(t, err)
	require.Len(t, sensors, 3)

	assert.True(t, sensors[0].Triggered)
	assert.True(t, sensors[0].EntryOpen)
	assert.False(t, sensors[0].Offline)
	assert.False(t, sensors[0].LowBattery)

	assert.False(t, sensors[1].Triggered)
	assert.False(t, sensors[1].EntryOpen)
	assert.True(t, sensors[1].Offline)
	assert.True(t, sensors[1].LowBattery)
	assert.True(t, sensors[1].Error)

	assert.False(t, sensors[2].Offline, "missing sensorStatus is not offline")

	_, err = v2.ParseSensors([]byte(`{"sensors":[]}`))
	assert.ErrorIs(t, err, apierror.ErrMalformedResponse)
}

func TestSharedEndpoints(t *testing.T) {
	assert.Equal(t, "/api/authCheck", AuthCheck().Path)
	assert.Equal(t, "/users/7/loginInfo", LoginInfo("7").Path)

	subs := Subscriptions("7")
	assert.Equal(t, "/users/7/subscriptions", subs.Path)
	assert.Equal(t, "false", subs.Query.Get("activeOnly"))

	assert.Equal(t, "/subscriptions/5/", Subscription("5").Path)
	assert.Equal(t, "/doorlock/5", Locks("5").Path)

	events := Events("5", url.Values{"numEvents": {"10"}})
	assert.Equal(t, "/subscriptions/5/events", events.Path)
	assert.Equal(t, "10", events.Query.Get("numEvents"))

	lock := SetLockState("5", "L1", model.TargetUnlock)
	assert.Equal(t, http.MethodPost, lock.Method)
	assert.Equal(t, "/doorlock/5/L1/state", lock.Path)
	assert.Equal(t, map[string]string{"state": "unlock"}, lock.Body)
}

func TestParsers(t *testing.T) {
	uid, err := ParseAuthCheck([]byte(`{"userId":123,"isAdmin":false}`))
	require.NoError(t, err)
	assert.Equal(t, model.ID("123"), uid)
	_, err = ParseAuthCheck([]byte(`{}`))
	assert.ErrorIs(t, err, apierror.ErrMalformedResponse)

	info, err := ParseLoginInfo([]byte(`{"loginInfo":{"email":"a@b"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"email":"a@b"}`, string(info))

	subs, err := ParseSubscriptions([]byte(`{"subscriptions":[{"sid":1,"sStatus":10,"location":{"account":"X"}}]}`))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.ID("1"), subs[0].SID)
	_, err = ParseSubscriptions([]byte(`{}`))
	assert.ErrorIs(t, err, apierror.ErrMalformedResponse)

	sub, err := ParseSubscription([]byte(`{"subscription":{"sid":1,"location":{"system":{"alarmState":"AWAY"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "AWAY", sub.Location.System.AlarmState)

	events, err := ParseEvents([]byte(`{"numEvents":1,"events":[{"eventId":9,"eventCid":1400,"info":"Disarmed"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1400, events[0].EventCid)

	locks, err := ParseLocks([]byte(`[{"serial":"L1","status":{"lockState":1}}]`))
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, model.LockLocked, locks[0].State)
	_, err = ParseLocks([]byte(`{"locks":[]}`))
	assert.ErrorIs(t, err, apierror.ErrMalformedResponse)
}
