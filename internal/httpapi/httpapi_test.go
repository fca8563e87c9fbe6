package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/state"
)

type fakeClient struct {
	mu         sync.Mutex
	alarm      model.AlarmState
	alarmForce []bool
	err        error
	setAlarm   []string
	setLock    [][2]string
	params     url.Values
	refreshes  int
}

func (c *fakeClient) IsLoggedIn() bool        { return true }
func (c *fakeClient) IsSocketConnected() bool { return false }
func (c *fakeClient) LockoutActive() bool     { return true }

func (c *fakeClient) GetAlarmState(_ context.Context, force bool) (model.AlarmState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarmForce = append(c.alarmForce, force)
	return c.alarm, c.err
}

func (c *fakeClient) SetAlarmState(_ context.Context, st string) (json.RawMessage, error) {
	if c.err != nil {
		return nil, c.err
	}
	if _, err := model.ParseAlarmTarget(st); err != nil {
		return nil, err
	}
	c.setAlarm = append(c.setAlarm, st)
	return json.RawMessage(`{"success":true}`), nil
}

func (c *fakeClient) GetSensors(context.Context, bool, bool) ([]model.Sensor, error) {
	return []model.Sensor{{Serial: "live", Type: model.SensorMotion}}, c.err
}

func (c *fakeClient) GetLocks(context.Context, bool) ([]model.Lock, error) {
	return nil, c.err
}

func (c *fakeClient) SetLockState(_ context.Context, id, st string) (json.RawMessage, error) {
	c.setLock = append(c.setLock, [2]string{id, st})
	return json.RawMessage(`{}`), c.err
}

func (c *fakeClient) GetCameras(context.Context, bool) ([]model.Camera, error) {
	return []model.Camera{{UUID: "cam1", Name: "Porch"}}, c.err
}

func (c *fakeClient) GetEvents(_ context.Context, params url.Values) ([]model.Event, error) {
	c.params = params
	return []model.Event{{EventCid: 1400, Info: "Disarmed"}}, c.err
}

func (c *fakeClient) RefreshAlarm() { c.refreshes++ }
func (c *fakeClient) RefreshLocks() { c.refreshes++ }

func newServer(t *testing.T, corsAll bool) (*fakeClient, *state.StateStore, http.Handler) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := state.NewStateStore(state.NewEventBus(log), log)
	client := &fakeClient{alarm: model.AlarmAway}
	return client, store, NewServer(client, store, client, corsAll, log).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatus(t *testing.T) {
	_, store, h := newServer(t, false)
	store.SetAlarm(model.AlarmHome)
	store.UpdateSensors([]model.Sensor{{Serial: "s1"}})

	rec := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	out := decode(t, rec)
	assert.Equal(t, true, out["logged_in"])
	assert.Equal(t, true, out["lockout_active"])
	assert.Equal(t, float64(1), out["sensors"])
	assert.Equal(t, "HOME", out["alarm"].(map[string]any)["state"])
}

func TestRequestIDPropagated(t *testing.T) {
	_, _, h := newServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestAlarm(t *testing.T) {
	client, _, h := newServer(t, false)

	rec := do(t, h, http.MethodGet, "/api/alarm?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AWAY", decode(t, rec)["state"])
	assert.Equal(t, []bool{true}, client.alarmForce)

	rec = do(t, h, http.MethodPost, "/api/alarm", `{"state":"HOME"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"success": true}, decode(t, rec)["response"])
	assert.Equal(t, []string{"HOME"}, client.setAlarm)
	assert.Equal(t, 1, client.refreshes)

	rec = do(t, h, http.MethodPost, "/api/alarm", `{"state":"night"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/alarm", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSensors(t *testing.T) {
	_, store, h := newServer(t, false)
	store.UpdateSensors([]model.Sensor{{Serial: "b"}, {Serial: "a", Triggered: true}})

	rec := do(t, h, http.MethodGet, "/api/sensors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sensors := decode(t, rec)["sensors"].([]any)
	require.Len(t, sensors, 2)
	assert.Equal(t, "a", sensors[0].(map[string]any)["serial"])

	rec = do(t, h, http.MethodGet, "/api/sensors?refresh=1", "")
	sensors = decode(t, rec)["sensors"].([]any)
	require.Len(t, sensors, 1)
	assert.Equal(t, "live", sensors[0].(map[string]any)["serial"])
}

func TestLocks(t *testing.T) {
	client, _, h := newServer(t, false)

	rec := do(t, h, http.MethodGet, "/api/locks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["locks"])

	rec = do(t, h, http.MethodPost, "/api/locks/l1", `{"state":"unlock"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [][2]string{{"l1", "unlock"}}, client.setLock)
	assert.Equal(t, 1, client.refreshes)
}

func TestCamerasAndEvents(t *testing.T) {
	client, _, h := newServer(t, false)

	rec := do(t, h, http.MethodGet, "/api/cameras", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["cameras"], 1)

	rec = do(t, h, http.MethodGet, "/api/events?numEvents=5&refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", client.params.Get("numEvents"))
	assert.False(t, client.params.Has("refresh"))
	assert.Len(t, decode(t, rec)["events"], 1)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&apierror.RateLimitError{RetryAt: time.Now().Add(time.Minute)}, http.StatusTooManyRequests},
		{fmt.Errorf("system: sensors: %w", apierror.ErrRateLimited), http.StatusTooManyRequests},
		{apierror.ErrNotAuthenticated, http.StatusUnauthorized},
		{apierror.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("%w: set the account number", apierror.ErrAmbiguousSubscription), http.StatusConflict},
		{fmt.Errorf("system: alarm state: %w", apierror.ErrMalformedResponse), http.StatusBadGateway},
		{apierror.NewProviderError(500, []byte(`{"error":"boom"}`)), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestRateLimitedResponse(t *testing.T) {
	client, _, h := newServer(t, false)
	client.err = &apierror.RateLimitError{RetryAt: time.Now().Add(2 * time.Minute)}

	rec := do(t, h, http.MethodGet, "/api/alarm", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, decode(t, rec)["error"], "rate limited")
}

func TestCORS(t *testing.T) {
	_, _, h := newServer(t, true)

	rec := do(t, h, http.MethodOptions, "/api/status", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	_, _, plain := newServer(t, false)
	rec = do(t, plain, http.MethodGet, "/api/status", "")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
