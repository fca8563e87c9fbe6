package system

import (
	"context"
	"errors"
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
	"github.com/trymwestin/simplisafe/internal/core/clock"
	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/protocol"
	"github.com/trymwestin/simplisafe/internal/core/transport"
)

type staticDevice struct{}

func (staticDevice) DeviceID() string { return "test-device" }

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string, string) (transport.Conn, error) {
	return nil, errors.New("no push in tests")
}

const oneSubscription = `{"subscriptions":[{"sid":7,"sStatus":10,"location":{"account":"A1"}}]}`

func detail(state string, alarming bool) string {
	return fmt.Sprintf(`{"subscription":{"sid":7,"sStatus":10,"location":{"account":"A1","system":{"alarmState":%q,"isAlarming":%t,"cameras":[{"uuid":"c1","model":"SS001","cameraSettings":{"cameraName":"Porch"}}]}}}}`, state, alarming)
}

// provider is a scripted SimpliSafe API.
type provider struct {
	mu            sync.Mutex
	subscriptions string
	details       []string
	locks         string
	hits          map[string]int
	queries       map[string]url.Values
	bodies        map[string]string
}

func newProvider() *provider {
	return &provider{
		subscriptions: oneSubscription,
		details:       []string{detail("OFF", false)},
		locks:         `[]`,
		hits:          map[string]int{},
		queries:       map[string]url.Values{},
		bodies:        map[string]string{},
	}
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.hits[key]++
	n := p.hits[key]
	p.queries[key] = r.URL.Query()
	p.bodies[key] = string(body)
	subscriptions, details, locks := p.subscriptions, p.details, p.locks
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case key == "POST /api/token":
		_, _ = io.WriteString(w, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`)
	case key == "GET /api/authCheck":
		_, _ = io.WriteString(w, `{"userId":42}`)
	case key == "GET /users/42/loginInfo":
		_, _ = io.WriteString(w, `{"loginInfo":{"email":"a@b.c"}}`)
	case key == "GET /users/42/subscriptions":
		_, _ = io.WriteString(w, subscriptions)
	case key == "GET /subscriptions/7/":
		_, _ = io.WriteString(w, details[min(n, len(details))-1])
	case key == "GET /subscriptions/8/":
		_, _ = io.WriteString(w, `{"subscription":{"sid":8,"sStatus":20,"location":{"account":"A2","system":{"alarmState":"AWAY","isAlarming":false}}}}`)
	case key == "GET /doorlock/7":
		_, _ = io.WriteString(w, locks)
	case key == "GET /ss3/subscriptions/7/sensors":
		_, _ = io.WriteString(w, `{"sensors":[{"serial":"s1","name":"Door","type":5,"status":{"triggered":true}}]}`)
	case key == "GET /subscriptions/7/events":
		_, _ = io.WriteString(w, `{"events":[{"eventId":1,"eventCid":1400,"info":"Disarmed"}]}`)
	case r.Method == http.MethodPost && (strings.HasSuffix(r.URL.Path, "/state") || strings.Contains(r.URL.Path, "/state/")):
		_, _ = io.WriteString(w, `{"success":true,"reason":null}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"not_found"}`)
	}
}

func (p *provider) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[key]
}

func (p *provider) query(key string) url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries[key]
}

func (p *provider) body(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bodies[key]
}

func newClient(t *testing.T, p *provider, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	c, err := New(cfg, Deps{
		Clock:  clock.NewFake(time.Unix(1_700_000_000, 0)),
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer: refusingDialer{},
		Device: staticDevice{},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.Login(context.Background(), "user", "pass", true))
	return c
}

func TestNew_RejectsUnknownProtocol(t *testing.T) {
	_, err := New(Config{Protocol: 4}, Deps{Device: staticDevice{}})
	require.Error(t, err)
}

func TestClient_GetAlarmState(t *testing.T) {
	p := newProvider()
	p.details = []string{detail("home", false)}
	c := newClient(t, p, Config{})
	ctx := context.Background()

	state, err := c.GetAlarmState(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.AlarmHome, state)

	_, err = c.GetAlarmState(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, p.count("GET /subscriptions/7/"))

	_, err = c.GetAlarmState(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, p.count("GET /subscriptions/7/"))
	assert.Equal(t, 1, p.count("GET /users/42/subscriptions"))
}

func TestClient_GetAlarmState_Alarming(t *testing.T) {
	p := newProvider()
	p.details = []string{detail("AWAY", true)}
	c := newClient(t, p, Config{})

	state, err := c.GetAlarmState(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, model.AlarmAlarm, state)
}

func TestClient_GetAlarmState_RetriesUnknownStateOnce(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		p := newProvider()
		p.details = []string{detail("WEIRD", false), detail("AWAY_COUNT", false)}
		c := newClient(t, p, Config{})

		state, err := c.GetAlarmState(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, model.AlarmAwayCount, state)
		assert.Equal(t, 2, p.count("GET /subscriptions/7/"))
	})

	t.Run("gives up", func(t *testing.T) {
		p := newProvider()
		p.details = []string{detail("WEIRD", false)}
		c := newClient(t, p, Config{})

		_, err := c.GetAlarmState(context.Background(), false)
		assert.ErrorIs(t, err, apierror.ErrMalformedResponse)
		assert.Equal(t, 2, p.count("GET /subscriptions/7/"))
	})
}

func TestClient_GetAlarmState_MissingSystem(t *testing.T) {
	p := newProvider()
	p.details = []string{`{"subscription":{"sid":7,"sStatus":10,"location":{"account":"A1"}}}`}
	c := newClient(t, p, Config{})

	_, err := c.GetAlarmState(context.Background(), false)
	assert.ErrorIs(t, err, apierror.ErrMalformedResponse)
	assert.Equal(t, 1, p.count("GET /subscriptions/7/"))
}

func TestClient_SubscriptionResolution(t *testing.T) {
	several := `{"subscriptions":[
		{"sid":7,"sStatus":10,"location":{"account":"A1"}},
		{"sid":8,"sStatus":20,"location":{"account":"A2"}},
		{"sid":9,"sStatus":0,"location":{"account":"A3"}}]}`

	t.Run("ambiguous", func(t *testing.T) {
		p := newProvider()
		p.subscriptions = several
		c := newClient(t, p, Config{})

		_, err := c.SubscriptionID(context.Background())
		assert.ErrorIs(t, err, apierror.ErrAmbiguousSubscription)
		assert.Contains(t, err.Error(), "A1, A2")
	})

	t.Run("account number filter", func(t *testing.T) {
		p := newProvider()
		p.subscriptions = several
		c := newClient(t, p, Config{AccountNumber: "A2"})

		sid, err := c.SubscriptionID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.ID("8"), sid)
	})

	t.Run("set default subscription", func(t *testing.T) {
		p := newProvider()
		p.subscriptions = several
		c := newClient(t, p, Config{})

		require.NoError(t, c.SetDefaultSubscription("A1"))
		sid, err := c.SubscriptionID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.ID("7"), sid)

		assert.ErrorIs(t, c.SetDefaultSubscription(""), apierror.ErrAccountNumberRequired)
	})

	t.Run("detail cached per subscription", func(t *testing.T) {
		p := newProvider()
		p.subscriptions = several
		p.details = []string{detail("HOME", false)}
		c := newClient(t, p, Config{AccountNumber: "A1"})
		ctx := context.Background()

		state, err := c.GetAlarmState(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, model.AlarmHome, state)

		// Switch the default without going through any invalidation.
		c.mu.Lock()
		c.sid = "8"
		c.mu.Unlock()

		state, err = c.GetAlarmState(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, model.AlarmAway, state)
		assert.Equal(t, 1, p.count("GET /subscriptions/7/"))
		assert.Equal(t, 1, p.count("GET /subscriptions/8/"))
	})

	t.Run("none active", func(t *testing.T) {
		p := newProvider()
		p.subscriptions = `{"subscriptions":[{"sid":9,"sStatus":0,"location":{"account":"A3"}}]}`
		c := newClient(t, p, Config{})

		_, err := c.GetAlarmState(context.Background(), false)
		assert.ErrorIs(t, err, apierror.ErrNoSubscription)
	})

	t.Run("remembered", func(t *testing.T) {
		p := newProvider()
		c := newClient(t, p, Config{})

		for range 3 {
			_, err := c.SubscriptionID(context.Background())
			require.NoError(t, err)
		}
		assert.Equal(t, 1, p.count("GET /users/42/subscriptions"))
		assert.Equal(t, 1, p.count("GET /api/authCheck"))
	})
}

func TestClient_SetAlarmState(t *testing.T) {
	tests := []struct {
		name        string
		locks       string
		wantLockout bool
	}{
		{"with locks", `[{"serial":"l1","name":"Front","status":{"lockState":1}}]`, true},
		{"without locks", `[]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider()
			p.locks = tt.locks
			c := newClient(t, p, Config{})

			ack, err := c.SetAlarmState(context.Background(), "AWAY")
			require.NoError(t, err)
			assert.JSONEq(t, `{"success":true,"reason":null}`, string(ack))
			assert.Equal(t, 1, p.count("POST /ss3/subscriptions/7/state/away"))
			assert.Equal(t, tt.wantLockout, c.LockoutActive())
		})
	}
}

func TestClient_SetAlarmState_InvalidTarget(t *testing.T) {
	p := newProvider()
	c := newClient(t, p, Config{})

	_, err := c.SetAlarmState(context.Background(), "vacation")
	assert.ErrorIs(t, err, apierror.ErrInvalidState)
}

func TestClient_LegacyProtocol(t *testing.T) {
	p := newProvider()
	c := newClient(t, p, Config{Protocol: protocol.V2})

	_, err := c.SetAlarmState(context.Background(), "home")
	require.NoError(t, err)
	assert.Equal(t, 1, p.count("POST /subscriptions/7/state"))
	assert.Equal(t, "home", p.query("POST /subscriptions/7/state").Get("state"))
	assert.False(t, c.LockoutActive())

	locks, err := c.GetLocks(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, locks)
	assert.Equal(t, 0, p.count("GET /doorlock/7"))
}

func TestClient_StreamLockout(t *testing.T) {
	t.Run("known locks arm synchronously", func(t *testing.T) {
		p := newProvider()
		p.locks = `[{"serial":"l1","status":{"lockState":0}}]`
		c := newClient(t, p, Config{})

		_, err := c.GetLocks(context.Background(), false)
		require.NoError(t, err)
		c.streamLockout()
		assert.True(t, c.LockoutActive())
	})

	t.Run("unknown locks are probed", func(t *testing.T) {
		p := newProvider()
		p.locks = `[{"serial":"l1","status":{"lockState":0}}]`
		c := newClient(t, p, Config{})

		c.streamLockout()
		assert.Eventually(t, c.LockoutActive, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("no locks", func(t *testing.T) {
		p := newProvider()
		c := newClient(t, p, Config{})

		_, err := c.GetLocks(context.Background(), false)
		require.NoError(t, err)
		c.streamLockout()
		assert.False(t, c.LockoutActive())
	})
}

func TestClient_GetSensors(t *testing.T) {
	p := newProvider()
	c := newClient(t, p, Config{})
	ctx := context.Background()

	sensors, err := c.GetSensors(ctx, true, false)
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, "s1", sensors[0].Serial)
	assert.True(t, sensors[0].Triggered)
	assert.Equal(t, "true", p.query("GET /ss3/subscriptions/7/sensors").Get("forceUpdate"))

	_, err = c.GetSensors(ctx, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, p.count("GET /ss3/subscriptions/7/sensors"))

	_, err = c.GetSensors(ctx, false, true)
	require.NoError(t, err)
	assert.Equal(t, 2, p.count("GET /ss3/subscriptions/7/sensors"))
	assert.Equal(t, "false", p.query("GET /ss3/subscriptions/7/sensors").Get("forceUpdate"))
}

func TestClient_Locks(t *testing.T) {
	p := newProvider()
	p.locks = `[{"serial":"l1","name":"Front","status":{"lockState":1},"flags":{"lowBattery":true}}]`
	c := newClient(t, p, Config{})
	ctx := context.Background()

	locks, err := c.GetLocks(ctx, false)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, model.LockLocked, locks[0].State)
	assert.True(t, locks[0].LowBattery)

	_, err = c.SetLockState(ctx, "l1", "UNLOCK")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"unlock"}`, p.body("POST /doorlock/7/l1/state"))

	_, err = c.SetLockState(ctx, "l1", "open")
	assert.ErrorIs(t, err, apierror.ErrInvalidState)

	// The lock list is re-read after a state change.
	_, err = c.GetLocks(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, p.count("GET /doorlock/7"))
}

func TestClient_GetCameras(t *testing.T) {
	p := newProvider()
	c := newClient(t, p, Config{})

	cameras, err := c.GetCameras(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, cameras, 1)
	assert.Equal(t, "Porch", cameras[0].Name)
	assert.Equal(t, "SS001", cameras[0].Model)
}

func TestClient_GetEvents(t *testing.T) {
	p := newProvider()
	c := newClient(t, p, Config{})

	evs, err := c.GetEvents(context.Background(), url.Values{"numEvents": {"5"}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, 1400, evs[0].EventCid)
	assert.Equal(t, "5", p.query("GET /subscriptions/7/events").Get("numEvents"))
}

func TestClient_UserInfo(t *testing.T) {
	p := newProvider()
	c := newClient(t, p, Config{})

	info, err := c.UserInfo(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"email":"a@b.c"}`, string(info))
}

func TestClient_Logout(t *testing.T) {
	p := newProvider()
	c := newClient(t, p, Config{})
	assert.True(t, c.IsLoggedIn())

	c.Logout(false)
	assert.False(t, c.IsLoggedIn())

	_, err := c.GetAlarmState(context.Background(), false)
	assert.ErrorIs(t, err, apierror.ErrNotAuthenticated)
}

func TestClient_SensorPollingUsesLiveRefresh(t *testing.T) {
	p := newProvider()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c, err := New(Config{BaseURL: srv.URL, SensorRefresh: 10 * time.Second}, Deps{
		Clock:  clk,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer: refusingDialer{},
		Device: staticDevice{},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Login(context.Background(), "user", "pass", true))

	got := make(chan model.Sensor, 1)
	sub := c.SubscribeToSensor("s1", func(s model.Sensor) { got <- s })
	clk.Advance(10 * time.Second)

	select {
	case s := <-got:
		assert.Equal(t, "Door", s.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("sensor not delivered")
	}
	assert.Equal(t, "true", p.query("GET /ss3/subscriptions/7/sensors").Get("forceUpdate"))
	sub.Cancel()
}
