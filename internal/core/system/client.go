// Package system is the client facade consumers use: request/response
// accessors, the push-event subscription and per-sensor polling.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/api"
	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/auth"
	"github.com/trymwestin/simplisafe/internal/core/cache"
	"github.com/trymwestin/simplisafe/internal/core/clock"
	"github.com/trymwestin/simplisafe/internal/core/identity"
	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/poller"
	"github.com/trymwestin/simplisafe/internal/core/protocol"
	"github.com/trymwestin/simplisafe/internal/core/ratelimit"
	"github.com/trymwestin/simplisafe/internal/core/stream"
	"github.com/trymwestin/simplisafe/internal/core/transport"
)

// DefaultIdentityPath is used when neither a path nor a device is given.
const DefaultIdentityPath = "ss3d-identity.json"

const probeTimeout = 30 * time.Second

// Config holds the client settings.
type Config struct {
	BaseURL       string
	SocketBase    string
	Protocol      protocol.Version
	AccountNumber string
	IdentityPath  string
	ResetIdentity bool
	SensorRefresh time.Duration
	CacheTTL      time.Duration
	Debug         bool
}

// Deps are the collaborators a Client is built with. Zero values get
// production defaults.
type Deps struct {
	HTTPClient *http.Client
	Clock      clock.Clock
	Log        *slog.Logger
	Dialer     transport.Dialer
	Device     auth.DeviceIdentifier
	// Breaker bounds, zero for the defaults.
	BreakerFloor   time.Duration
	BreakerCeiling time.Duration
}

type lockPresence int32

const (
	locksUnknown lockPresence = iota
	locksNone
	locksPresent
)

// Client owns one session and everything hanging off it.
type Client struct {
	proto    protocol.Protocol
	clock    clock.Clock
	log      *slog.Logger
	identity *identity.Store

	breaker *ratelimit.Breaker
	session *auth.Session
	engine  *api.Engine

	subscriptions *cache.Cache[*model.Subscription]
	sensors       *cache.Cache[[]model.Sensor]
	locks         *cache.Cache[[]model.Lock]

	lockout *poller.Lockout
	poller  *poller.Poller
	stream  *stream.Stream

	hasLocks atomic.Int32

	mu            sync.Mutex
	userID        model.ID
	sid           model.ID
	accountNumber string
}

// New builds a logged-out client.
func New(cfg Config, deps Deps) (*Client, error) {
	if cfg.Protocol == 0 {
		cfg.Protocol = protocol.V3
	}
	proto, err := protocol.For(cfg.Protocol)
	if err != nil {
		return nil, fmt.Errorf("system: %w", err)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		proto:         proto,
		clock:         clk,
		log:           log,
		accountNumber: cfg.AccountNumber,
	}

	device := deps.Device
	if device == nil {
		path := cfg.IdentityPath
		if path == "" {
			path = DefaultIdentityPath
		}
		store, err := identity.Load(path, cfg.ResetIdentity, log)
		if err != nil {
			return nil, fmt.Errorf("system: %w", err)
		}
		c.identity = store
		device = store
	}

	var opts []ratelimit.Option
	if deps.BreakerFloor > 0 || deps.BreakerCeiling > 0 {
		opts = append(opts, ratelimit.WithBounds(deps.BreakerFloor, deps.BreakerCeiling))
	}
	c.breaker = ratelimit.NewBreaker(clk, log, opts...)

	c.session = auth.New(auth.Config{
		BaseURL:    baseURL(cfg.BaseURL),
		HTTPClient: deps.HTTPClient,
		Clock:      clk,
		Breaker:    c.breaker,
		Device:     device,
		Log:        log,
	})
	c.engine = api.New(api.Config{
		BaseURL:    baseURL(cfg.BaseURL),
		HTTPClient: deps.HTTPClient,
		Auth:       c.session,
		Breaker:    c.breaker,
		Log:        log,
	})

	c.subscriptions = cache.New[*model.Subscription](clk, cfg.CacheTTL)
	c.sensors = cache.New[[]model.Sensor](clk, cfg.CacheTTL)
	c.locks = cache.New[[]model.Lock](clk, cfg.CacheTTL)

	c.lockout = poller.NewLockout(clk, poller.DefaultLockout, log)
	c.poller = poller.New(poller.Config{
		Source:   c,
		Lockout:  c.lockout,
		Clock:    clk,
		Log:      log,
		Interval: cfg.SensorRefresh,
		Debug:    cfg.Debug,
	})

	dialer := deps.Dialer
	if dialer == nil {
		dialer = transport.NewCloudDialer(cfg.SocketBase, log)
	}
	c.stream = stream.New(stream.Config{
		Dialer:    dialer,
		Account:   c,
		OnLockout: c.streamLockout,
		Clock:     clk,
		Log:       log,
	})

	log.Info("client initialized", "protocol", proto.Version().String())
	return c, nil
}

func baseURL(u string) string {
	if u == "" {
		return api.DefaultBaseURL
	}
	return u
}

// Close stops the push stream and the poller.
func (c *Client) Close() {
	c.stream.Close()
	c.poller.Stop()
	c.lockout.Stop()
}

// Protocol returns the protocol variant in use.
func (c *Client) Protocol() protocol.Version { return c.proto.Version() }

// Identity returns the identity store, or nil when the device was injected.
func (c *Client) Identity() *identity.Store { return c.identity }

// Breaker exposes the rate-limit breaker for status reporting.
func (c *Client) Breaker() *ratelimit.Breaker { return c.breaker }

// Login authenticates with the given credentials. When persist is true the
// credentials are retained for automatic re-login.
func (c *Client) Login(ctx context.Context, username, password string, persist bool) error {
	return c.session.Login(ctx, username, password, persist)
}

// Logout drops the session and everything derived from it.
func (c *Client) Logout(keepCredentials bool) {
	c.session.Logout(keepCredentials)

	c.mu.Lock()
	c.userID = ""
	c.sid = ""
	c.mu.Unlock()

	c.subscriptions.Clear()
	c.sensors.Invalidate(cache.KeySensors)
	c.locks.Invalidate(cache.KeyLocks)
	c.hasLocks.Store(int32(locksUnknown))
}

// IsLoggedIn reports whether the session holds usable tokens.
func (c *Client) IsLoggedIn() bool { return c.session.IsLoggedIn() }

// AccessToken returns the current access token.
func (c *Client) AccessToken() string { return c.session.AccessToken() }

// UserID returns the authenticated user's id, resolving it once.
func (c *Client) UserID(ctx context.Context) (model.ID, error) {
	c.mu.Lock()
	uid := c.userID
	c.mu.Unlock()
	if uid != "" {
		return uid, nil
	}

	body, err := c.engine.Do(ctx, protocol.AuthCheck())
	if err != nil {
		return "", fmt.Errorf("system: user id: %w", err)
	}
	uid, err = protocol.ParseAuthCheck(body)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.userID = uid
	c.mu.Unlock()
	return uid, nil
}

// UserInfo returns the provider's login information object.
func (c *Client) UserInfo(ctx context.Context) (json.RawMessage, error) {
	uid, err := c.UserID(ctx)
	if err != nil {
		return nil, err
	}
	body, err := c.engine.Do(ctx, protocol.LoginInfo(uid))
	if err != nil {
		return nil, fmt.Errorf("system: user info: %w", err)
	}
	return protocol.ParseLoginInfo(body)
}

// Subscriptions lists the active subscriptions, filtered by the configured
// account number. A single match becomes the default subscription.
func (c *Client) Subscriptions(ctx context.Context) ([]model.Subscription, error) {
	uid, err := c.UserID(ctx)
	if err != nil {
		return nil, err
	}
	body, err := c.engine.Do(ctx, protocol.Subscriptions(uid))
	if err != nil {
		return nil, fmt.Errorf("system: subscriptions: %w", err)
	}
	all, err := protocol.ParseSubscriptions(body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var subs []model.Subscription
	for _, s := range all {
		if !s.Active() {
			continue
		}
		if c.accountNumber != "" && s.AccountNumber() != c.accountNumber {
			continue
		}
		subs = append(subs, s)
	}
	if len(subs) == 1 {
		c.sid = subs[0].SID
	}
	return subs, nil
}

// SubscriptionID returns the default subscription id, resolving it when
// it is not yet known.
func (c *Client) SubscriptionID(ctx context.Context) (model.ID, error) {
	c.mu.Lock()
	sid := c.sid
	c.mu.Unlock()
	if sid != "" {
		return sid, nil
	}

	subs, err := c.Subscriptions(ctx)
	if err != nil {
		return "", err
	}
	switch len(subs) {
	case 1:
		return subs[0].SID, nil
	case 0:
		return "", apierror.ErrNoSubscription
	default:
		accounts := make([]string, 0, len(subs))
		for _, s := range subs {
			accounts = append(accounts, s.AccountNumber())
		}
		return "", fmt.Errorf("%w: set the account number to one of: %s",
			apierror.ErrAmbiguousSubscription, strings.Join(accounts, ", "))
	}
}

// Subscription fetches one subscription's detail. An empty sid means the
// default subscription.
func (c *Client) Subscription(ctx context.Context, sid model.ID) (*model.Subscription, error) {
	if sid == "" {
		var err error
		if sid, err = c.SubscriptionID(ctx); err != nil {
			return nil, err
		}
	}
	body, err := c.engine.Do(ctx, protocol.Subscription(sid))
	if err != nil {
		return nil, fmt.Errorf("system: subscription %s: %w", sid, err)
	}
	return protocol.ParseSubscription(body)
}

// SetDefaultSubscription selects the subscription by account number.
func (c *Client) SetDefaultSubscription(accountNumber string) error {
	if accountNumber == "" {
		return apierror.ErrAccountNumberRequired
	}

	c.mu.Lock()
	changed := c.accountNumber != accountNumber
	c.accountNumber = accountNumber
	if changed {
		c.sid = ""
	}
	c.mu.Unlock()

	if changed {
		c.subscriptions.Clear()
		c.sensors.Invalidate(cache.KeySensors)
		c.locks.Invalidate(cache.KeyLocks)
		c.hasLocks.Store(int32(locksUnknown))
	}
	return nil
}
