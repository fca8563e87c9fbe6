package system

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/cache"
	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/poller"
	"github.com/trymwestin/simplisafe/internal/core/protocol"
	"github.com/trymwestin/simplisafe/internal/core/stream"
)

func (c *Client) cachedSubscription(ctx context.Context, force bool) (*model.Subscription, error) {
	sid, err := c.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}
	return c.subscriptions.Get(ctx, sid.String(), force, func(ctx context.Context) (*model.Subscription, error) {
		return c.Subscription(ctx, sid)
	})
}

// GetAlarmState returns the alarm state of the default subscription. A
// state that is not understood is re-read once, bypassing the cache.
func (c *Client) GetAlarmState(ctx context.Context, forceRefresh bool) (model.AlarmState, error) {
	for retried := false; ; retried = true {
		sub, err := c.cachedSubscription(ctx, forceRefresh || retried)
		if err != nil {
			return "", err
		}
		sys := sub.Location.System
		if sys == nil {
			return "", fmt.Errorf("system: alarm state: missing location.system: %w", apierror.ErrMalformedResponse)
		}
		if sys.IsAlarming {
			return model.AlarmAlarm, nil
		}
		if state, ok := model.ParseAlarmState(sys.AlarmState); ok {
			return state, nil
		}
		if retried {
			return "", fmt.Errorf("system: alarm state %q not understood: %w", sys.AlarmState, apierror.ErrMalformedResponse)
		}
		c.log.Debug("alarm state not understood, refreshing", "alarm_state", sys.AlarmState)
	}
}

// SetAlarmState requests a new alarm state and returns the provider's
// acknowledgement unchanged.
func (c *Client) SetAlarmState(ctx context.Context, state string) (json.RawMessage, error) {
	target, err := model.ParseAlarmTarget(state)
	if err != nil {
		return nil, err
	}
	sid, err := c.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.engine.Do(ctx, c.proto.SetAlarmState(sid, target))
	if err != nil {
		return nil, fmt.Errorf("system: set alarm state %s: %w", target, err)
	}
	c.log.Info("alarm state change requested", "target", string(target))

	if c.accountHasLocks(ctx) {
		c.lockout.Arm()
	}
	c.subscriptions.Invalidate(sid.String())
	return json.RawMessage(body), nil
}

// GetSensors returns the sensors of the default subscription. forceUpdate
// asks the provider to poll the devices; forceRefresh bypasses the cache.
func (c *Client) GetSensors(ctx context.Context, forceUpdate, forceRefresh bool) ([]model.Sensor, error) {
	sid, err := c.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}
	return c.sensors.Get(ctx, cache.KeySensors, forceRefresh, func(ctx context.Context) ([]model.Sensor, error) {
		body, err := c.engine.Do(ctx, c.proto.Sensors(sid, forceUpdate))
		if err != nil {
			return nil, fmt.Errorf("system: sensors: %w", err)
		}
		return c.proto.ParseSensors(body)
	})
}

// GetLocks returns the door locks of the default subscription. Systems on
// the legacy protocol have none.
func (c *Client) GetLocks(ctx context.Context, forceRefresh bool) ([]model.Lock, error) {
	if !c.proto.SupportsLocks() {
		c.hasLocks.Store(int32(locksNone))
		return nil, nil
	}
	sid, err := c.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}
	locks, err := c.locks.Get(ctx, cache.KeyLocks, forceRefresh, func(ctx context.Context) ([]model.Lock, error) {
		body, err := c.engine.Do(ctx, protocol.Locks(sid))
		if err != nil {
			return nil, fmt.Errorf("system: locks: %w", err)
		}
		return protocol.ParseLocks(body)
	})
	if err != nil {
		return nil, err
	}

	if len(locks) > 0 {
		c.hasLocks.Store(int32(locksPresent))
	} else {
		c.hasLocks.Store(int32(locksNone))
	}
	return locks, nil
}

// SetLockState locks or unlocks a door lock.
func (c *Client) SetLockState(ctx context.Context, lockID, state string) (json.RawMessage, error) {
	if !c.proto.SupportsLocks() {
		return nil, fmt.Errorf("system: set lock state: no locks on %s systems", c.proto.Version())
	}
	target, err := model.ParseLockTarget(state)
	if err != nil {
		return nil, err
	}
	sid, err := c.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.engine.Do(ctx, protocol.SetLockState(sid, lockID, target))
	if err != nil {
		return nil, fmt.Errorf("system: set lock %s %s: %w", lockID, target, err)
	}
	c.log.Info("lock state change requested", "lock_id", lockID, "target", string(target))
	c.locks.Invalidate(cache.KeyLocks)
	return json.RawMessage(body), nil
}

// GetCameras returns the cameras listed on the default subscription.
func (c *Client) GetCameras(ctx context.Context, forceRefresh bool) ([]model.Camera, error) {
	sub, err := c.cachedSubscription(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	if sub.Location.System == nil || len(sub.Location.System.Cameras) == 0 {
		return nil, fmt.Errorf("system: cameras: missing location.system.cameras: %w", apierror.ErrMalformedResponse)
	}

	var cameras []model.Camera
	if err := json.Unmarshal(sub.Location.System.Cameras, &cameras); err != nil {
		return nil, fmt.Errorf("system: cameras: %w: %w", apierror.ErrMalformedResponse, err)
	}
	return cameras, nil
}

// GetEvents returns the event history of the default subscription.
func (c *Client) GetEvents(ctx context.Context, params url.Values) ([]model.Event, error) {
	sid, err := c.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}
	body, err := c.engine.Do(ctx, protocol.Events(sid, params))
	if err != nil {
		return nil, fmt.Errorf("system: events: %w", err)
	}
	return protocol.ParseEvents(body)
}

// SubscribeToEvents registers fn with the push stream, connecting it if needed.
func (c *Client) SubscribeToEvents(ctx context.Context, fn stream.Handler) (*stream.Subscription, error) {
	return c.stream.Subscribe(ctx, fn)
}

// UnsubscribeFromEvents closes the push stream and detaches every handler.
func (c *Client) UnsubscribeFromEvents() { c.stream.Close() }

// IsSocketConnected reports whether the push stream is connected.
func (c *Client) IsSocketConnected() bool { return c.stream.Connected() }

// SubscribeToSensor registers fn for periodic updates of one sensor.
func (c *Client) SubscribeToSensor(serial string, fn poller.Handler) *poller.Subscription {
	return c.poller.Subscribe(serial, fn)
}

// UnsubscribeFromSensor removes every polling subscription for serial.
func (c *Client) UnsubscribeFromSensor(serial string) { c.poller.Unsubscribe(serial) }

// LockoutActive reports whether sensor polling is paused.
func (c *Client) LockoutActive() bool { return c.lockout.Active() }

// accountHasLocks reports whether the account has at least one lock. A
// failed probe counts as no locks.
func (c *Client) accountHasLocks(ctx context.Context) bool {
	switch lockPresence(c.hasLocks.Load()) {
	case locksPresent:
		return true
	case locksNone:
		return false
	}
	locks, err := c.GetLocks(ctx, false)
	if err != nil {
		c.log.Debug("lock probe failed", "error", err)
		return false
	}
	return len(locks) > 0
}

// streamLockout runs on the stream goroutine, so an unknown lock presence
// is probed in the background.
func (c *Client) streamLockout() {
	switch lockPresence(c.hasLocks.Load()) {
	case locksPresent:
		c.lockout.Arm()
	case locksUnknown:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			defer cancel()
			if c.accountHasLocks(ctx) {
				c.lockout.Arm()
			}
		}()
	}
}
