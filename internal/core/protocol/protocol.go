// Package protocol shapes requests and parses responses per SimpliSafe API
// version. The legacy (SS2) and current (SS3) systems use different paths
// and envelopes for alarm state changes and sensor listings; everything else
// is shared.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/trymwestin/simplisafe/internal/core/api"
	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/model"
)

// Version selects the protocol variant.
type Version int

const (
	V2 Version = 2
	V3 Version = 3
)

func (v Version) String() string {
	return "SS" + strconv.Itoa(int(v))
}

// Protocol is the version-specific part of the API.
type Protocol interface {
	Version() Version
	SetAlarmState(sid model.ID, target model.AlarmTarget) api.Request
	Sensors(sid model.ID, forceUpdate bool) api.Request
	ParseSensors(body []byte) ([]model.Sensor, error)
	SupportsLocks() bool
}

// For returns the variant for v.
func For(v Version) (Protocol, error) {
	switch v {
	case V2:
		return legacy{}, nil
	case V3:
		return current{}, nil
	default:
		return nil, fmt.Errorf("protocol: unsupported version %d", int(v))
	}
}

func malformed(what string, err error) error {
	if err == nil {
		return fmt.Errorf("protocol: %s: %w", what, apierror.ErrMalformedResponse)
	}
	return fmt.Errorf("protocol: %s: %w: %w", what, apierror.ErrMalformedResponse, err)
}

// AuthCheck returns the request resolving the authenticated user id.
func AuthCheck() api.Request {
	return api.Request{Method: http.MethodGet, Path: "/api/authCheck"}
}

// ParseAuthCheck extracts the user id.
func ParseAuthCheck(body []byte) (model.ID, error) {
	var resp struct {
		UserID model.ID `json:"userId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", malformed("auth check", err)
	}
	if resp.UserID == "" {
		return "", malformed("auth check: missing userId", nil)
	}
	return resp.UserID, nil
}

// LoginInfo returns the request for the user's login information.
func LoginInfo(uid model.ID) api.Request {
	return api.Request{Method: http.MethodGet, Path: "/users/" + uid.String() + "/loginInfo"}
}

// ParseLoginInfo returns the loginInfo object unchanged.
func ParseLoginInfo(body []byte) (json.RawMessage, error) {
	var resp struct {
		LoginInfo json.RawMessage `json:"loginInfo"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("login info", err)
	}
	if len(resp.LoginInfo) == 0 {
		return nil, malformed("login info: missing loginInfo", nil)
	}
	return resp.LoginInfo, nil
}

// Subscriptions returns the request listing every subscription of the user.
func Subscriptions(uid model.ID) api.Request {
	return api.Request{
		Method: http.MethodGet,
		Path:   "/users/" + uid.String() + "/subscriptions",
		Query:  url.Values{"activeOnly": {"false"}},
	}
}

// ParseSubscriptions decodes the subscription list.
func ParseSubscriptions(body []byte) ([]model.Subscription, error) {
	var resp struct {
		Subscriptions *[]model.Subscription `json:"subscriptions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("subscriptions", err)
	}
	if resp.Subscriptions == nil {
		return nil, malformed("subscriptions: missing subscriptions", nil)
	}
	return *resp.Subscriptions, nil
}

// Subscription returns the request for one subscription's detail.
func Subscription(sid model.ID) api.Request {
	return api.Request{Method: http.MethodGet, Path: "/subscriptions/" + sid.String() + "/"}
}

// ParseSubscription decodes a subscription detail.
func ParseSubscription(body []byte) (*model.Subscription, error) {
	var resp struct {
		Subscription *model.Subscription `json:"subscription"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("subscription", err)
	}
	if resp.Subscription == nil {
		return nil, malformed("subscription: missing subscription", nil)
	}
	return resp.Subscription, nil
}

// Events returns the request for the subscription event history.
func Events(sid model.ID, params url.Values) api.Request {
	return api.Request{Method: http.MethodGet, Path: "/subscriptions/" + sid.String() + "/events", Query: params}
}

// ParseEvents decodes the event history.
func ParseEvents(body []byte) ([]model.Event, error) {
	var resp struct {
		Events *[]model.Event `json:"events"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("events", err)
	}
	if resp.Events == nil {
		return nil, malformed("events: missing events", nil)
	}
	return *resp.Events, nil
}

// Locks returns the request listing the door locks.
func Locks(sid model.ID) api.Request {
	return api.Request{Method: http.MethodGet, Path: "/doorlock/" + sid.String()}
}

// ParseLocks decodes the lock list.
func ParseLocks(body []byte) ([]model.Lock, error) {
	var locks []model.Lock
	if err := json.Unmarshal(body, &locks); err != nil {
		return nil, malformed("locks", err)
	}
	return locks, nil
}

// SetLockState returns the request changing a lock's state.
func SetLockState(sid model.ID, lockID string, target model.LockTarget) api.Request {
	return api.Request{
		Method: http.MethodPost,
		Path:   "/doorlock/" + sid.String() + "/" + url.PathEscape(lockID) + "/state",
		Body:   map[string]string{"state": string(target)},
	}
}
