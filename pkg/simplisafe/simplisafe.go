// Package simplisafe provides a public facade re-exporting core types
// for external consumers of this module.
package simplisafe

import (
	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/events"
	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/poller"
	"github.com/trymwestin/simplisafe/internal/core/protocol"
	"github.com/trymwestin/simplisafe/internal/core/stream"
	"github.com/trymwestin/simplisafe/internal/core/system"
)

// Re-export core types for external use.
type (
	// Client is a logged-out or logged-in SimpliSafe account client.
	Client = system.Client
	// Config holds the client settings.
	Config = system.Config
	// Deps are the collaborators a Client is built with.
	Deps = system.Deps
	// ProtocolVersion selects the legacy (2) or current (3) system API.
	ProtocolVersion = protocol.Version

	AlarmState   = model.AlarmState
	Sensor       = model.Sensor
	SensorType   = model.SensorType
	Lock         = model.Lock
	LockState    = model.LockState
	Camera       = model.Camera
	Subscription = model.Subscription
	HistoryEvent = model.Event

	// Event is a classified push event.
	Event = events.Event
	// EventType names a push event.
	EventType = events.Type
	// EventHandler receives push events.
	EventHandler = stream.Handler
	// EventSubscription cancels one push event handler.
	EventSubscription = stream.Subscription
	// SensorHandler receives polled sensor states.
	SensorHandler = poller.Handler
	// SensorSubscription cancels one sensor polling handler.
	SensorSubscription = poller.Subscription

	// ProviderError carries an unclassified provider failure.
	ProviderError = apierror.ProviderError
)

// New builds a logged-out client.
func New(cfg Config, deps Deps) (*Client, error) {
	return system.New(cfg, deps)
}

// Protocol versions.
const (
	ProtocolLegacy  = protocol.V2
	ProtocolCurrent = protocol.V3
)

// Alarm states.
const (
	AlarmOff        = model.AlarmOff
	AlarmHome       = model.AlarmHome
	AlarmAway       = model.AlarmAway
	AlarmHomeCount  = model.AlarmHomeCount
	AlarmAwayCount  = model.AlarmAwayCount
	AlarmAlarmCount = model.AlarmAlarmCount
	AlarmAlarm      = model.AlarmAlarm
)

// Lock states.
const (
	LockLocked   = model.LockLocked
	LockUnlocked = model.LockUnlocked
	LockJammed   = model.LockJammed
	LockUnknown  = model.LockUnknown
)

// Push event types.
const (
	EventAlarmTrigger     = events.AlarmTrigger
	EventAlarmOff         = events.AlarmOff
	EventAlarmDisarm      = events.AlarmDisarm
	EventAlarmCancel      = events.AlarmCancel
	EventHomeExitDelay    = events.HomeExitDelay
	EventHomeArm          = events.HomeArm
	EventAwayExitDelay    = events.AwayExitDelay
	EventAwayArm          = events.AwayArm
	EventMotion           = events.Motion
	EventEntry            = events.Entry
	EventCameraMotion     = events.CameraMotion
	EventDoorbell         = events.Doorbell
	EventDoorlockLocked   = events.DoorlockLocked
	EventDoorlockUnlocked = events.DoorlockUnlocked
	EventDoorlockError    = events.DoorlockError
	EventConnected        = events.Connected
	EventDisconnect       = events.Disconnect
	EventConnectionLost   = events.ConnectionLost
)

// Errors, checked with errors.Is.
var (
	ErrRateLimited           = apierror.ErrRateLimited
	ErrNotAuthenticated      = apierror.ErrNotAuthenticated
	ErrInvalidCredentials    = apierror.ErrInvalidCredentials
	ErrMFATimeout            = apierror.ErrMFATimeout
	ErrNoSubscription        = apierror.ErrNoSubscription
	ErrAmbiguousSubscription = apierror.ErrAmbiguousSubscription
	ErrAccountNumberRequired = apierror.ErrAccountNumberRequired
	ErrMalformedResponse     = apierror.ErrMalformedResponse
	ErrInvalidState          = apierror.ErrInvalidState
)
