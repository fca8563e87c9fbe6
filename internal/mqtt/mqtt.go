// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for the alarm panel, sensors and locks, relays
// commands to the SimpliSafe client, and forwards state updates from the
// EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/state"
)

const commandTimeout = 30 * time.Second

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration and collaborators
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
}

// Commander relays Home Assistant commands to the security system.
type Commander interface {
	SetAlarmState(ctx context.Context, state string) (json.RawMessage, error)
	SetLockState(ctx context.Context, lockID, state string) (json.RawMessage, error)
}

// Refresher re-reads state after a command was accepted.
type Refresher interface {
	RefreshAlarm()
	RefreshLocks()
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// command topics and relays commands to the client, and forwards state
// updates from the EventBus.
type HAPublisher struct {
	cfg     Config
	cmd     Commander
	refresh Refresher
	store   state.StateReader
	bus     *state.EventBus
	log     *slog.Logger

	client pahomqtt.Client

	mu         sync.Mutex
	discovered map[string]bool // unique ids with a published config

	unsub func()
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher. refresh may
// be nil.
func NewHAPublisher(cfg Config, cmd Commander, refresh Refresher, store state.StateReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:        cfg,
		cmd:        cmd,
		refresh:    refresh,
		store:      store,
		bus:        bus,
		log:        log,
		discovered: make(map[string]bool),
		stopC:      make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery, command subscriptions and the initial state are published on
// every (re)connect.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("ss3d-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.topic("status"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop publishes offline availability and disconnects.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.topic("status"), "online", true)

	p.mu.Lock()
	p.discovered = make(map[string]bool)
	p.mu.Unlock()
	p.publishDiscovery()

	p.subscribeCommands()

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.mu.Lock()
			p.discovered = make(map[string]bool)
			p.mu.Unlock()
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func (p *HAPublisher) deviceInfo() map[string]any {
	return map[string]any{
		"identifiers":  []string{p.cfg.DeviceID},
		"name":         "SimpliSafe",
		"manufacturer": "SimpliSafe",
		"model":        "SS3",
	}
}

func (p *HAPublisher) availability() map[string]any {
	return map[string]any{"topic": p.topic("status")}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDiscovery() {
	id := p.cfg.DeviceID

	p.publishDiscoveryConfig("alarm_control_panel", "alarm", map[string]any{
		"name":                 "SimpliSafe Alarm",
		"unique_id":            fmt.Sprintf("%s_alarm", id),
		"state_topic":          p.topic("alarm/state"),
		"command_topic":        p.topic("alarm/set"),
		"payload_arm_home":     "ARM_HOME",
		"payload_arm_away":     "ARM_AWAY",
		"payload_disarm":       "DISARM",
		"code_arm_required":    false,
		"code_disarm_required": false,
		"supported_features":   []string{"arm_home", "arm_away"},
		"device":               p.deviceInfo(),
		"availability":         p.availability(),
	})

	p.publishDiscoveryConfig("binary_sensor", "connection", map[string]any{
		"name":         "SimpliSafe Event Stream",
		"unique_id":    fmt.Sprintf("%s_connection", id),
		"state_topic":  p.topic("connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       p.deviceInfo(),
		"availability": p.availability(),
	})

	snap := p.store.Snapshot()
	for _, s := range snap.Sensors {
		p.discoverSensor(s)
	}
	for _, l := range snap.Locks {
		p.discoverLock(l)
	}
}

// discoverSensor publishes the config for one sensor once per connection.
func (p *HAPublisher) discoverSensor(s state.SensorInfo) {
	cfg, ok := sensorDiscovery(p.cfg.DeviceID, s, p.topic)
	if !ok || !p.markDiscovered("sensor_"+s.Serial) {
		return
	}
	cfg["device"] = p.deviceInfo()
	cfg["availability"] = p.availability()
	p.publishDiscoveryConfig("binary_sensor", "sensor_"+objectID(s.Serial), cfg)
}

func (p *HAPublisher) discoverLock(l state.LockInfo) {
	if !p.markDiscovered("lock_" + l.Serial) {
		return
	}
	cfg := lockDiscovery(p.cfg.DeviceID, l, p.topic)
	cfg["device"] = p.deviceInfo()
	cfg["availability"] = p.availability()
	p.publishDiscoveryConfig("lock", "lock_"+objectID(l.Serial), cfg)
}

func (p *HAPublisher) markDiscovered(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discovered[key] {
		return false
	}
	p.discovered[key] = true
	return true
}

// sensorDiscovery builds the binary_sensor config for a sensor. Devices
// without a binary state, like keypads and sirens, are skipped.
func sensorDiscovery(deviceID string, s state.SensorInfo, topic func(string) string) (map[string]any, bool) {
	class, ok := sensorDeviceClass(s.Type)
	if !ok {
		return nil, false
	}
	name := s.Name
	if name == "" {
		name = s.Serial
	}
	return map[string]any{
		"name":                  fmt.Sprintf("SimpliSafe %s", name),
		"unique_id":             fmt.Sprintf("%s_sensor_%s", deviceID, objectID(s.Serial)),
		"state_topic":           topic(fmt.Sprintf("sensor/%s/state", s.Serial)),
		"json_attributes_topic": topic(fmt.Sprintf("sensor/%s/attributes", s.Serial)),
		"device_class":          class,
		"payload_on":            "ON",
		"payload_off":           "OFF",
	}, true
}

func lockDiscovery(deviceID string, l state.LockInfo, topic func(string) string) map[string]any {
	name := l.Name
	if name == "" {
		name = l.Serial
	}
	return map[string]any{
		"name":                  fmt.Sprintf("SimpliSafe %s", name),
		"unique_id":             fmt.Sprintf("%s_lock_%s", deviceID, objectID(l.Serial)),
		"state_topic":           topic(fmt.Sprintf("lock/%s/state", l.Serial)),
		"command_topic":         topic(fmt.Sprintf("lock/%s/set", l.Serial)),
		"json_attributes_topic": topic(fmt.Sprintf("lock/%s/attributes", l.Serial)),
		"payload_lock":          "LOCK",
		"payload_unlock":        "UNLOCK",
		"state_locked":          string(model.LockLocked),
		"state_unlocked":        string(model.LockUnlocked),
		"state_jammed":          string(model.LockJammed),
	}
}

// sensorDeviceClass maps a sensor type to the HA binary_sensor class.
func sensorDeviceClass(t model.SensorType) (string, bool) {
	switch t {
	case model.SensorEntry:
		return "door", true
	case model.SensorMotion:
		return "motion", true
	case model.SensorGlassbreak:
		return "safety", true
	case model.SensorSmoke:
		return "smoke", true
	case model.SensorCO:
		return "carbon_monoxide", true
	case model.SensorWater:
		return "moisture", true
	case model.SensorFreeze:
		return "cold", true
	}
	return "", false
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, p.cfg.DeviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// objectID keeps serials usable as discovery object ids.
func objectID(serial string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, serial)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	cmds := map[string]pahomqtt.MessageHandler{
		p.topic("alarm/set"):  p.handleAlarmCmd,
		p.topic("lock/+/set"): p.handleLockCmd,
	}

	for t, h := range cmds {
		token := p.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}
}

// alarmTarget maps an alarm panel payload to a target state.
func alarmTarget(payload string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case "ARM_HOME":
		return string(model.TargetHome), true
	case "ARM_AWAY":
		return string(model.TargetAway), true
	case "DISARM":
		return string(model.TargetOff), true
	}
	return "", false
}

// lockTarget maps a lock payload to a target state.
func lockTarget(payload string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case "LOCK":
		return string(model.TargetLock), true
	case "UNLOCK":
		return string(model.TargetUnlock), true
	}
	return "", false
}

// lockSerial extracts the serial from {prefix}/{device}/lock/{serial}/set.
func (p *HAPublisher) lockSerial(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.topic("lock/"))
	if !ok {
		return "", false
	}
	serial, ok := strings.CutSuffix(rest, "/set")
	if !ok || serial == "" || strings.Contains(serial, "/") {
		return "", false
	}
	return serial, true
}

func (p *HAPublisher) handleAlarmCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	raw := string(msg.Payload())
	target, ok := alarmTarget(raw)
	if !ok {
		p.log.Warn("unknown alarm command", "payload", raw)
		return
	}
	p.log.Info("MQTT command: alarm", "target", target)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := p.cmd.SetAlarmState(ctx, target); err != nil {
		p.log.Error("failed to set alarm state", "target", target, "error", err)
		return
	}
	if p.refresh != nil {
		p.refresh.RefreshAlarm()
	}
}

func (p *HAPublisher) handleLockCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	serial, ok := p.lockSerial(msg.Topic())
	if !ok {
		p.log.Warn("unexpected lock command topic", "topic", msg.Topic())
		return
	}
	raw := string(msg.Payload())
	target, ok := lockTarget(raw)
	if !ok {
		p.log.Warn("unknown lock command", "lock_id", serial, "payload", raw)
		return
	}
	p.log.Info("MQTT command: lock", "lock_id", serial, "target", target)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := p.cmd.SetLockState(ctx, serial, target); err != nil {
		p.log.Error("failed to set lock state", "lock_id", serial, "error", err)
		return
	}
	if p.refresh != nil {
		p.refresh.RefreshLocks()
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState publishes the complete state snapshot.
func (p *HAPublisher) publishFullState() {
	snap := p.store.Snapshot()

	if snap.Alarm.State != "" {
		p.publishAlarm(snap.Alarm)
	}
	for _, s := range snap.Sensors {
		p.publishSensor(s)
	}
	for _, l := range snap.Locks {
		p.publishLock(l)
	}
	p.publish(p.topic("connection/state"), boolToOnOff(snap.Stream.Connected), true)
}

func (p *HAPublisher) publishAlarm(a state.AlarmInfo) {
	p.publish(p.topic("alarm/state"), haAlarmState(a.State), true)
}

func (p *HAPublisher) publishSensor(s state.SensorInfo) {
	if _, ok := sensorDeviceClass(s.Type); !ok {
		return
	}
	p.discoverSensor(s)
	p.publish(p.topic(fmt.Sprintf("sensor/%s/state", s.Serial)), boolToOnOff(s.Triggered), true)
	p.publishJSON(p.topic(fmt.Sprintf("sensor/%s/attributes", s.Serial)), map[string]any{
		"type":        s.TypeName,
		"offline":     s.Offline,
		"low_battery": s.LowBattery,
	}, true)
}

func (p *HAPublisher) publishLock(l state.LockInfo) {
	p.discoverLock(l)
	p.publish(p.topic(fmt.Sprintf("lock/%s/state", l.Serial)), string(l.State), true)
	p.publishJSON(p.topic(fmt.Sprintf("lock/%s/attributes", l.Serial)), map[string]any{
		"offline":     l.Offline,
		"low_battery": l.LowBattery,
	}, true)
}

// haAlarmState maps an alarm state to the alarm_control_panel vocabulary.
func haAlarmState(s model.AlarmState) string {
	switch s {
	case model.AlarmOff:
		return "disarmed"
	case model.AlarmHome:
		return "armed_home"
	case model.AlarmAway:
		return "armed_away"
	case model.AlarmHomeCount, model.AlarmAwayCount:
		return "arming"
	case model.AlarmAlarmCount:
		return "pending"
	case model.AlarmAlarm:
		return "triggered"
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventAlarmUpdate:
		a, ok := evt.Data.(state.AlarmInfo)
		if !ok {
			p.log.Warn("unexpected data type for alarm_update")
			return
		}
		p.publishAlarm(a)

	case state.EventSensorUpdate:
		s, ok := evt.Data.(state.SensorInfo)
		if !ok {
			p.log.Warn("unexpected data type for sensor_update")
			return
		}
		p.publishSensor(s)

	case state.EventLockUpdate:
		l, ok := evt.Data.(state.LockInfo)
		if !ok {
			p.log.Warn("unexpected data type for lock_update")
			return
		}
		p.publishLock(l)

	case state.EventPush:
		p.publishJSON(p.topic("events"), evt.Data, false)

	case state.EventConnected:
		p.publish(p.topic("connection/state"), "ON", true)

	case state.EventDisconnected:
		p.publish(p.topic("connection/state"), "OFF", true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

func (p *HAPublisher) publishJSON(topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("failed to marshal payload", "topic", topic, "error", err)
		return
	}
	p.publish(topic, string(data), retained)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
