//go:build !no_mqtt

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

	"binstatus-bridge/internal/coordinator"
	"binstatus-bridge/internal/expose"
	"binstatus-bridge/internal/store"
	"binstatus-bridge/internal/zcl"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	// Discovery publishes Home Assistant discovery configs.
	Discovery bool
}

// Bridge exposes the displays over MQTT: set commands in, retained state out.
type Bridge struct {
	client    pahomqtt.Client
	coord     *coordinator.Coordinator
	validator *expose.Validator
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()

	// expose key -> schema, fixed once the registry is frozen
	byExpose map[string]zcl.CommandSchema

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // IEEE -> property map
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, validator *expose.Validator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, validator, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "binstatus-bridge"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *coordinator.Coordinator, validator *expose.Validator, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		coord:     coord,
		validator: validator,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		byExpose:  make(map[string]zcl.CommandSchema),
		states:    make(map[string]map[string]any),
	}
	for _, s := range coord.Registry().All() {
		b.byExpose[s.ExposeKey()] = s
	}
	return b
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.client.Subscribe(b.prefix+"/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSet(msg.Topic(), msg.Payload())
	})
	if b.discovery {
		b.publishAllDiscovery()
	}
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventCommandSent, coordinator.EventCommandReceived:
		ce, ok := event.Data.(coordinator.CommandEvent)
		if !ok || ce.IEEE == "" {
			return
		}
		b.updateAndPublishState(ce.IEEE, map[string]any{ce.Expose: ce.Value})
	case coordinator.EventPropertyUpdate:
		pe, ok := event.Data.(coordinator.PropertyEvent)
		if !ok || pe.IEEE == "" {
			return
		}
		b.updateAndPublishState(pe.IEEE, pe.Properties)
	case coordinator.EventCommandFailed:
		if f, ok := event.Data.(coordinator.CommandFailure); ok {
			b.publishLog("error", fmt.Sprintf("%s on %s failed: %s %s", f.Schema, f.Device, f.Status, f.Error))
		}
	case coordinator.EventDeviceUpdated:
		if dev, ok := event.Data.(*store.Device); ok && b.discovery {
			b.publishDeviceDiscovery(dev)
		}
	case coordinator.EventDeviceRemoved:
		if dev, ok := event.Data.(*store.Device); ok {
			b.handleDeviceRemoved(dev)
		}
	}
}

// handleSet processes <prefix>/<device>/set. Each top-level key names the
// expose key of a command; keys no command claims are ignored.
func (b *Bridge) handleSet(topic string, payload []byte) {
	name := strings.TrimSuffix(strings.TrimPrefix(topic, b.prefix+"/"), "/set")
	if name == "bridge" {
		return
	}
	dev := b.findDevice(name)
	if dev == nil {
		b.logger.Warn("command for unknown device", "device", name)
		b.publishLog("error", fmt.Sprintf("unknown device %q", name))
		return
	}

	var cmd map[string]json.RawMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "device", name, "err", err)
		b.publishLog("error", fmt.Sprintf("%s: invalid JSON: %v", name, err))
		return
	}

	for key, raw := range cmd {
		schema, ok := b.byExpose[key]
		if !ok {
			b.logger.Debug("ignoring unknown key", "device", name, "key", key)
			continue
		}
		value, err := b.validator.Parse(schema, raw)
		if err != nil {
			b.logger.Warn("invalid command value", "device", name, "key", key, "err", err)
			b.publishLog("error", fmt.Sprintf("%s: %v", name, err))
			continue
		}
		ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
		_, err = b.coord.Send(ctx, dev.IEEEAddress, schema.Name, value)
		cancel()
		if err != nil {
			b.logger.Warn("command failed", "device", name, "schema", schema.Name, "err", err)
		}
	}
}

// findDevice resolves the device segment of a topic: the sanitized topic
// name first, then friendly name or IEEE address.
func (b *Bridge) findDevice(name string) *store.Device {
	devices, err := b.coord.Devices().ListDevices()
	if err == nil {
		for _, dev := range devices {
			if deviceTopicName(dev) == name {
				return dev
			}
		}
	}
	dev, err := b.coord.Devices().Resolve(name)
	if err != nil {
		return nil
	}
	return dev
}

func (b *Bridge) updateAndPublishState(ieee string, props map[string]any) {
	dev, err := b.coord.Store().GetDevice(ieee)
	if err != nil {
		return
	}

	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	for k, v := range props {
		state[k] = v
	}
	state["linkquality"] = dev.LQI
	if !dev.LastSeen.IsZero() {
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+deviceTopicName(dev), payload, true)
}

func (b *Bridge) handleDeviceRemoved(dev *store.Device) {
	if b.discovery {
		for _, msg := range buildRemoveDiscovery(dev, b.schemasFor(dev)) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	// Clear the retained state.
	b.publish(b.prefix+"/"+deviceTopicName(dev), nil, true)

	b.mu.Lock()
	delete(b.states, dev.IEEEAddress)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishLog(level, message string) {
	b.publish(b.prefix+"/bridge/logging", mustJSON(map[string]string{"level": level, "message": message}), false)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.coord.Devices().ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	for _, msg := range buildDiscovery(dev, b.schemasFor(dev), b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", dev.Name())
}

// schemasFor returns the commands the device's model accepts.
func (b *Bridge) schemasFor(dev *store.Device) []zcl.CommandSchema {
	var def *coordinator.ModelDefinition
	if db := b.coord.DeviceDB(); db != nil && dev.Model != "" {
		def = db.Lookup(dev.Model)
	}
	var out []zcl.CommandSchema
	for _, s := range b.coord.Registry().All() {
		if def == nil || def.Accepts(s.Name) {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
