//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"binstatus-bridge/internal/store"
	"binstatus-bridge/internal/zcl"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/binstatus_0x00124b.../display_times_black/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Model       string   `json:"model,omitempty"`
	Name        string   `json:"name"`
	ViaDevice   string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "binstatus_" + dev.IEEEAddress
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.IEEEAddress
}

// buildDiscovery generates one timestamp sensor per field of each command
// the device accepts, plus battery and link quality.
func buildDiscovery(dev *store.Device, schemas []zcl.CommandSchema, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := dev.Name()

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       dev.Model,
		Name:        displayName,
		ViaDevice:   "binstatus_bridge",
	}

	var msgs []discoveryMsg
	for _, s := range schemas {
		key := s.ExposeKey()
		for _, f := range s.Fields {
			// value_json.<expose>.<field> is Unix seconds or null.
			path := fmt.Sprintf("value_json.%s.%s", key, f.Name)
			tmpl := fmt.Sprintf("{{ as_datetime(%s) if %s is number else None }}", path, path)
			msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
				key+"_"+f.Name, titleCase(f.Name), "timestamp", "", "", "mdi:trash-can-outline", tmpl))
		}
	}

	// No device_class: "signal_strength" requires dB/dBm units, but LQI is unitless.
	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"linkquality", "Link Quality", "", "lqi", "measurement", "",
		"{{ value_json.linkquality }}"))
	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"battery", "Battery", "battery", "%", "measurement", "",
		"{{ value_json.battery }}"))
	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"voltage", "Voltage", "voltage", "mV", "measurement", "",
		"{{ value_json.voltage }}"))

	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, icon, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device, schemas []zcl.CommandSchema) []discoveryMsg {
	nodeID := deviceIdentifier(dev)
	objects := []string{"linkquality", "battery", "voltage"}
	for _, s := range schemas {
		for _, f := range s.Fields {
			objects = append(objects, s.ExposeKey()+"_"+f.Name)
		}
	}

	msgs := make([]discoveryMsg, 0, len(objects))
	for _, obj := range objects {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
