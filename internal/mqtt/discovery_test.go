//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"
	"testing"

	"binstatus-bridge/internal/store"
	"binstatus-bridge/internal/zcl"
	"binstatus-bridge/internal/zcl/clusters"
)

func binSchemas() []zcl.CommandSchema {
	return []zcl.CommandSchema{clusters.BinDisplaySetTimes.DeepCopy()}
}

func TestDiscoveryBinSensors(t *testing.T) {
	dev := &store.Device{
		IEEEAddress:  "0x00124b0001abcdef",
		Model:        "BinStatus",
		FriendlyName: "Kitchen Bins",
	}

	msgs := buildDiscovery(dev, binSchemas(), "binstatus")
	if len(msgs) != 6 {
		t.Fatalf("messages = %d, want 6", len(msgs))
	}
	topics := extractTopics(msgs)
	for _, obj := range []string{"display_times_black", "display_times_green", "display_times_brown", "linkquality", "battery", "voltage"} {
		topic := "homeassistant/sensor/binstatus_0x00124b0001abcdef/" + obj + "/config"
		if !topics[topic] {
			t.Errorf("missing discovery topic %s", topic)
		}
	}

	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "Kitchen Bins Black" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "binstatus_0x00124b0001abcdef_display_times_black" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.DeviceClass != "timestamp" {
		t.Errorf("device_class = %q", payload.DeviceClass)
	}
	if payload.StateTopic != "binstatus/kitchen_bins" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "binstatus/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if !strings.Contains(payload.ValueTemplate, "value_json.display_times.black") {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}
	if payload.Device.Model != "BinStatus" || payload.Device.Identifiers[0] != "binstatus_0x00124b0001abcdef" {
		t.Errorf("device = %+v", payload.Device)
	}
}

func TestDiscoveryWithoutSchemas(t *testing.T) {
	dev := &store.Device{IEEEAddress: "0x0000000000000001"}
	msgs := buildDiscovery(dev, nil, "binstatus")
	if len(msgs) != 3 || !strings.HasSuffix(msgs[0].Topic, "/linkquality/config") {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestDiscoveryBatterySensor(t *testing.T) {
	dev := &store.Device{IEEEAddress: "0x00124b0001abcdef"}
	for _, m := range buildDiscovery(dev, nil, "binstatus") {
		if !strings.HasSuffix(m.Topic, "/battery/config") {
			continue
		}
		var payload haDiscovery
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.DeviceClass != "battery" || payload.UnitOfMeasurement != "%" ||
			payload.ValueTemplate != "{{ value_json.battery }}" {
			t.Errorf("battery sensor = %+v", payload)
		}
		return
	}
	t.Error("no battery sensor")
}

func TestRemoveDiscovery(t *testing.T) {
	dev := &store.Device{IEEEAddress: "0x00124b0001abcdef"}
	msgs := buildRemoveDiscovery(dev, binSchemas())
	if len(msgs) != 6 {
		t.Fatalf("messages = %d, want 6", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("%s: payload should be empty", m.Topic)
		}
	}
	added := extractTopics(buildDiscovery(dev, binSchemas(), "binstatus"))
	for _, m := range msgs {
		if !added[m.Topic] {
			t.Errorf("removal topic %s was never published", m.Topic)
		}
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{
			name: "friendly name with spaces",
			dev:  &store.Device{FriendlyName: "Kitchen Bins", IEEEAddress: "0x00124b0001abcdef"},
			want: "kitchen_bins",
		},
		{
			name: "IEEE fallback",
			dev:  &store.Device{IEEEAddress: "0x00124b0001abcdef"},
			want: "0x00124b0001abcdef",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deviceTopicName(tt.dev)
			if got != tt.want {
				t.Errorf("deviceTopicName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
