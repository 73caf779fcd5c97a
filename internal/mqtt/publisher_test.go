package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaollapark/homelab/internal/config"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
}

func TestEntitySlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AA:BB:CC:DD:EE:01", "aabbccddee01"},
		{"192.168.0.10", "192_168_0_10"},
		{"phone one", "phone_one"},
	}
	for _, tt := range tests {
		if got := entitySlug(tt.in); got != tt.want {
			t.Errorf("entitySlug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testPublisher(t *testing.T) *Publisher {
	t.Helper()
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "presenced",
		DiscoveryPrefix: "homeassistant",
	}
	tracked := []config.DeviceConfig{
		{ID: "AA:BB:CC:DD:EE:01", Name: "My Phone"},
		{ID: "AA:BB:CC:DD:EE:02", Name: "The Tablet"},
	}
	return New(cfg, "instance-123", tracked, nil, nil, nil)
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "presenced/presenced"},
		{"availabilityTopic", p.availabilityTopic(), "presenced/presenced/availability"},
		{"stateTopic", p.stateTopic("aabbccddee01"), "presenced/presenced/aabbccddee01/state"},
		{"discoveryTopic", p.discoveryTopic("device_tracker", "aabbccddee01"), "homeassistant/device_tracker/presenced/aabbccddee01/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_TrackerDefinitions(t *testing.T) {
	p := testPublisher(t)

	defs := p.trackerDefinitions()
	if len(defs) != 2 {
		t.Fatalf("got %d tracker definitions, want 2", len(defs))
	}

	for _, d := range defs {
		// Name must NOT contain the device name: HA would derive
		// double-prefixed entity IDs.
		if strings.Contains(d.config.Name, "presenced") {
			t.Errorf("tracker %s: Name %q contains the device name", d.entitySuffix, d.config.Name)
		}
		if !d.config.HasEntityName {
			t.Errorf("tracker %s: HasEntityName = false, want true", d.entitySuffix)
		}
		if d.config.ObjectID != d.entitySuffix {
			t.Errorf("tracker %s: ObjectID = %q, want %q", d.entitySuffix, d.config.ObjectID, d.entitySuffix)
		}
		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("tracker %s: UniqueID = %q, want instance-ID prefix", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.PayloadHome != "home" || d.config.PayloadNotHome != "not_home" {
			t.Errorf("tracker %s: payloads = %q/%q, want home/not_home",
				d.entitySuffix, d.config.PayloadHome, d.config.PayloadNotHome)
		}
		if d.config.AvailabilityTopic != "presenced/presenced/availability" {
			t.Errorf("tracker %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("tracker %s: Device.Identifiers is empty", d.entitySuffix)
		}
	}

	if defs[0].entitySuffix != "aabbccddee01" {
		t.Errorf("entitySuffix = %q, want slugged MAC", defs[0].entitySuffix)
	}
}

func TestTrackerConfig_JSONShape(t *testing.T) {
	p := testPublisher(t)
	payload, err := json.Marshal(p.trackerDefinitions()[0].config)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	for _, key := range []string{`"payload_home"`, `"payload_not_home"`, `"source_type"`, `"state_topic"`} {
		if !strings.Contains(string(payload), key) {
			t.Errorf("discovery payload missing %s:\n%s", key, payload)
		}
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want bool
	}{
		{"both set", config.MQTTConfig{Broker: "mqtt://localhost", DeviceName: "presenced"}, true},
		{"missing broker", config.MQTTConfig{DeviceName: "presenced"}, false},
		{"missing device_name", config.MQTTConfig{Broker: "mqtt://localhost"}, false},
		{"empty", config.MQTTConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
