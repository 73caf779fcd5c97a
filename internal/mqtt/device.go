package mqtt

import "github.com/chaollapark/homelab/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload this instance publishes, so HA groups all
// the trackers under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// TrackerConfig is the JSON payload for an HA MQTT device_tracker
// discovery message, published retained on every broker (re-)connect.
type TrackerConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	PayloadHome       string     `json:"payload_home"`
	PayloadNotHome    string     `json:"payload_not_home"`
	SourceType        string     `json:"source_type"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. The instance ID is the primary
// HA identifier and survives device_name renames, so entity history is
// preserved across reconfigurations.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "homelab",
		Model:        "presenced",
		SWVersion:    buildinfo.Version,
	}
}
