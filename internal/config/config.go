// Package config handles presenced configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./presenced.yaml, ~/.config/presenced/config.yaml,
// /etc/presenced/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"presenced.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "presenced", "config.yaml"))
	}

	paths = append(paths, "/etc/presenced/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all presenced configuration.
type Config struct {
	Router    RouterConfig   `yaml:"router"`
	Probe     ProbeConfig    `yaml:"probe"`
	Devices   []DeviceConfig `yaml:"devices"`
	Telegram  TelegramConfig `yaml:"telegram"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	WiFiQR    WiFiQRConfig   `yaml:"wifi_qr"`
	Journal   JournalConfig  `yaml:"journal"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // "text" (default) or "json"
}

// RouterConfig defines the router API connection and control settings.
type RouterConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ProtectedMACs are never blocked by lockdown (the homelab itself,
	// the APs, anything that must survive a /lockdown on).
	ProtectedMACs []string `yaml:"protected_macs"`
	// AccessPoints maps AP names to MAC addresses for the /wifi on|off
	// kill switch, which works by (un)blocking the APs themselves.
	AccessPoints map[string]string `yaml:"access_points"`
}

// ProbeConfig selects and tunes the reachability source.
type ProbeConfig struct {
	// Mode is "router" (poll the router host table, device IDs are MACs)
	// or "ping" (ICMP echo, device IDs are IP addresses).
	Mode string `yaml:"mode"`
	// IntervalSec is the polling interval in seconds (default 30).
	IntervalSec int `yaml:"interval_sec"`
	// TimeoutSec bounds a single probe round (default 10).
	TimeoutSec int `yaml:"timeout_sec"`
	// SummaryEvery logs an online/total summary every N rounds (default 10).
	SummaryEvery int `yaml:"summary_every"`
}

// Interval returns the polling interval as a duration.
func (p ProbeConfig) Interval() time.Duration {
	if p.IntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.IntervalSec) * time.Second
}

// Timeout returns the probe round timeout as a duration.
func (p ProbeConfig) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

// Default debounce thresholds. Departure requires more consecutive
// misses than arrival requires hits: a phone in Wi-Fi power save can
// miss a single poll, but a device that answers at all is back.
const (
	DefaultMissThreshold = 3
	DefaultHitThreshold  = 2
)

// DeviceConfig defines a single tracked device.
type DeviceConfig struct {
	// ID is the stable identifier: a MAC address in router mode, an IP
	// address in ping mode.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Notify enables chat notifications for this device's transitions.
	// Every transition is journaled regardless.
	Notify bool `yaml:"notify"`
	// MissThreshold and HitThreshold override the debounce defaults.
	MissThreshold int `yaml:"miss_threshold"`
	HitThreshold  int `yaml:"hit_threshold"`
}

// TelegramConfig defines the notification and bot command channel.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

// Enabled reports whether Telegram is configured.
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != ""
}

// MQTTConfig defines the Home Assistant MQTT presence publisher.
// Disabled unless Broker is set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://10.0.0.2:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`      // default "presenced"
	DiscoveryPrefix    string `yaml:"discovery_prefix"` // default "homeassistant"
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether the MQTT publisher is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != "" && m.DeviceName != ""
}

// WiFiQRConfig holds guest Wi-Fi credentials for the /wifi qr command.
type WiFiQRConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
}

// JournalConfig defines the transition log location.
type JournalConfig struct {
	Path string `yaml:"path"` // default ~/.local/share/presenced/journal.db
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Name == "" {
			d.Name = d.ID
		}
		if d.MissThreshold <= 0 {
			d.MissThreshold = DefaultMissThreshold
		}
		if d.HitThreshold <= 0 {
			d.HitThreshold = DefaultHitThreshold
		}
	}

	return cfg, nil
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	return &Config{
		Probe: ProbeConfig{
			Mode:         "router",
			IntervalSec:  30,
			TimeoutSec:   10,
			SummaryEvery: 10,
		},
		MQTT: MQTTConfig{
			DeviceName:         "presenced",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks cross-field constraints that yaml decoding can't.
func (c *Config) Validate() error {
	switch c.Probe.Mode {
	case "router", "ping":
	default:
		return fmt.Errorf("probe.mode must be \"router\" or \"ping\", got %q", c.Probe.Mode)
	}

	if c.Probe.Mode == "router" && c.Router.URL == "" {
		return fmt.Errorf("probe.mode is \"router\" but router.url is not set")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}

	return nil
}

// JournalPath returns the configured journal path, or the default under
// the user's data directory.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "journal.db"
	}
	return filepath.Join(home, ".local", "share", "presenced", "journal.db")
}
