package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presenced.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "probe:\n  mode: ping\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/presenced.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPathEmpty(t *testing.T) {
	// Run from an empty directory so the repo's own config (if any)
	// cannot be found.
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "presenced.yaml"), []byte("probe:\n  mode: ping\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "presenced.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "presenced.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, `
probe:
  mode: ping
telegram:
  token: ${PRESENCED_TEST_TOKEN}
  chat_id: "42"
`)
	os.Setenv("PRESENCED_TEST_TOKEN", "secret123")
	defer os.Unsetenv("PRESENCED_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Telegram.Token, "secret123")
	}
	if !cfg.Telegram.Enabled() {
		t.Error("Telegram.Enabled() = false with token and chat_id set")
	}
}

func TestLoad_DeviceDefaults(t *testing.T) {
	path := writeConfig(t, `
probe:
  mode: ping
devices:
  - id: 192.168.0.10
  - id: 192.168.0.11
    name: Tablet
    miss_threshold: 5
    hit_threshold: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	first := cfg.Devices[0]
	if first.Name != "192.168.0.10" {
		t.Errorf("default name = %q, want the device ID", first.Name)
	}
	if first.MissThreshold != DefaultMissThreshold {
		t.Errorf("miss_threshold = %d, want default %d", first.MissThreshold, DefaultMissThreshold)
	}
	if first.HitThreshold != DefaultHitThreshold {
		t.Errorf("hit_threshold = %d, want default %d", first.HitThreshold, DefaultHitThreshold)
	}

	second := cfg.Devices[1]
	if second.Name != "Tablet" {
		t.Errorf("explicit name = %q, want Tablet", second.Name)
	}
	if second.MissThreshold != 5 || second.HitThreshold != 1 {
		t.Errorf("explicit thresholds = %d/%d, want 5/1", second.MissThreshold, second.HitThreshold)
	}
}

func TestLoad_RouterModeIsDefault(t *testing.T) {
	path := writeConfig(t, `
router:
  url: https://192.168.0.1
  username: admin
  password: hunter2
devices:
  - id: "AA:BB:CC:DD:EE:01"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Probe.Mode != "router" {
		t.Errorf("probe.mode = %q, want router", cfg.Probe.Mode)
	}
	if cfg.Probe.Interval() != 30*time.Second {
		t.Errorf("Interval() = %v, want 30s", cfg.Probe.Interval())
	}
	if cfg.Probe.Timeout() != 10*time.Second {
		t.Errorf("Timeout() = %v, want 10s", cfg.Probe.Timeout())
	}
}

func TestLoad_RouterModeRequiresURL(t *testing.T) {
	path := writeConfig(t, `
probe:
  mode: router
devices:
  - id: "AA:BB:CC:DD:EE:01"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for router mode without router.url")
	}
	if !strings.Contains(err.Error(), "router.url") {
		t.Errorf("error = %v, want mention of router.url", err)
	}
}

func TestLoad_RejectsUnknownProbeMode(t *testing.T) {
	path := writeConfig(t, "probe:\n  mode: carrier-pigeon\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown probe mode")
	}
}

func TestLoad_RejectsDuplicateDeviceIDs(t *testing.T) {
	path := writeConfig(t, `
probe:
  mode: ping
devices:
  - id: 192.168.0.10
  - id: 192.168.0.10
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for duplicate device IDs")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error = %v, want mention of duplicate", err)
	}
}

func TestLoad_RejectsEmptyDeviceID(t *testing.T) {
	path := writeConfig(t, `
probe:
  mode: ping
devices:
  - name: Nameless
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for device without id")
	}
}

func TestJournalPath_Explicit(t *testing.T) {
	cfg := &Config{Journal: JournalConfig{Path: "/tmp/test.db"}}
	if got := cfg.JournalPath(); got != "/tmp/test.db" {
		t.Errorf("JournalPath() = %q, want /tmp/test.db", got)
	}
}

func TestJournalPath_Default(t *testing.T) {
	cfg := &Config{}
	got := cfg.JournalPath()
	if !strings.HasSuffix(got, filepath.Join("presenced", "journal.db")) {
		t.Errorf("JournalPath() = %q, want presenced/journal.db suffix", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"", slog.LevelInfo, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames_Trace(t *testing.T) {
	attr := slog.Any(slog.LevelKey, LevelTrace)
	got := ReplaceLogLevelNames(nil, attr)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", got.Value.String())
	}
}
