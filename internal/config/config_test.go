package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Segmenter.SilenceThreshold != 2000 || cfg.Segmenter.MaxRecording != 45000 {
		t.Fatalf("unexpected segmenter defaults: %+v", cfg.Segmenter)
	}
	if cfg.Store.InsertAttempts != 3 || cfg.Store.InsertBackoff != 2000 {
		t.Fatalf("unexpected store retry defaults: %+v", cfg.Store)
	}
	if cfg.Classifier.MinWords != 6 {
		t.Fatalf("expected min_words 6, got %d", cfg.Classifier.MinWords)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HERALD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("HERALD_BUS_USERNAME", "alice")
	t.Setenv("HERALD_BUS_PASSWORD", "secret")
	t.Setenv("HERALD_BUS_TLS_INSECURE", "true")
	t.Setenv("HERALD_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("HERALD_DEVICE_ID", "gate-b-mic")
	t.Setenv("HERALD_DEVICE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("HERALD_DEVICE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("HERALD_STORE_DRIVER", "postgres")
	t.Setenv("HERALD_STORE_DSN", "postgres://herald@db/herald")
	t.Setenv("HERALD_ALERT_ENABLED", "true")
	t.Setenv("HERALD_ALERT_BASE_URL", "http://backend:3000")
	t.Setenv("HERALD_RETENTION_WINDOW_MS", "300000")
	t.Setenv("HERALD_CLASSIFIER_ACCEPT_ALL", "true")
	t.Setenv("HERALD_SEGMENTER_VOLUME_THRESHOLD", "650.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Device.ID != "gate-b-mic" {
		t.Fatalf("expected device id override")
	}
	if cfg.Device.HeartbeatInterval != 1500 || cfg.Device.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://herald@db/herald" {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if !cfg.Alert.Enabled || cfg.Alert.BaseURL != "http://backend:3000" {
		t.Fatalf("expected alert overrides, got %+v", cfg.Alert)
	}
	if cfg.Retention.Window != 300000 {
		t.Fatalf("expected retention window override")
	}
	if !cfg.Classifier.AcceptAll {
		t.Fatalf("expected accept_all override")
	}
	if cfg.Segmenter.VolumeThreshold != 650.5 {
		t.Fatalf("expected volume threshold override, got %v", cfg.Segmenter.VolumeThreshold)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.yaml")
	body := `
device:
  id: concourse-a
segmenter:
  silence_threshold_ms: 1500
classifier:
  min_words: 5
  moderate_threshold: 3
store:
  driver: ephemeral
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Device.ID != "concourse-a" {
		t.Fatalf("expected device id from file, got %q", cfg.Device.ID)
	}
	if cfg.Segmenter.SilenceThreshold != 1500 {
		t.Fatalf("expected silence threshold from file")
	}
	if cfg.Classifier.MinWords != 5 || cfg.Classifier.ModerateThreshold != 3 {
		t.Fatalf("expected classifier overrides from file, got %+v", cfg.Classifier)
	}
	// Untouched classifier fields keep their defaults.
	if cfg.Classifier.HighThreshold != 6 {
		t.Fatalf("expected default high threshold, got %v", cfg.Classifier.HighThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"empty device":         func(c *Config) { c.Device.ID = " " },
		"odd chunk":            func(c *Config) { c.Capture.ChunkBytes = 1023 },
		"unknown capture":      func(c *Config) { c.Capture.Mode = "alsa" },
		"exec without cmd":     func(c *Config) { c.STT.Mode = "exec" },
		"postgres without dsn": func(c *Config) { c.Store.Driver = "postgres" },
		"cap below minimum":    func(c *Config) { c.Segmenter.MaxRecording = c.Segmenter.MinSpeech },
		"inverted thresholds":  func(c *Config) { c.Classifier.HighThreshold = c.Classifier.ModerateThreshold },
		"alerts without url":   func(c *Config) { c.Alert.Enabled = true; c.Alert.BaseURL = "" },
		"zero attempts":        func(c *Config) { c.Store.InsertAttempts = 0 },
		"unsafe table name":    func(c *Config) { c.Store.Table = "t; drop table x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
