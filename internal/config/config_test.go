package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cokd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	// This test validates the defaults used when no file is given.
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Control.Listen != "127.0.0.1:7070" || cfg.Store.Backend != BackendFile || cfg.Snaplen != 1600 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Launcher.Rate != 5 || cfg.Launcher.Burst != 10 || cfg.Launcher.Timeout != 30*time.Second {
		t.Fatalf("unexpected launcher defaults %+v", cfg.Launcher)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	// This test checks that YAML values and durations replace the defaults.
	path := writeConfig(t, strings.Join([]string{
		"interface: eth1",
		"promiscuous: true",
		"log_level: debug",
		"store:",
		"  backend: MariaDB",
		"  dsn: root:static@tcp(127.0.0.1:3306)/cok",
		"knocks_file: /etc/cok/knocks.conf",
		"reload_interval: 5s",
		"launcher:",
		"  rate: 1.5",
		"  timeout: 0s",
		"geoip_dirs: [/etc/cok, ./configs]",
	}, "\n"))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Interface != "eth1" || !cfg.Promiscuous || cfg.Store.Backend != BackendMariaDB {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ReloadInterval != 5*time.Second || cfg.Launcher.Rate != 1.5 || cfg.Launcher.Timeout != 0 || cfg.Launcher.Burst != 10 {
		t.Fatalf("unexpected durations or launcher %+v", cfg)
	}
	if len(cfg.GeoIPDirs) != 2 || cfg.Control.Listen != "127.0.0.1:7070" {
		t.Fatalf("expected unset sections to keep defaults, got %+v", cfg)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	// This test validates that COK_* variables win over file values.
	path := writeConfig(t, "interface: eth1\ncontrol:\n  listen: 0.0.0.0:1\n")
	t.Setenv("COK_INTERFACE", "wlan0")
	t.Setenv("COK_CONTROL_LISTEN", "127.0.0.1:9999")
	t.Setenv("COK_CONTROL_TOKEN", "s3cret")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Interface != "wlan0" || cfg.Control.Listen != "127.0.0.1:9999" || cfg.Control.Token != "s3cret" {
		t.Fatalf("expected environment overrides, got %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	// This test checks each validation rule.
	cases := map[string]func(*Config){
		"unknown backend":   func(c *Config) { c.Store.Backend = "redis" },
		"mariadb no dsn":    func(c *Config) { c.Store.Backend = BackendMariaDB },
		"file no path":      func(c *Config) { c.Store.Path = "" },
		"zero snaplen":      func(c *Config) { c.Snaplen = 0 },
		"negative rate":     func(c *Config) { c.Launcher.Rate = -1 },
		"watch no interval": func(c *Config) { c.KnocksFile, c.ReloadInterval = "k.conf", 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	memory := Default()
	memory.Store = Store{Backend: BackendMemory}
	if err := memory.Validate(); err != nil {
		t.Fatalf("expected memory backend without path to be valid, got %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	// This test validates that syntax errors are reported.
	if _, err := Load(writeConfig(t, "snaplen: [1,\n")); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}
