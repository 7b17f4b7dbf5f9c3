// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendMariaDB = "mariadb"
)

type Config struct {
	Interface      string        `yaml:"interface"`
	Promiscuous    bool          `yaml:"promiscuous"`
	Snaplen        int           `yaml:"snaplen"`
	LogLevel       string        `yaml:"log_level"`
	LogFile        string        `yaml:"log_file"`
	Control        Control       `yaml:"control"`
	Store          Store         `yaml:"store"`
	KnocksFile     string        `yaml:"knocks_file"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	Launcher       Launcher      `yaml:"launcher"`
	GeoIPDirs      []string      `yaml:"geoip_dirs"`
	ResolvePTR     bool          `yaml:"resolve_ptr"`
}

type Control struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type Store struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type Launcher struct {
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
	Timeout time.Duration `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		Snaplen:        1600,
		LogLevel:       "INFO",
		Control:        Control{Listen: "127.0.0.1:7070"},
		Store:          Store{Backend: BackendFile, Path: "/var/lib/cok/knocks.json"},
		ReloadInterval: 30 * time.Second,
		Launcher:       Launcher{Rate: 5, Burst: 10, Timeout: 30 * time.Second},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for name, field := range map[string]*string{
		"COK_INTERFACE":      &c.Interface,
		"COK_LOG_LEVEL":      &c.LogLevel,
		"COK_CONTROL_LISTEN": &c.Control.Listen,
		"COK_CONTROL_TOKEN":  &c.Control.Token,
		"COK_STORE_DSN":      &c.Store.DSN,
	} {
		if v, ok := lookup(name); ok {
			*field = v
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path required for the file backend"))
		}
	case BackendMariaDB:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn required for the mariadb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Snaplen <= 0 {
		errs = append(errs, fmt.Errorf("snaplen must be positive, got %d", c.Snaplen))
	}
	if c.Launcher.Rate < 0 {
		errs = append(errs, fmt.Errorf("launcher.rate must not be negative, got %v", c.Launcher.Rate))
	}
	if c.Launcher.Burst < 0 {
		errs = append(errs, fmt.Errorf("launcher.burst must not be negative, got %d", c.Launcher.Burst))
	}
	if c.KnocksFile != "" && c.ReloadInterval <= 0 {
		errs = append(errs, errors.New("reload_interval must be positive when knocks_file is set"))
	}
	return errors.Join(errs...)
}
