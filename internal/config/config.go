// Package config loads environment-based configuration plus the YAML
// hub roster describing which realtime sessions to establish.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/awheeler/fieldsync/internal/hub"
)

// Config holds all environment-based configuration for fieldsync.
type Config struct {
	// Backend endpoints.
	APIBaseURL      string `env:"FIELDSYNC_API_URL"`
	EventingBaseURL string `env:"FIELDSYNC_EVENTING_URL"`

	// Identity of this unit/responder, attached to outgoing events.
	UnitID string `env:"FIELDSYNC_UNIT_ID"`
	UserID string `env:"FIELDSYNC_USER_ID"`

	// Optional YAML hub roster. Empty means the built-in default
	// roster (units + geolocation hubs).
	HubsFile string `env:"FIELDSYNC_HUBS_FILE"`

	// Directory the capture watcher monitors for new media. Defaults
	// to ~/.fieldsync/captures.
	CaptureDir string `env:"FIELDSYNC_CAPTURE_DIR"`

	// Local diagnostics endpoint.
	EnableAdmin     bool   `env:"FIELDSYNC_ENABLE_ADMIN" envDefault:"true"`
	AdminListenAddr string `env:"FIELDSYNC_ADMIN_ADDR" envDefault:"127.0.0.1:7373"`

	// Retry budget for queued events.
	MaxRetries int `env:"FIELDSYNC_MAX_RETRIES" envDefault:"3"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "fieldsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.CaptureDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home dir: %w", err)
		}
		cfg.CaptureDir = filepath.Join(home, ".fieldsync", "captures")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("FIELDSYNC_API_URL is required")
	}
	if c.EventingBaseURL == "" {
		return fmt.Errorf("FIELDSYNC_EVENTING_URL is required")
	}
	if c.UnitID == "" {
		return fmt.Errorf("FIELDSYNC_UNIT_ID is required")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("FIELDSYNC_MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}

	return nil
}

// hubRoster is the on-disk shape of the hub roster file.
type hubRoster struct {
	Hubs []hub.SessionConfig `yaml:"hubs"`
}

// HubSessions returns the hub sessions to establish. Hubs without an
// explicit baseUrl inherit the eventing endpoint.
func (c *Config) HubSessions() ([]hub.SessionConfig, error) {
	sessions := defaultHubs()

	if c.HubsFile != "" {
		data, err := os.ReadFile(c.HubsFile)
		if err != nil {
			return nil, fmt.Errorf("reading hub roster: %w", err)
		}

		var roster hubRoster
		if err := yaml.Unmarshal(data, &roster); err != nil {
			return nil, fmt.Errorf("parsing hub roster: %w", err)
		}
		if len(roster.Hubs) == 0 {
			return nil, fmt.Errorf("hub roster %s lists no hubs", c.HubsFile)
		}

		sessions = roster.Hubs
	}

	for i := range sessions {
		if sessions[i].Name == "" {
			return nil, fmt.Errorf("hub roster entry %d has no name", i)
		}
		if sessions[i].BaseURL == "" {
			sessions[i].BaseURL = c.EventingBaseURL
		}
	}

	return sessions, nil
}

// defaultHubs is the roster used when no file is configured: the unit
// event hub and the geolocation hub.
func defaultHubs() []hub.SessionConfig {
	return []hub.SessionConfig{
		{
			Name: "unitsHub",
			Methods: []string{
				"onUnitStatusUpdated",
				"onCallAdded",
				"onCallUpdated",
				"onCallClosed",
				"onPersonnelStatusUpdated",
			},
		},
		{
			Name:    hub.GeolocationHubName,
			Methods: []string{"onUnitLocationUpdated"},
		},
	}
}
