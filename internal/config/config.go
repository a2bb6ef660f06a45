// Package config loads server settings from TERMMUX_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds server configuration.
type Settings struct {
	Port     string `envconfig:"PORT" default:"8080"`
	Env      string `envconfig:"ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DataDir      string `envconfig:"DATA_DIR" default:"data"`
	DBPath       string `envconfig:"DB_PATH" default:""`
	RecordingDir string `envconfig:"RECORDING_DIR" default:""`

	JWTSecret    string `envconfig:"JWT_SECRET" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	Shell              string `envconfig:"SHELL" default:"/bin/bash"`
	MaxSessions        int    `envconfig:"MAX_SESSIONS" default:"32"`
	MaxSessionsPerUser int    `envconfig:"MAX_SESSIONS_PER_USER" default:"10"`
	ScrollbackBytes    int    `envconfig:"SCROLLBACK_BYTES" default:"262144"`

	// Terminal input is token-bucket limited per connection.
	InputRate  float64 `envconfig:"INPUT_RATE" default:"200"`
	InputBurst int     `envconfig:"INPUT_BURST" default:"200"`

	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:""`
	ShutdownGrace  time.Duration `envconfig:"SHUTDOWN_GRACE" default:"5s"`
}

// Load reads settings from the environment.
func Load() (Settings, error) {
	var cfg Settings
	if err := envconfig.Process("TERMMUX", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "sessions.db")
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot run with.
func (s Settings) Validate() error {
	if !s.AuthDisabled && s.JWTSecret == "" {
		return fmt.Errorf("TERMMUX_JWT_SECRET is required unless TERMMUX_AUTH_DISABLED=true")
	}
	if s.MaxSessions <= 0 {
		return fmt.Errorf("TERMMUX_MAX_SESSIONS must be positive, got %d", s.MaxSessions)
	}
	if s.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("TERMMUX_MAX_SESSIONS_PER_USER must be positive, got %d", s.MaxSessionsPerUser)
	}
	if s.ScrollbackBytes <= 0 {
		return fmt.Errorf("TERMMUX_SCROLLBACK_BYTES must be positive, got %d", s.ScrollbackBytes)
	}
	if s.InputRate <= 0 || s.InputBurst <= 0 {
		return fmt.Errorf("TERMMUX_INPUT_RATE and TERMMUX_INPUT_BURST must be positive")
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (s Settings) IsDevelopment() bool {
	return s.Env == "development"
}
