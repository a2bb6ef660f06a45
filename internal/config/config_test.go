package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TERMMUX_AUTH_DISABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.DBPath != filepath.Join("data", "sessions.db") {
		t.Errorf("expected DB path under data dir, got %s", cfg.DBPath)
	}
	if cfg.MaxSessions != 32 || cfg.MaxSessionsPerUser != 10 {
		t.Errorf("expected caps 32/10, got %d/%d", cfg.MaxSessions, cfg.MaxSessionsPerUser)
	}
	if cfg.ScrollbackBytes != 256*1024 {
		t.Errorf("expected 256KiB scrollback, got %d", cfg.ScrollbackBytes)
	}
	if cfg.ShutdownGrace != 5*time.Second {
		t.Errorf("expected 5s shutdown grace, got %v", cfg.ShutdownGrace)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TERMMUX_JWT_SECRET", "s3cret")
	t.Setenv("TERMMUX_DATA_DIR", "/var/lib/termmux")
	t.Setenv("TERMMUX_MAX_SESSIONS", "4")
	t.Setenv("TERMMUX_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "/var/lib/termmux/sessions.db" {
		t.Errorf("expected DB path to follow data dir, got %s", cfg.DBPath)
	}
	if cfg.MaxSessions != 4 {
		t.Errorf("expected max sessions 4, got %d", cfg.MaxSessions)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("TERMMUX_AUTH_DISABLED", "false")
	t.Setenv("TERMMUX_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Error("expected error without JWT secret")
	}
}

func TestValidate(t *testing.T) {
	base := Settings{
		AuthDisabled:       true,
		MaxSessions:        1,
		MaxSessionsPerUser: 1,
		ScrollbackBytes:    1,
		InputRate:          1,
		InputBurst:         1,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base settings to validate, got %v", err)
	}

	bad := base
	bad.ScrollbackBytes = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero scrollback")
	}

	bad = base
	bad.MaxSessionsPerUser = -1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative per-user cap")
	}
}
