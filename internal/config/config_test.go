package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HARMONY_HUB_ADDR", "192.168.1.20")
	t.Setenv("HARMONY_EMAIL", "me@example.com")
	t.Setenv("HARMONY_PASSWORD", "secret")
	t.Setenv("HARMONY_REQUEST_TIMEOUT", "")
	t.Setenv("HARMONY_RECONNECT", "")
	t.Setenv("HARMONY_CONFIG_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8093" || cfg.PushPort != "8060" {
		t.Fatalf("ports=%s/%s", cfg.Port, cfg.PushPort)
	}
	if cfg.Harmony.RequestTimeout != 10*time.Second {
		t.Fatalf("timeout=%s", cfg.Harmony.RequestTimeout)
	}
	if !cfg.Harmony.Reconnect {
		t.Fatalf("reconnect should default on")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsBadTimeout(t *testing.T) {
	t.Setenv("HARMONY_REQUEST_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadMergesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harmony.yaml")
	body := "harmony:\n  ip: 10.0.0.5\n  email: file@example.com\n  password: from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("HARMONY_CONFIG_PATH", path)
	t.Setenv("HARMONY_HUB_ADDR", "")
	t.Setenv("HARMONY_EMAIL", "env@example.com")
	t.Setenv("HARMONY_PASSWORD", "")
	t.Setenv("HARMONY_REQUEST_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Harmony.HubAddr != "10.0.0.5" {
		t.Fatalf("hub=%q", cfg.Harmony.HubAddr)
	}
	if cfg.Harmony.Email != "env@example.com" {
		t.Fatalf("environment must win, email=%q", cfg.Harmony.Email)
	}
	if cfg.Harmony.Password != "from-file" {
		t.Fatalf("password=%q", cfg.Harmony.Password)
	}
}

func TestValidate(t *testing.T) {
	err := (&Config{}).Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, key := range []string{"HARMONY_HUB_ADDR", "HARMONY_EMAIL", "HARMONY_PASSWORD"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("missing %s in %v", key, err)
		}
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 3 {
		t.Fatalf("expected three joined errors, got %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}
