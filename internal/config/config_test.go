package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Remote.MaxAttempts != 4 {
		t.Fatalf("Remote.MaxAttempts = %d, want 4", cfg.Remote.MaxAttempts)
	}
	if cfg.Monitor.PollInterval() != 2*time.Second {
		t.Fatalf("PollInterval = %v, want 2s", cfg.Monitor.PollInterval())
	}
	if cfg.Monitor.StallThreshold() != 8*time.Second {
		t.Fatalf("StallThreshold = %v, want 8s", cfg.Monitor.StallThreshold())
	}
	if cfg.Tasks.RetryDelay() != 5*time.Second {
		t.Fatalf("RetryDelay = %v, want 5s", cfg.Tasks.RetryDelay())
	}
	if cfg.Gateway.BindAddr == "" {
		t.Fatal("Gateway.BindAddr empty")
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
remote:
  endpoint: ws://surface.local:9000/companion
  max_attempts: 5
monitor:
  poll_interval_ms: 1000
tasks:
  max_retries: 1
schedules:
  - name: morning-summary
    cron: "0 9 * * *"
    content: "summarize overnight activity"
    surface_kind: chat
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Remote.Endpoint != "ws://surface.local:9000/companion" {
		t.Fatalf("Endpoint = %q", cfg.Remote.Endpoint)
	}
	if cfg.Remote.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d", cfg.Remote.MaxAttempts)
	}
	if cfg.Monitor.PollInterval() != time.Second {
		t.Fatalf("PollInterval = %v", cfg.Monitor.PollInterval())
	}
	// Unset fields still get defaults.
	if cfg.Monitor.StabilityThreshold != 3 {
		t.Fatalf("StabilityThreshold = %d", cfg.Monitor.StabilityThreshold)
	}
	if cfg.Tasks.MaxRetries != 1 {
		t.Fatalf("MaxRetries = %d", cfg.Tasks.MaxRetries)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Cron != "0 9 * * *" {
		t.Fatalf("Schedules = %+v", cfg.Schedules)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOHELM_LOG_LEVEL", "warn")
	t.Setenv("GOHELM_REMOTE_ENDPOINT", "ws://override:1/companion")
	t.Setenv("GOHELM_MAX_RETRIES", "7")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Remote.Endpoint != "ws://override:1/companion" {
		t.Fatalf("Endpoint = %q", cfg.Remote.Endpoint)
	}
	if cfg.Tasks.MaxRetries != 7 {
		t.Fatalf("MaxRetries = %d", cfg.Tasks.MaxRetries)
	}
}

func TestTelegramRequiresToken(t *testing.T) {
	home := t.TempDir()
	yaml := "telegram:\n  enabled: true\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Telegram.Enabled {
		t.Fatal("telegram must be disabled without a token")
	}
}

func TestFingerprintChangesWithSettings(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.Tasks.MaxRetries = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint did not change with max_retries")
	}
}

func TestWatcherEmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("event path = %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after config write")
	}
}
