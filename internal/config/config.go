// Package config loads and watches gohelm's configuration. Settings come
// from config.yaml in the gohelm home directory, with environment
// variables taking precedence.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteConfig describes the connection to the surface's companion agent.
type RemoteConfig struct {
	// Endpoint is the websocket URL of the companion agent.
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"auth_token"`

	// MaxAttempts bounds delivery retries per message. Clamped to 3..5.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelayMs is the pause before the first delivery attempt.
	InitialDelayMs int `yaml:"initial_delay_ms"`
	// RetryBaseMs scales the linear backoff between later attempts.
	RetryBaseMs    int `yaml:"retry_base_ms"`
	ProbeTimeoutMs int `yaml:"probe_timeout_ms"`
	SettleDelayMs  int `yaml:"settle_delay_ms"`
}

// MonitorConfig tunes completion inference.
type MonitorConfig struct {
	PollIntervalMs     int `yaml:"poll_interval_ms"`
	DebounceWindowMs   int `yaml:"debounce_window_ms"`
	StabilityThreshold int `yaml:"stability_threshold"`
	WatchdogIntervalMs int `yaml:"watchdog_interval_ms"`
	StallThresholdMs   int `yaml:"stall_threshold_ms"`
}

// TasksConfig tunes task scheduling and retry.
type TasksConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	RetryDelayMs    int `yaml:"retry_delay_ms"`
	SubmitTimeoutMs int `yaml:"submit_timeout_ms"`
}

// GatewayConfig configures the local control API.
type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`
}

// TelegramConfig configures the telegram notifier channel.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ScheduleConfig declares a recurring task submission.
type ScheduleConfig struct {
	Name        string `yaml:"name"`
	Cron        string `yaml:"cron"`
	Content     string `yaml:"content"`
	SurfaceKind string `yaml:"surface_kind"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Remote    RemoteConfig     `yaml:"remote"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	Tasks     TasksConfig      `yaml:"tasks"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	// OTLPEndpoint enables trace export when set; "stdout" prints spans.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the gohelm home directory. GOHELM_HOME overrides the
// default ~/.gohelm.
func HomeDir() string {
	if override := os.Getenv("GOHELM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gohelm")
}

// Load reads config.yaml from the gohelm home, applies environment
// overrides, and fills defaults. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gohelm home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Remote: RemoteConfig{
			Endpoint:       "ws://127.0.0.1:18790/companion",
			MaxAttempts:    4,
			InitialDelayMs: 300,
			RetryBaseMs:    500,
			ProbeTimeoutMs: 1000,
			SettleDelayMs:  500,
		},
		Monitor: MonitorConfig{
			PollIntervalMs:     2000,
			DebounceWindowMs:   3000,
			StabilityThreshold: 3,
			WatchdogIntervalMs: 4000,
			StallThresholdMs:   8000,
		},
		Tasks: TasksConfig{
			MaxRetries:      3,
			RetryDelayMs:    5000,
			SubmitTimeoutMs: 30000,
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18791",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOHELM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOHELM_REMOTE_ENDPOINT"); raw != "" {
		cfg.Remote.Endpoint = raw
	}
	if raw := os.Getenv("GOHELM_REMOTE_TOKEN"); raw != "" {
		cfg.Remote.AuthToken = raw
	}
	if raw := os.Getenv("GOHELM_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("GOHELM_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("GOHELM_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Tasks.MaxRetries = v
		}
	}
	if raw := os.Getenv("GOHELM_OTLP_ENDPOINT"); raw != "" {
		cfg.OTLPEndpoint = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	def := defaultConfig()
	if cfg.Remote.Endpoint == "" {
		cfg.Remote.Endpoint = def.Remote.Endpoint
	}
	if cfg.Remote.MaxAttempts <= 0 {
		cfg.Remote.MaxAttempts = def.Remote.MaxAttempts
	}
	if cfg.Remote.InitialDelayMs <= 0 {
		cfg.Remote.InitialDelayMs = def.Remote.InitialDelayMs
	}
	if cfg.Remote.RetryBaseMs <= 0 {
		cfg.Remote.RetryBaseMs = def.Remote.RetryBaseMs
	}
	if cfg.Remote.ProbeTimeoutMs <= 0 {
		cfg.Remote.ProbeTimeoutMs = def.Remote.ProbeTimeoutMs
	}
	if cfg.Remote.SettleDelayMs <= 0 {
		cfg.Remote.SettleDelayMs = def.Remote.SettleDelayMs
	}
	if cfg.Monitor.PollIntervalMs <= 0 {
		cfg.Monitor.PollIntervalMs = def.Monitor.PollIntervalMs
	}
	if cfg.Monitor.DebounceWindowMs <= 0 {
		cfg.Monitor.DebounceWindowMs = def.Monitor.DebounceWindowMs
	}
	if cfg.Monitor.StabilityThreshold <= 0 {
		cfg.Monitor.StabilityThreshold = def.Monitor.StabilityThreshold
	}
	if cfg.Monitor.WatchdogIntervalMs <= 0 {
		cfg.Monitor.WatchdogIntervalMs = def.Monitor.WatchdogIntervalMs
	}
	if cfg.Monitor.StallThresholdMs <= 0 {
		cfg.Monitor.StallThresholdMs = def.Monitor.StallThresholdMs
	}
	if cfg.Tasks.MaxRetries < 0 {
		cfg.Tasks.MaxRetries = 0
	}
	if cfg.Tasks.RetryDelayMs <= 0 {
		cfg.Tasks.RetryDelayMs = def.Tasks.RetryDelayMs
	}
	if cfg.Tasks.SubmitTimeoutMs <= 0 {
		cfg.Tasks.SubmitTimeoutMs = def.Tasks.SubmitTimeoutMs
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = def.Gateway.BindAddr
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		cfg.Telegram.Enabled = false
	}
}

// Fingerprint returns a stable hash of the settings that require a restart
// to apply, so reload handling can tell cosmetic edits from real changes.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "endpoint=%s|bind=%s|log=%s|retries=%d|poll=%d|origins=%v|schedules=%d",
		c.Remote.Endpoint, c.Gateway.BindAddr, c.LogLevel,
		c.Tasks.MaxRetries, c.Monitor.PollIntervalMs, c.Gateway.AllowOrigins, len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Duration helpers so callers do not repeat the ms conversions.

func (r RemoteConfig) InitialDelay() time.Duration { return msDur(r.InitialDelayMs) }
func (r RemoteConfig) RetryBase() time.Duration    { return msDur(r.RetryBaseMs) }
func (r RemoteConfig) ProbeTimeout() time.Duration { return msDur(r.ProbeTimeoutMs) }
func (r RemoteConfig) SettleDelay() time.Duration  { return msDur(r.SettleDelayMs) }

func (m MonitorConfig) PollInterval() time.Duration     { return msDur(m.PollIntervalMs) }
func (m MonitorConfig) DebounceWindow() time.Duration   { return msDur(m.DebounceWindowMs) }
func (m MonitorConfig) WatchdogInterval() time.Duration { return msDur(m.WatchdogIntervalMs) }
func (m MonitorConfig) StallThreshold() time.Duration   { return msDur(m.StallThresholdMs) }

func (t TasksConfig) RetryDelay() time.Duration    { return msDur(t.RetryDelayMs) }
func (t TasksConfig) SubmitTimeout() time.Duration { return msDur(t.SubmitTimeoutMs) }

func msDur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
