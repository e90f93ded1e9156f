package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/otel"
)

const (
	DefaultBindAddr      = "127.0.0.1:8787"
	DefaultUpstreamURL   = "https://api.puter.com"
	DefaultSweepSchedule = "@every 1m"

	DefaultLedgerRetentionDays = 30
)

// UpstreamConfig controls the Puter API client.
type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// Drivers maps a model id prefix to a Puter driver name, overriding the
	// built-in family detection (e.g. "claude-": "claude").
	Drivers map[string]string `yaml:"drivers"`
}

// FallbackConfig controls model fallback.
type FallbackConfig struct {
	Enabled         bool                `yaml:"enabled"`
	CooldownSeconds int                 `yaml:"cooldown_seconds"`
	Models          []string            `yaml:"models"`
	Chains          map[string][]string `yaml:"chains"`
}

// RotationConfig controls account rotation.
type RotationConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Strategy        string `yaml:"strategy"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// RateLimitConfig throttles local clients of the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// RetryConfig controls connection retries against the Puter API.
type RetryConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// DefaultModel is used when a client omits the model.
	DefaultModel string `yaml:"default_model"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Fallback FallbackConfig `yaml:"fallback"`
	Rotation RotationConfig `yaml:"rotation"`
	Retry    RetryConfig    `yaml:"retry"`
	OTel     otel.Config    `yaml:"otel"`

	// SweepSchedule is a cron spec for the cooldown sweep job.
	SweepSchedule string `yaml:"sweep_schedule"`

	// LedgerRetentionDays bounds the request ledger; 0 keeps everything.
	LedgerRetentionDays int `yaml:"ledger_retention_days"`

	// AllowOrigins lists browser origins allowed to call the gateway.
	// Empty means local tools only.
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	NeedsGenesis bool `yaml:"-"`
}

const (
	configFileName = "config.yaml"
	authFileName   = "auth.json"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, configFileName)
}

// AuthPath returns the path to the account store within the given home directory.
func AuthPath(homeDir string) string {
	return filepath.Join(homeDir, authFileName)
}

// DBPath returns the path to the state database within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "bridge.db")
}

// Fingerprint returns a stable hash of the settings that affect routing.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	chainKeys := make([]string, 0, len(c.Fallback.Chains))
	for k := range c.Fallback.Chains {
		chainKeys = append(chainKeys, k)
	}
	sort.Strings(chainKeys)
	fmt.Fprintf(h, "bind=%s|log=%s|upstream=%s|fb=%v:%d:%v|rot=%v:%s:%d|retry=%d:%d:%d|chains=",
		c.BindAddr, c.LogLevel, c.Upstream.BaseURL,
		c.Fallback.Enabled, c.Fallback.CooldownSeconds, c.Fallback.Models,
		c.Rotation.Enabled, c.Rotation.Strategy, c.Rotation.CooldownSeconds,
		c.Retry.MaxRetries, c.Retry.InitialDelayMs, c.Retry.MaxDelayMs)
	for _, k := range chainKeys {
		fmt.Fprintf(h, "%s=%v;", k, c.Fallback.Chains[k])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// UpstreamTimeout returns the per-call upstream timeout.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// ModelCooldown returns the base model cooldown.
func (c Config) ModelCooldown() time.Duration {
	return time.Duration(c.Fallback.CooldownSeconds) * time.Second
}

// AccountCooldown returns the base account cooldown.
func (c Config) AccountCooldown() time.Duration {
	return time.Duration(c.Rotation.CooldownSeconds) * time.Second
}

// EngineFallback converts the fallback section for the engine.
func (c Config) EngineFallback() engine.FallbackConfig {
	return engine.FallbackConfig{
		Enabled:        c.Fallback.Enabled,
		FallbackModels: c.Fallback.Models,
		Chains:         c.Fallback.Chains,
	}
}

// EngineRotation converts the rotation section for the engine.
func (c Config) EngineRotation() engine.RotationConfig {
	strategy, _ := engine.ParseStrategy(c.Rotation.Strategy)
	return engine.RotationConfig{Enabled: c.Rotation.Enabled, Strategy: strategy}
}

// EngineRetry converts the retry section for the engine.
func (c Config) EngineRetry() engine.RetryConfig {
	return engine.RetryConfig{
		MaxRetries:   c.Retry.MaxRetries,
		InitialDelay: time.Duration(c.Retry.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
	}
}

func defaultConfig() Config {
	return Config{
		BindAddr:     DefaultBindAddr,
		LogLevel:     "info",
		DefaultModel: "gpt-4o-mini",
		Upstream: UpstreamConfig{
			BaseURL:        DefaultUpstreamURL,
			TimeoutSeconds: 120,
		},
		Fallback: FallbackConfig{
			Enabled:         true,
			CooldownSeconds: int(engine.DefaultModelCooldown.Seconds()),
		},
		Rotation: RotationConfig{
			Enabled:         true,
			Strategy:        string(engine.StrategyRoundRobin),
			CooldownSeconds: int(engine.DefaultAccountCooldown.Seconds()),
		},
		Retry: RetryConfig{
			MaxRetries:     engine.DefaultMaxRetries,
			InitialDelayMs: int(engine.DefaultInitialDelay.Milliseconds()),
			MaxDelayMs:     int(engine.DefaultMaxDelay.Milliseconds()),
		},
		OTel:                otel.Config{Exporter: "none"},
		SweepSchedule:       DefaultSweepSchedule,
		LedgerRetentionDays: DefaultLedgerRetentionDays,
		RateLimit:           RateLimitConfig{RequestsPerMinute: 120, BurstSize: 20},
	}
}

func HomeDir() string {
	if override := os.Getenv("PUTER_BRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".puter-bridge")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, applying defaults, environment
// overrides and validation.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create bridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to <home>/config.yaml.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o600)
}

// WriteGenesis writes a starter config.yaml when none exists.
func WriteGenesis(cfg Config) error {
	if !cfg.NeedsGenesis {
		return nil
	}
	if len(cfg.Fallback.Chains) == 0 {
		cfg.Fallback.Chains = StarterChains()
	}
	return Save(cfg)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = DefaultUpstreamURL
	}
	if cfg.Upstream.TimeoutSeconds <= 0 {
		cfg.Upstream.TimeoutSeconds = 120
	}
	if cfg.Fallback.CooldownSeconds <= 0 {
		cfg.Fallback.CooldownSeconds = int(engine.DefaultModelCooldown.Seconds())
	}
	if cfg.Rotation.CooldownSeconds <= 0 {
		cfg.Rotation.CooldownSeconds = int(engine.DefaultAccountCooldown.Seconds())
	}
	if cfg.Rotation.Strategy == "" {
		cfg.Rotation.Strategy = string(engine.StrategyRoundRobin)
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if cfg.Retry.InitialDelayMs <= 0 {
		cfg.Retry.InitialDelayMs = int(engine.DefaultInitialDelay.Milliseconds())
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = int(engine.DefaultMaxDelay.Milliseconds())
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.LedgerRetentionDays < 0 {
		cfg.LedgerRetentionDays = 0
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
	cfg.Fallback.Models = dedupe(cfg.Fallback.Models)
}

// Validate checks values that normalize cannot repair.
func (c Config) Validate() error {
	var errs []error
	if _, err := engine.ParseStrategy(c.Rotation.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("rotation.strategy: %w", err))
	}
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url: invalid URL %q", c.Upstream.BaseURL))
	}
	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		errs = append(errs, fmt.Errorf("retry.max_delay_ms (%d) must be >= retry.initial_delay_ms (%d)",
			c.Retry.MaxDelayMs, c.Retry.InitialDelayMs))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	for primary, chain := range c.Fallback.Chains {
		for _, m := range chain {
			if strings.TrimSpace(m) == "" {
				errs = append(errs, fmt.Errorf("fallback.chains[%s]: empty model id", primary))
				break
			}
		}
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PUTER_BRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PUTER_BRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PUTER_BRIDGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("PUTER_API_URL"); raw != "" {
		cfg.Upstream.BaseURL = raw
	}
	if raw := os.Getenv("PUTER_BRIDGE_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retry.MaxRetries = v
		}
	}
	if raw := os.Getenv("PUTER_BRIDGE_FALLBACK"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Fallback.Enabled = v
		}
	}
	if raw := os.Getenv("PUTER_BRIDGE_ROTATION"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Rotation.Enabled = v
		}
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
