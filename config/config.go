package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML accepts human readable strings.
type Duration struct {
	time.Duration
}

// UnmarshalText parses values like "500ms" or "1h".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures hub runtime configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DatabaseURL   string `toml:"DatabaseURL"`
	NonceDBPath   string `toml:"NonceDBPath"`
	Environment   string `toml:"Environment"`
	SeedsFile     string `toml:"SeedsFile"`
	AuditOnStart  bool   `toml:"AuditOnStart"`

	Routing  RoutingConfig  `toml:"routing"`
	Protocol ProtocolConfig `toml:"protocol"`
	Clearing ClearingConfig `toml:"clearing"`
	Recovery RecoveryConfig `toml:"recovery"`
	Features FeatureFlags   `toml:"feature_flags"`
	Auth     AuthConfig     `toml:"auth"`
	Webhooks WebhookConfig  `toml:"webhooks"`
	Audit    AuditConfig    `toml:"audit"`
	Otel     OtelConfig     `toml:"otel"`
	Logging  LoggingConfig  `toml:"logging"`
	CORS     CORSConfig     `toml:"cors"`
}

// CORSConfig is the gateway's browser cross-origin policy. An empty origin
// list admits any origin.
type CORSConfig struct {
	AllowedOrigins   []string `toml:"allowed_origins"`
	AllowedMethods   []string `toml:"allowed_methods"`
	AllowedHeaders   []string `toml:"allowed_headers"`
	AllowCredentials bool     `toml:"allow_credentials"`
	MaxAgeSeconds    int      `toml:"max_age_seconds"`
}

// RoutingConfig tunes path finding.
type RoutingConfig struct {
	PathFindingTimeoutMS int `toml:"path_finding_timeout_ms"`
	MaxPathLength        int `toml:"max_path_length"`
	MaxPathsPerPayment   int `toml:"max_paths_per_payment"`
}

// ProtocolConfig bounds the two-phase payment protocol.
type ProtocolConfig struct {
	PrepareTimeoutSeconds     int `toml:"prepare_timeout_seconds"`
	CommitTimeoutSeconds      int `toml:"commit_timeout_seconds"`
	TransactionTimeoutSeconds int `toml:"transaction_timeout_sec"`
	LockTTLSeconds            int `toml:"lock_ttl_seconds"`
}

// ClearingConfig tunes cycle discovery and application.
type ClearingConfig struct {
	TriggerCyclesMaxLen  int `toml:"trigger_cycles_max_len"`
	PeriodicCyclesMaxLen int `toml:"periodic_cycles_max_len"`
	MaxCyclesPerRun      int `toml:"max_cycles_per_run"`
	PeriodicIntervalMin  int `toml:"periodic_interval_min"`
}

// RecoveryConfig tunes the stale-lock sweep.
type RecoveryConfig struct {
	IntervalSeconds    int `toml:"interval_seconds"`
	NewGraceSeconds    int `toml:"new_grace_seconds"`
	SerializationRetry int `toml:"serialization_retry"`
}

// FeatureFlags gates experimental behaviour.
type FeatureFlags struct {
	FullMultipath bool `toml:"full_multipath"`
}

// AuthConfig configures bearer token resolution.
type AuthConfig struct {
	JWTSecret    string   `toml:"jwt_secret"`
	TokenTTL     Duration `toml:"token_ttl"`
	NonceMaxAge  Duration `toml:"nonce_max_age"`
	RatePerMin   float64  `toml:"rate_per_minute"`
	RateBurst    int      `toml:"rate_burst"`
	OperatorPIDs []string `toml:"operator_pids"`
}

// WebhookConfig configures outbound event delivery.
type WebhookConfig struct {
	Endpoint    string   `toml:"endpoint"`
	Secret      string   `toml:"secret"`
	MaxAttempts int      `toml:"max_attempts"`
	MinBackoff  Duration `toml:"min_backoff"`
	MaxBackoff  Duration `toml:"max_backoff"`
}

// AuditConfig configures the scheduled integrity report.
type AuditConfig struct {
	OutputDir     string `toml:"output_dir"`
	RetentionDays int    `toml:"retention_days"`
	RunHour       int    `toml:"run_hour"`
}

// OtelConfig enables trace/metric export.
type OtelConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	Headers     string  `toml:"headers"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Load reads configuration from path, applies defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyDefaults(cfg)
		return cfg, validate(cfg)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys: %v", path, undecoded)
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration. Primarily for tests.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.NonceDBPath == "" {
		cfg.NonceDBPath = "/var/data/geohub/nonces"
	}
	if cfg.Routing.PathFindingTimeoutMS <= 0 {
		cfg.Routing.PathFindingTimeoutMS = 500
	}
	if cfg.Routing.MaxPathLength <= 0 {
		cfg.Routing.MaxPathLength = 6
	}
	if cfg.Routing.MaxPathsPerPayment <= 0 {
		cfg.Routing.MaxPathsPerPayment = 3
	}
	if cfg.Protocol.PrepareTimeoutSeconds <= 0 {
		cfg.Protocol.PrepareTimeoutSeconds = 3
	}
	if cfg.Protocol.CommitTimeoutSeconds <= 0 {
		cfg.Protocol.CommitTimeoutSeconds = 5
	}
	if cfg.Protocol.TransactionTimeoutSeconds <= 0 {
		cfg.Protocol.TransactionTimeoutSeconds = 10
	}
	if cfg.Protocol.LockTTLSeconds <= 0 {
		cfg.Protocol.LockTTLSeconds = 60
	}
	if cfg.Clearing.TriggerCyclesMaxLen <= 0 {
		cfg.Clearing.TriggerCyclesMaxLen = 4
	}
	if cfg.Clearing.PeriodicCyclesMaxLen <= 0 {
		cfg.Clearing.PeriodicCyclesMaxLen = 6
	}
	if cfg.Clearing.MaxCyclesPerRun <= 0 {
		cfg.Clearing.MaxCyclesPerRun = 100
	}
	if cfg.Clearing.PeriodicIntervalMin <= 0 {
		cfg.Clearing.PeriodicIntervalMin = 60
	}
	if cfg.Recovery.IntervalSeconds <= 0 {
		cfg.Recovery.IntervalSeconds = 5
	}
	if cfg.Recovery.NewGraceSeconds <= 0 {
		cfg.Recovery.NewGraceSeconds = 60
	}
	if cfg.Recovery.SerializationRetry <= 0 {
		cfg.Recovery.SerializationRetry = 3
	}
	if cfg.Auth.TokenTTL.Duration == 0 {
		cfg.Auth.TokenTTL.Duration = time.Hour
	}
	if cfg.Auth.NonceMaxAge.Duration == 0 {
		cfg.Auth.NonceMaxAge.Duration = 10 * time.Minute
	}
	if cfg.Auth.RatePerMin <= 0 {
		cfg.Auth.RatePerMin = 120
	}
	if cfg.Auth.RateBurst <= 0 {
		cfg.Auth.RateBurst = 30
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		cfg.Webhooks.MaxAttempts = 5
	}
	if cfg.Webhooks.MinBackoff.Duration == 0 {
		cfg.Webhooks.MinBackoff.Duration = 2 * time.Second
	}
	if cfg.Webhooks.MaxBackoff.Duration == 0 {
		cfg.Webhooks.MaxBackoff.Duration = 30 * time.Second
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = 545
	}
	if cfg.Otel.SampleRatio <= 0 || cfg.Otel.SampleRatio > 1 {
		cfg.Otel.SampleRatio = 1
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 7
	}
}

func validate(cfg *Config) error {
	if cfg.Clearing.TriggerCyclesMaxLen < 3 {
		return fmt.Errorf("clearing.trigger_cycles_max_len must be at least 3")
	}
	if cfg.Clearing.PeriodicCyclesMaxLen < cfg.Clearing.TriggerCyclesMaxLen {
		return fmt.Errorf("clearing.periodic_cycles_max_len must not be below trigger_cycles_max_len")
	}
	if cfg.Routing.MaxPathLength < 1 {
		return fmt.Errorf("routing.max_path_length must be positive")
	}
	if cfg.Webhooks.Endpoint != "" && strings.TrimSpace(cfg.Webhooks.Secret) == "" {
		return fmt.Errorf("webhooks.secret required when endpoint configured")
	}
	return nil
}

// PathFindingTimeout returns the routing budget as a duration.
func (c *Config) PathFindingTimeout() time.Duration {
	return time.Duration(c.Routing.PathFindingTimeoutMS) * time.Millisecond
}

// LockTTL returns the prepare lock lifetime.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Protocol.LockTTLSeconds) * time.Second
}

// RecoveryInterval returns the stale-lock sweep period.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Recovery.IntervalSeconds) * time.Second
}

// ClearingInterval returns the periodic cycle scan period.
func (c *Config) ClearingInterval() time.Duration {
	return time.Duration(c.Clearing.PeriodicIntervalMin) * time.Minute
}
