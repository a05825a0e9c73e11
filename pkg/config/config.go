// Package config loads the gate's configuration from YAML with environment
// overrides. Defaults are safe to run with no file at all: a local sqlite
// ledger, no redis, no exporters.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crucible-sre/crucible/pkg/baseline"
	"github.com/crucible-sre/crucible/pkg/gate"
	"github.com/crucible-sre/crucible/pkg/health"
	"github.com/crucible-sre/crucible/pkg/risk"
)

// LedgerConfig selects and tunes the evidence backend.
type LedgerConfig struct {
	Driver     string `yaml:"driver"` // "sqlite", "postgres", or "memory"
	DSN        string `yaml:"dsn"`
	MaxRetries uint   `yaml:"max_retries"`

	// Retention is the age past which records are archived by
	// `verify-evidence -archive`. Zero archives the whole chain.
	Retention time.Duration `yaml:"retention"`
}

// RedisConfig enables baseline snapshot persistence.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MonitorConfig tunes the post-deploy observation phase.
type MonitorConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Duration   time.Duration `yaml:"duration"`
	MaxWorkers int           `yaml:"max_workers"`
}

// ArchiveConfig enables S3 report archival.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"` // optional, for S3-compatible stores
}

// ActionsConfig points at the external deploy and rollback endpoints.
type ActionsConfig struct {
	DeployURL   string        `yaml:"deploy_url"`
	RollbackURL string        `yaml:"rollback_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SignerConfig selects the report signing key.
type SignerConfig struct {
	KeyID   string `yaml:"key_id"`
	KeyFile string `yaml:"key_file"` // hex-encoded ed25519 private key; ephemeral if empty
}

// OtelConfig enables trace/metric export.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Config is the full runtime configuration.
type Config struct {
	LogLevel string            `yaml:"log_level"`
	Ledger   LedgerConfig      `yaml:"ledger"`
	Redis    RedisConfig       `yaml:"redis"`
	Detector baseline.Config   `yaml:"detector"`
	Weights  risk.Weights      `yaml:"risk_weights"`
	Monitor  MonitorConfig     `yaml:"monitor"`
	Windows  []gate.WindowRule `yaml:"windows"`
	Checks   []health.Spec     `yaml:"checks"`
	Actions  ActionsConfig     `yaml:"actions"`
	Archive  ArchiveConfig     `yaml:"archive"`
	Signer   SignerConfig      `yaml:"signer"`
	Otel     OtelConfig        `yaml:"otel"`

	// Applications extends the built-in risk registry with site-specific
	// application profiles.
	Applications []risk.ApplicationProfile `yaml:"applications"`

	// OverrideKeys are hex-encoded ed25519 public keys trusted to sign
	// risk override tokens.
	OverrideKeys []string `yaml:"override_keys"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Ledger: LedgerConfig{
			Driver:     "sqlite",
			DSN:        "./crucible.db",
			MaxRetries: 3,
		},
		Detector: baseline.DefaultConfig(),
		Weights:  risk.DefaultWeights(),
		Monitor: MonitorConfig{
			Interval:   15 * time.Second,
			Duration:   5 * time.Minute,
			MaxWorkers: 8,
		},
		Windows: gate.DefaultWindowRules(),
		Actions: ActionsConfig{Timeout: 2 * time.Minute},
		Signer:  SignerConfig{KeyID: "crucible-local"},
		Otel:    OtelConfig{ServiceName: "crucible"},
	}
}

// Load reads the YAML file at path (defaults apply when path is empty),
// applies CRUCIBLE_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deploy environments steer connection details without
// editing the checked-in YAML.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CRUCIBLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CRUCIBLE_LEDGER_DRIVER"); v != "" {
		cfg.Ledger.Driver = v
	}
	if v := os.Getenv("CRUCIBLE_LEDGER_DSN"); v != "" {
		cfg.Ledger.DSN = v
	}
	if v := os.Getenv("CRUCIBLE_LEDGER_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Ledger.MaxRetries = uint(n)
		}
	}
	if v := os.Getenv("CRUCIBLE_LEDGER_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ledger.Retention = d
		}
	}
	if v := os.Getenv("CRUCIBLE_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CRUCIBLE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CRUCIBLE_OTEL_ENDPOINT"); v != "" {
		cfg.Otel.Enabled = true
		cfg.Otel.Endpoint = v
	}
	if v := os.Getenv("CRUCIBLE_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Enabled = true
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("CRUCIBLE_S3_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("CRUCIBLE_SIGNER_KEY_FILE"); v != "" {
		cfg.Signer.KeyFile = v
	}
	if v := os.Getenv("CRUCIBLE_DEPLOY_URL"); v != "" {
		cfg.Actions.DeployURL = v
	}
	if v := os.Getenv("CRUCIBLE_ROLLBACK_URL"); v != "" {
		cfg.Actions.RollbackURL = v
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Ledger.Driver != "memory" && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger driver %q requires a dsn", c.Ledger.Driver)
	}
	if c.Ledger.Retention < 0 {
		return fmt.Errorf("ledger retention must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis enabled without addr")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive enabled without bucket")
	}
	if c.Monitor.Interval <= 0 || c.Monitor.Duration <= 0 {
		return fmt.Errorf("monitor interval and duration must be positive")
	}
	return ValidateChecks(c.Checks)
}
