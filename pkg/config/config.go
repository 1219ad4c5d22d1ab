// Package config loads registry settings from the environment and,
// optionally, a YAML file. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/tel/pkg/artifacts"
	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/store"
)

// Config holds server configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
	Registry string `yaml:"registry"`

	Store       store.Kind `yaml:"store"`
	DataDir     string     `yaml:"data_dir"`
	DatabaseURL string     `yaml:"database_url"`
	RedisAddr   string     `yaml:"redis_addr"`
	RedisPass   string     `yaml:"redis_password"`
	RedisDB     int        `yaml:"redis_db"`
	RedisPrefix string     `yaml:"redis_prefix"`

	Digest        digest.Algorithm `yaml:"digest"`
	EscrowTTL     time.Duration    `yaml:"escrow_ttl"`
	EscrowMax     int              `yaml:"escrow_max_member"`
	EscrowTotal   int              `yaml:"escrow_max_total"`
	SweepInterval time.Duration    `yaml:"sweep_interval"`

	// AuditLog, when set, receives every audit ledger entry as JSON lines.
	AuditLog string `yaml:"audit_log"`
	KeyDir   string `yaml:"key_dir"`

	// TLSCert and TLSKey enable HTTPS on serve. TLSCA is the root the CLI
	// trusts when talking to a remote registry.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	BundleStore    artifacts.StoreType `yaml:"bundle_store"`
	BundleDir      string              `yaml:"bundle_dir"`
	BundleBucket   string              `yaml:"bundle_bucket"`
	BundlePrefix   string              `yaml:"bundle_prefix"`
	BundleRegion   string              `yaml:"bundle_region"`
	BundleEndpoint string              `yaml:"bundle_endpoint"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Addr:          ":8080",
		LogLevel:      "INFO",
		Registry:      "tel",
		Store:         store.KindMemory,
		DataDir:       "data",
		RedisAddr:     "localhost:6379",
		RedisPrefix:   "tel",
		Digest:        digest.Default,
		EscrowTTL:     10 * time.Minute,
		EscrowMax:     1024,
		EscrowTotal:   64 * 1024,
		SweepInterval: 30 * time.Second,
		KeyDir:        "keys",
		RateRPS:       100,
		RateBurst:     200,
		BundleStore:   artifacts.StoreTypeFS,
		OTelEndpoint:  "localhost:4317",
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file over the defaults, then applies the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("TEL_ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("TEL_REGISTRY", &c.Registry)
	if v := os.Getenv("TEL_STORE"); v != "" {
		c.Store = store.Kind(v)
	}
	str("TEL_DATA_DIR", &c.DataDir)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPass)
	integer("REDIS_DB", &c.RedisDB)
	str("TEL_REDIS_PREFIX", &c.RedisPrefix)
	if v := os.Getenv("TEL_DIGEST"); v != "" {
		a, err := digest.ParseAlgorithm(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TEL_DIGEST: %w", err))
		} else {
			c.Digest = a
		}
	}
	duration("TEL_ESCROW_TTL", &c.EscrowTTL)
	integer("TEL_ESCROW_MAX_MEMBER", &c.EscrowMax)
	integer("TEL_ESCROW_MAX_TOTAL", &c.EscrowTotal)
	duration("TEL_SWEEP_INTERVAL", &c.SweepInterval)
	str("TEL_AUDIT_LOG", &c.AuditLog)
	str("TEL_KEY_DIR", &c.KeyDir)
	str("TEL_TLS_CERT", &c.TLSCert)
	str("TEL_TLS_KEY", &c.TLSKey)
	str("TEL_TLS_CA", &c.TLSCA)
	if v := os.Getenv("TEL_RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TEL_RATE_RPS: %w", err))
		} else {
			c.RateRPS = f
		}
	}
	integer("TEL_RATE_BURST", &c.RateBurst)
	if v := os.Getenv("TEL_BUNDLE_STORE"); v != "" {
		c.BundleStore = artifacts.StoreType(v)
	}
	str("TEL_BUNDLE_DIR", &c.BundleDir)
	str("TEL_BUNDLE_BUCKET", &c.BundleBucket)
	str("TEL_BUNDLE_PREFIX", &c.BundlePrefix)
	str("AWS_REGION", &c.BundleRegion)
	str("TEL_BUNDLE_ENDPOINT", &c.BundleEndpoint)
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTelEnabled = v == "true" || v == "1"
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)

	return errors.Join(errs...)
}

// Validate checks ranges and required fields for the chosen backends.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case store.KindMemory, store.KindFile, store.KindSQLite:
	case store.KindPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case store.KindRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if !c.Digest.Valid() {
		errs = append(errs, fmt.Errorf("unknown digest algorithm %d", uint8(c.Digest)))
	}
	if c.EscrowTTL <= 0 {
		errs = append(errs, fmt.Errorf("escrow TTL must be positive, got %s", c.EscrowTTL))
	}
	if c.EscrowMax <= 0 || c.EscrowTotal <= 0 {
		errs = append(errs, fmt.Errorf("escrow limits must be positive, got %d/%d", c.EscrowMax, c.EscrowTotal))
	} else if c.EscrowMax > c.EscrowTotal {
		errs = append(errs, fmt.Errorf("per-member escrow limit %d exceeds total %d", c.EscrowMax, c.EscrowTotal))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if c.RateRPS < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("TEL_TLS_CERT and TEL_TLS_KEY must be set together"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("redis db must not be negative, got %d", c.RedisDB))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// StoreOptions maps the configuration onto store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Kind:        c.Store,
		DataDir:     c.DataDir,
		DatabaseURL: c.DatabaseURL,
		RedisAddr:   c.RedisAddr,
		RedisPass:   c.RedisPass,
		RedisDB:     c.RedisDB,
		RedisPrefix: c.RedisPrefix,
	}
}

// BundleOptions maps the configuration onto artifacts.Open. The fs store
// defaults to <data_dir>/bundles.
func (c *Config) BundleOptions() artifacts.Options {
	dir := c.BundleDir
	if dir == "" {
		dir = c.DataDir + string(os.PathSeparator) + "bundles"
	}
	return artifacts.Options{
		Type:     c.BundleStore,
		Dir:      dir,
		Bucket:   c.BundleBucket,
		Prefix:   c.BundlePrefix,
		Region:   c.BundleRegion,
		Endpoint: c.BundleEndpoint,
	}
}
