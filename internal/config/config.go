package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the crrapi runtime configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	Redis   RedisConfig   `yaml:"redis"`
	Sites   []string      `yaml:"sites"`
	Metrics MetricsConfig `yaml:"metrics"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Log     LogConfig     `yaml:"log"`

	path string
}

// RedisConfig describes the shared store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig controls the windowed counters.
type MetricsConfig struct {
	// IntervalSeconds is the counter bucket width.
	IntervalSeconds int `yaml:"intervalSeconds"`
	// ExpirySeconds is the trailing window length; must be a multiple of the interval.
	ExpirySeconds int `yaml:"expirySeconds"`
	// Namespace prefixes every counter bucket key in the shared store.
	Namespace string `yaml:"namespace"`
}

// LedgerConfig controls the failed-operation ledger.
type LedgerConfig struct {
	// Namespace prefixes every ledger key in the shared store.
	Namespace string `yaml:"namespace"`
	// ScanBatch bounds how many keys a single listing call inspects.
	ScanBatch int64 `yaml:"scanBatch"`
	// MetadataNamespace prefixes the object-metadata hashes written by the pipeline.
	MetadataNamespace string `yaml:"metadataNamespace"`
	// MetadataLookupsPerSecond paces enrichment reads against the shared store.
	MetadataLookupsPerSecond int `yaml:"metadataLookupsPerSecond"`
}

// LogConfig controls file logging.
type LogConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// ValidationError collects configuration issues.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	builder := strings.Builder{}
	builder.WriteString("config validation failed:")
	if e.Path != "" {
		builder.WriteString(" ")
		builder.WriteString(e.Path)
	}
	for _, err := range e.Errors {
		builder.WriteString("\n - ")
		builder.WriteString(err)
	}
	return builder.String()
}

// Load reads a configuration file, applies environment overrides and
// defaults, then validates the result. An empty path falls back to
// $CRRAPI_CONFIG; when neither is set the configuration is built from
// defaults and environment variables alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		path = os.Getenv("CRRAPI_CONFIG")
	}
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", absPath, err)
		}
		cfg.path = absPath
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CRRAPI_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CRRAPI_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CRRAPI_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CRRAPI_SITES"); v != "" {
		c.Sites = nil
		for _, site := range strings.Split(v, ",") {
			if site = strings.TrimSpace(site); site != "" {
				c.Sites = append(c.Sites, site)
			}
		}
	}
	if v := os.Getenv("CRRAPI_LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("CRRAPI_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CRRAPI_SCAN_BATCH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Ledger.ScanBatch = n
		}
	}
}

// ApplyDefaults populates default values.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8900"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Metrics.IntervalSeconds == 0 {
		c.Metrics.IntervalSeconds = 300
	}
	if c.Metrics.ExpirySeconds == 0 {
		c.Metrics.ExpirySeconds = 900
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "crr:stats"
	}
	if c.Ledger.Namespace == "" {
		c.Ledger.Namespace = "crr:failed"
	}
	if c.Ledger.ScanBatch == 0 {
		c.Ledger.ScanBatch = 1000
	}
	if c.Ledger.MetadataNamespace == "" {
		c.Ledger.MetadataNamespace = "crr:object"
	}
	if c.Ledger.MetadataLookupsPerSecond == 0 {
		c.Ledger.MetadataLookupsPerSecond = 500
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Sites) == 0 {
		errs = append(errs, "sites must list at least one replication destination")
	}
	seen := map[string]bool{}
	for _, site := range c.Sites {
		switch {
		case site == "":
			errs = append(errs, "sites must not contain empty names")
		case site == "all":
			errs = append(errs, `"all" is reserved and cannot be a site name`)
		case strings.Contains(site, ":"):
			errs = append(errs, fmt.Sprintf("site %q must not contain ':' (ledger key delimiter)", site))
		case seen[site]:
			errs = append(errs, fmt.Sprintf("site %q listed twice", site))
		}
		seen[site] = true
	}
	if c.Metrics.IntervalSeconds <= 0 {
		errs = append(errs, "metrics.intervalSeconds must be positive")
	}
	if c.Metrics.ExpirySeconds <= 0 {
		errs = append(errs, "metrics.expirySeconds must be positive")
	} else if c.Metrics.IntervalSeconds > 0 && c.Metrics.ExpirySeconds%c.Metrics.IntervalSeconds != 0 {
		errs = append(errs, "metrics.expirySeconds must be a multiple of metrics.intervalSeconds")
	}
	for name, ns := range map[string]string{
		"metrics.namespace":        c.Metrics.Namespace,
		"ledger.namespace":         c.Ledger.Namespace,
		"ledger.metadataNamespace": c.Ledger.MetadataNamespace,
	} {
		if ns == "" {
			errs = append(errs, fmt.Sprintf("%s must not be empty", name))
		} else if strings.ContainsAny(ns, "*?[] ") {
			errs = append(errs, fmt.Sprintf("%s must not contain glob characters or spaces", name))
		}
	}
	if c.Ledger.ScanBatch <= 0 {
		errs = append(errs, "ledger.scanBatch must be positive")
	}
	if c.Ledger.MetadataLookupsPerSecond <= 0 {
		errs = append(errs, "ledger.metadataLookupsPerSecond must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Path: c.path, Errors: errs}
	}
	return nil
}

// HasSite reports whether name is a configured destination site.
func (c *Config) HasSite(name string) bool {
	for _, site := range c.Sites {
		if site == name {
			return true
		}
	}
	return false
}

// Summary returns a concise overview for startup logging.
func (c *Config) Summary() string {
	return fmt.Sprintf("listen=%s, redis=%s/%d, sites=%s, window(interval=%ds, expiry=%ds), ledger(ns=%s, batch=%d)",
		c.Listen, c.Redis.Addr, c.Redis.DB,
		strings.Join(c.Sites, ","),
		c.Metrics.IntervalSeconds, c.Metrics.ExpirySeconds,
		c.Ledger.Namespace, c.Ledger.ScanBatch)
}
