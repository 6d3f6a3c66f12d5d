// Package config loads querygate settings. Precedence, lowest first:
// defaults, YAML file, QUERYGATE_* environment variables, command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/koustreak/querygate/internal/errs"
)

// EnvPrefix prefixes every environment override, e.g. QUERYGATE_LISTEN_ADDR.
const EnvPrefix = "QUERYGATE_"

// MinRefreshTimeoutSeconds is the shortest allowed metadata refresh deadline.
const MinRefreshTimeoutSeconds = 30

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{"cors_origins": true}

type Config struct {
	ListenAddr      string        `koanf:"listen_addr"`
	APIPrefix       string        `koanf:"api_prefix"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`

	// DatabaseURL locates the control-plane SQLite store.
	DatabaseURL     string `koanf:"database_url"`
	ConnectionsFile string `koanf:"connections_file"`
	PoolAdapters    bool   `koanf:"pool_adapters"`
	VerifyOnUpsert  bool   `koanf:"verify_on_upsert"`

	DefaultRowLimit       int `koanf:"default_row_limit"`
	QueryTimeoutSeconds   int `koanf:"query_timeout_seconds"`
	RefreshTimeoutSeconds int `koanf:"refresh_timeout_seconds"`

	AIAPIKey            string        `koanf:"ai_api_key"`
	AIBaseURL           string        `koanf:"ai_base_url"`
	AIModel             string        `koanf:"ai_model"`
	AITimeout           time.Duration `koanf:"ai_timeout"`
	AIRequestsPerMinute int           `koanf:"ai_requests_per_minute"`
	NLAutoExecute       bool          `koanf:"nl_auto_execute"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	ArchiveEndpoint  string `koanf:"archive_endpoint"`
	ArchiveAccessKey string `koanf:"archive_access_key"`
	ArchiveSecretKey string `koanf:"archive_secret_key"`
	ArchiveBucket    string `koanf:"archive_bucket"`
	ArchiveUseSSL    bool   `koanf:"archive_use_ssl"`
	ArchiveRegion    string `koanf:"archive_region"`
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr":             ":8000",
		"api_prefix":              "",
		"shutdown_timeout":        "10s",
		"cors_origins":            []string{},
		"database_url":            "querygate.db",
		"connections_file":        "",
		"pool_adapters":           true,
		"verify_on_upsert":        true,
		"default_row_limit":       1000,
		"query_timeout_seconds":   30,
		"refresh_timeout_seconds": 60,
		"ai_api_key":              "",
		"ai_base_url":             "https://api.openai.com",
		"ai_model":                "gpt-4o-mini",
		"ai_timeout":              "30s",
		"ai_requests_per_minute":  60,
		"nl_auto_execute":         false,
		"log_level":               "info",
		"log_format":              "json",
		"archive_endpoint":        "",
		"archive_access_key":      "",
		"archive_secret_key":      "",
		"archive_bucket":          "querygate-snapshots",
		"archive_use_ssl":         false,
		"archive_region":          "",
	}
}

// Load builds a Config. cfgFile may be empty; flags may be nil. Only flags
// the user actually set override lower layers; "--listen-addr" maps to
// listen_addr.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("config file %s", cfgFile), err)
		}
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("error reading config file %s", cfgFile), err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "unable to decode config", err)
	}
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.ListenAddr) == "" {
		problems = append(problems, "listen_addr is required")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "database_url is required")
	}
	if c.DefaultRowLimit <= 0 {
		problems = append(problems, "default_row_limit must be positive")
	}
	if c.QueryTimeoutSeconds <= 0 {
		problems = append(problems, "query_timeout_seconds must be positive")
	}
	if c.RefreshTimeoutSeconds < MinRefreshTimeoutSeconds {
		problems = append(problems, fmt.Sprintf("refresh_timeout_seconds must be at least %d", MinRefreshTimeoutSeconds))
	}
	if c.AITimeout <= 0 {
		problems = append(problems, "ai_timeout must be positive")
	}
	if c.AIRequestsPerMinute < 0 {
		problems = append(problems, "ai_requests_per_minute must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		problems = append(problems, "shutdown_timeout must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log_format must be json or console, got %q", c.LogFormat))
	}
	if c.ArchiveEnabled() && c.ArchiveBucket == "" {
		problems = append(problems, "archive_bucket is required when archive_endpoint is set")
	}

	if len(problems) > 0 {
		return errs.New(errs.KindValidation, "invalid configuration: "+strings.Join(problems, "; ")).
			WithDetails(map[string]any{"problems": problems})
	}
	return nil
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

func (c *Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

// ArchiveEnabled reports whether snapshots are archived to object storage.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveEndpoint != ""
}

// AIEnabled reports whether a model API key is configured.
func (c *Config) AIEnabled() bool {
	return c.AIAPIKey != ""
}
