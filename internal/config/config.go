// Package config handles application configuration and environment
// loading. Nothing else in the core reads the environment directly.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Modules enumerates the datasource variants enabled at startup. It is
// loaded from the optional YAML file named by CARAVEL_CONFIG.
type Modules struct {
	Datasources []string `yaml:"datasources"`
}

// Enabled reports whether the given datasource type tag is switched on.
func (m Modules) Enabled(typeTag string) bool {
	for _, tag := range m.Datasources {
		if tag == typeTag {
			return true
		}
	}
	return false
}

// Config holds the configuration for the query core and its HTTP surface.
type Config struct {
	MetaDBPath string // path to SQLite metastore file
	ListenAddr string // HTTP listen address (default ":8088")
	LogLevel   string // log level: debug, info, warn, error (default "info")
	Env        string // environment: "development" (default) or "production"

	// Query behavior
	RowLimit            int           // default visualization row cap
	SQLLabTimeout       time.Duration // sync SQL Lab deadline
	CacheDefaultTimeout time.Duration // result cache TTL when nothing narrower is set
	DruidTZ             string        // IANA zone for Druid interval arithmetic
	DruidRefreshSpec    string        // cron spec for cluster metadata refresh, empty disables

	// Results backend. "memory" (default) or "s3".
	ResultsBackend string
	S3Bucket       string
	S3Region       string
	S3KeyPrefix    string
	S3Endpoint     string // optional custom endpoint for S3-compatible stores
	S3KeyID        string
	S3Secret       string

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Modules holds the enabled datasource variants.
	Modules Modules

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from CARAVEL_* environment variables and
// the optional module file named by CARAVEL_CONFIG.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:       os.Getenv("CARAVEL_META_DB_PATH"),
		ListenAddr:       os.Getenv("CARAVEL_LISTEN_ADDR"),
		LogLevel:         os.Getenv("CARAVEL_LOG_LEVEL"),
		Env:              os.Getenv("CARAVEL_ENV"),
		DruidTZ:          os.Getenv("CARAVEL_DRUID_TZ"),
		DruidRefreshSpec: os.Getenv("CARAVEL_DRUID_REFRESH_CRON"),
		ResultsBackend:   os.Getenv("CARAVEL_RESULTS_BACKEND"),
		S3Bucket:         os.Getenv("CARAVEL_S3_BUCKET"),
		S3Region:         os.Getenv("CARAVEL_S3_REGION"),
		S3KeyPrefix:      os.Getenv("CARAVEL_S3_KEY_PREFIX"),
		S3Endpoint:       os.Getenv("CARAVEL_S3_ENDPOINT"),
		S3KeyID:          os.Getenv("CARAVEL_S3_KEY_ID"),
		S3Secret:         os.Getenv("CARAVEL_S3_SECRET"),
	}

	if v := os.Getenv("CARAVEL_ROW_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RowLimit = n
		}
	}
	if v := os.Getenv("CARAVEL_SQLLAB_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SQLLabTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("CARAVEL_CACHE_DEFAULT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheDefaultTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("CARAVEL_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("CARAVEL_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}
	if v := os.Getenv("CARAVEL_CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}

	if path := os.Getenv("CARAVEL_CONFIG"); path != "" {
		modules, err := loadModules(path)
		if err != nil {
			return nil, err
		}
		cfg.Modules = modules
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "caravel_meta.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8088"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RowLimit == 0 {
		cfg.RowLimit = 50000
	}
	if cfg.SQLLabTimeout == 0 {
		cfg.SQLLabTimeout = 30 * time.Second
	}
	if cfg.CacheDefaultTimeout == 0 {
		cfg.CacheDefaultTimeout = 10 * time.Minute
	}
	if cfg.DruidTZ == "" {
		cfg.DruidTZ = "UTC"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if len(cfg.Modules.Datasources) == 0 {
		cfg.Modules.Datasources = []string{"table", "druid"}
	}
	if cfg.ResultsBackend == "" {
		cfg.ResultsBackend = "memory"
	}
	if cfg.ResultsBackend != "memory" && cfg.ResultsBackend != "s3" {
		return nil, fmt.Errorf("CARAVEL_RESULTS_BACKEND must be \"memory\" or \"s3\", got %q", cfg.ResultsBackend)
	}
	if cfg.ResultsBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("CARAVEL_S3_BUCKET is required when CARAVEL_RESULTS_BACKEND=s3")
	}
	if cfg.ResultsBackend == "memory" {
		cfg.Warnings = append(cfg.Warnings,
			"memory results backend keeps async payloads in-process only")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (CARAVEL_ENV=production)")
		}
	}

	return cfg, nil
}

func loadModules(path string) (Modules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Modules{}, fmt.Errorf("read CARAVEL_CONFIG: %w", err)
	}
	var modules Modules
	if err := yaml.Unmarshal(raw, &modules); err != nil {
		return Modules{}, fmt.Errorf("parse CARAVEL_CONFIG: %w", err)
	}
	for _, tag := range modules.Datasources {
		if tag != "table" && tag != "druid" {
			return Modules{}, fmt.Errorf("unknown datasource module %q in %s", tag, path)
		}
	}
	return modules, nil
}
