// Package config loads and validates tracker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/serp-rank-tracker/internal/pool"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// LegacyKeyPrefix names the indexed environment variables scanned when
// pool.keys is empty.
const (
	LegacyKeyPrefix = "SERPAPI_KEY_"
	LegacyKeyMax    = 50
)

// SearchPaths are scanned for serptracker.{yaml,json,toml} when Load is
// given no explicit path.
var SearchPaths = []string{".", "/etc/serptracker", "$HOME/.serptracker"}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Bulk      BulkConfig      `mapstructure:"bulk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProviderConfig configures the search results API client.
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	ResultCount       int           `mapstructure:"result_count"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	DomainMatch       string        `mapstructure:"domain_match"`
}

// PoolConfig governs credential selection and quotas.
type PoolConfig struct {
	Keys          []string      `mapstructure:"keys"`
	DailyLimit    int           `mapstructure:"daily_limit"`
	MonthlyLimit  int           `mapstructure:"monthly_limit"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Strategy      string        `mapstructure:"strategy"`
	PauseDuration time.Duration `mapstructure:"pause_duration"`
	Timezone      string        `mapstructure:"timezone"`
}

// BulkConfig controls batching of bulk keyword jobs.
type BulkConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	BatchDelay     time.Duration `mapstructure:"batch_delay"`
	RetryEnabled   bool          `mapstructure:"retry_enabled"`
	MaxRetryRounds int           `mapstructure:"max_retry_rounds"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxKeywords    int           `mapstructure:"max_keywords"`
}

// SchedulerConfig holds maintenance cron expressions.
type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	DailyReset string        `mapstructure:"daily_reset"`
	Purge      string        `mapstructure:"purge"`
	Health     string        `mapstructure:"health"`
	Retention  time.Duration `mapstructure:"retention"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver          string `mapstructure:"driver"`
	CredentialTable string `mapstructure:"credential_table"`
	ResultTable     string `mapstructure:"result_table"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SQLiteConfig points at the SQLite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// MirrorConfig tunes the write-behind credential mirror.
type MirrorConfig struct {
	BufferSize int           `mapstructure:"buffer_size"`
	MaxBatch   int           `mapstructure:"max_batch"`
	MaxWait    time.Duration `mapstructure:"max_wait"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SERPTRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("serptracker")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Pool.Keys = splitKeys(cfg.Pool.Keys)
	if len(cfg.Pool.Keys) == 0 {
		cfg.Pool.Keys = legacyKeys(os.LookupEnv)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 10*time.Minute)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("provider.base_url", "https://serpapi.com/search")
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.user_agent", "serp-rank-tracker/1.0")
	v.SetDefault("provider.result_count", 200)
	v.SetDefault("provider.requests_per_second", 0)
	v.SetDefault("provider.burst", 1)
	v.SetDefault("provider.domain_match", string(tracker.DefaultDomainMatch))
	v.SetDefault("pool.keys", []string{})
	v.SetDefault("pool.daily_limit", 5000)
	v.SetDefault("pool.monthly_limit", 100000)
	v.SetDefault("pool.max_retries", 3)
	v.SetDefault("pool.strategy", string(pool.StrategyPriority))
	v.SetDefault("pool.pause_duration", 60*time.Second)
	v.SetDefault("pool.timezone", "")
	v.SetDefault("bulk.batch_size", 5)
	v.SetDefault("bulk.max_concurrency", 3)
	v.SetDefault("bulk.batch_delay", time.Second)
	v.SetDefault("bulk.retry_enabled", true)
	v.SetDefault("bulk.max_retry_rounds", 2)
	v.SetDefault("bulk.retry_delay", 2*time.Second)
	v.SetDefault("bulk.max_keywords", 100)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.daily_reset", "0 0 * * *")
	v.SetDefault("scheduler.purge", "0 2 * * 0")
	v.SetDefault("scheduler.health", "0 * * * *")
	v.SetDefault("scheduler.retention", 2160*time.Hour)
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.credential_table", "serp_credentials")
	v.SetDefault("storage.result_table", "serp_results")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("sqlite.path", "serptracker.db")
	v.SetDefault("mirror.buffer_size", 1024)
	v.SetDefault("mirror.max_batch", 100)
	v.SetDefault("mirror.max_wait", 250*time.Millisecond)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be > 0")
	}
	if c.Provider.ResultCount <= 0 {
		return fmt.Errorf("provider.result_count must be > 0")
	}
	if c.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider.requests_per_second must be >= 0")
	}
	if _, err := tracker.MatcherFor(tracker.DomainMatchPolicy(c.Provider.DomainMatch)); err != nil {
		return fmt.Errorf("provider.domain_match: %w", err)
	}
	if c.Pool.DailyLimit <= 0 {
		return fmt.Errorf("pool.daily_limit must be > 0")
	}
	if c.Pool.MonthlyLimit <= 0 {
		return fmt.Errorf("pool.monthly_limit must be > 0")
	}
	if c.Pool.MaxRetries <= 0 {
		return fmt.Errorf("pool.max_retries must be > 0")
	}
	if _, err := pool.ParseStrategy(c.Pool.Strategy); err != nil {
		return fmt.Errorf("pool.strategy: %w", err)
	}
	if c.Pool.PauseDuration <= 0 {
		return fmt.Errorf("pool.pause_duration must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Bulk.BatchSize <= 0 {
		return fmt.Errorf("bulk.batch_size must be > 0")
	}
	if c.Bulk.MaxConcurrency <= 0 {
		return fmt.Errorf("bulk.max_concurrency must be > 0")
	}
	if c.Bulk.MaxRetryRounds < 0 {
		return fmt.Errorf("bulk.max_retry_rounds must be >= 0")
	}
	if c.Bulk.MaxKeywords <= 0 {
		return fmt.Errorf("bulk.max_keywords must be > 0")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.driver is postgres")
		}
	case DriverSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path must be set when storage.driver is sqlite")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, postgres, sqlite; got %q", c.Storage.Driver)
	}
	return nil
}

// Location resolves pool.timezone; empty means the host's local zone.
func (c Config) Location() (*time.Location, error) {
	if c.Pool.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Pool.Timezone)
	if err != nil {
		return nil, fmt.Errorf("pool.timezone: %w", err)
	}
	return loc, nil
}

// Definitions maps the configured keys to pool definitions: the n-th key
// becomes "serpapi_<n>" with priority n.
func (c Config) Definitions() []pool.Definition {
	defs := make([]pool.Definition, 0, len(c.Pool.Keys))
	for i, key := range c.Pool.Keys {
		n := i + 1
		defs = append(defs, pool.Definition{
			ID:           "serpapi_" + strconv.Itoa(n),
			Secret:       key,
			Priority:     n,
			DailyLimit:   c.Pool.DailyLimit,
			MonthlyLimit: c.Pool.MonthlyLimit,
		})
	}
	return defs
}

// splitKeys flattens comma separated entries and drops blanks.
func splitKeys(keys []string) []string {
	var out []string
	for _, k := range keys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// legacyKeys scans SERPAPI_KEY_1..SERPAPI_KEY_50, allowing gaps.
func legacyKeys(lookup func(string) (string, bool)) []string {
	var out []string
	for i := 1; i <= LegacyKeyMax; i++ {
		if v, ok := lookup(LegacyKeyPrefix + strconv.Itoa(i)); ok {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
