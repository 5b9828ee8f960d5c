package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file.
const (
	EnvJWTSecret   = "ROSTERSYNC_JWT_SECRET"
	EnvDatabaseDSN = "ROSTERSYNC_DATABASE_DSN"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the shift store.
type DatabaseConfig struct {
	// Driver is one of "sqlite" (default), "postgres" or "memory".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn" json:"dsn"`
}

// SyncConfig tunes the reconciliation engine.
type SyncConfig struct {
	// Workers bounds concurrent feed syncs per user.
	Workers int `yaml:"workers" json:"workers"`
	// FetchTimeout is applied to each feed download.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	// ExpandHorizonDays enables RRULE expansion within this many days of now.
	// Zero stores recurring events as a single shift.
	ExpandHorizonDays int `yaml:"expand_horizon_days" json:"expand_horizon_days"`
	// CacheDir enables ETag/Last-Modified caching of feed bodies when set.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// StaleOnError serves the cached body when a refresh fails.
	StaleOnError bool `yaml:"stale_on_error" json:"stale_on_error"`
}

// AuthConfig holds bearer token verification parameters.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"-"`
	Issuer    string `yaml:"issuer" json:"issuer"`
}

// KafkaConfig enables sync-completed notifications when Brokers is set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for "today"/"week" queries and for
	// floating times in feeds that declare no zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "sunday" (default) or "monday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is the schedule for syncing every user (e.g. "*/30 * * * *").
	// Empty disables the scheduler.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// LogLevel is DEBUG, INFO, WARN or ERROR.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Database DatabaseConfig `yaml:"database" json:"database"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	Kafka    KafkaConfig    `yaml:"kafka" json:"kafka"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "Australia/Sydney",
		WeekStart:   "sunday",
		RefreshCron: "*/30 * * * *",
		LogLevel:    "INFO",
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "/var/lib/rostersync/rostersync.db",
		},
		Sync: SyncConfig{
			Workers:      4,
			FetchTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			Issuer: "rostersync",
		},
		Kafka: KafkaConfig{
			Topic: "rostersync.sync.completed",
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	c.WeekStart = strings.ToLower(strings.TrimSpace(c.WeekStart))
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = def.WeekStart
	}
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		c.LogLevel = def.LogLevel
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		c.Database.Driver = def.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = def.Database.DSN
	}

	if c.Sync.Workers <= 0 {
		c.Sync.Workers = def.Sync.Workers
	}
	if c.Sync.FetchTimeout <= 0 {
		c.Sync.FetchTimeout = def.Sync.FetchTimeout
	}
	if c.Sync.ExpandHorizonDays < 0 {
		c.Sync.ExpandHorizonDays = 0
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = def.Auth.Issuer
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = def.Kafka.Topic
	}
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is empty; set it in the config file or %s", EnvJWTSecret)
	}
	if c.Database.Driver == DriverPostgres && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres; set it or %s", EnvDatabaseDSN)
	}
	return nil
}

// Location returns the configured zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WeekStartDay returns WeekStart as a time.Weekday.
func (c *Config) WeekStartDay() time.Weekday {
	if c.WeekStart == "monday" {
		return time.Monday
	}
	return time.Sunday
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read and normalized.
//
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv(os.Getenv)
				return cfg, err
			}
			cfg.ApplyEnv(os.Getenv)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Normalize()
	cfg.ApplyEnv(os.Getenv)

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".rostersync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
