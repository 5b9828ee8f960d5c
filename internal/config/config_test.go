package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	t.Setenv(EnvJWTSecret, "")
	t.Setenv(EnvDatabaseDSN, "")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Listen, cfg.Listen)
	require.Equal(t, "sunday", cfg.WeekStart)
	require.Equal(t, DriverSQLite, cfg.Database.Driver)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialConfig(t *testing.T) {
	t.Setenv(EnvJWTSecret, "")
	t.Setenv(EnvDatabaseDSN, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
timezone: Pacific/Auckland
week_start: Monday
log_level: debug
database:
  driver: Postgres
  dsn: postgres://roster@db/rostersync
sync:
  workers: 0
  fetch_timeout: 30s
  expand_horizon_days: 60
kafka:
  brokers: [kafka:9092]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "monday", cfg.WeekStart)
	require.Equal(t, time.Monday, cfg.WeekStartDay())
	require.Equal(t, "DEBUG", cfg.LogLevel)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, 4, cfg.Sync.Workers)
	require.Equal(t, 30*time.Second, cfg.Sync.FetchTimeout)
	require.Equal(t, 60, cfg.Sync.ExpandHorizonDays)
	require.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "rostersync.sync.completed", cfg.Kafka.Topic)
	require.Equal(t, "Pacific/Auckland", cfg.Location().String())
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvDatabaseDSN, "postgres://env/db")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: from-file\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, "postgres://env/db", cfg.Database.DSN)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())

	cfg.Auth.JWTSecret = "s3cret"
	require.NoError(t, cfg.Validate())

	cfg.Timezone = "Mars/Olympus"
	require.Error(t, cfg.Validate())
	require.Equal(t, time.UTC, cfg.Location())

	cfg.Timezone = "UTC"
	cfg.Database = DatabaseConfig{Driver: DriverPostgres}
	require.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.RefreshCron = "@every 10m"
	cfg.Sync.CacheDir = "/var/cache/rostersync"
	require.NoError(t, cfg.Save(path))

	t.Setenv(EnvJWTSecret, "")
	t.Setenv(EnvDatabaseDSN, "")
	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "@every 10m", loaded.RefreshCron)
	require.Equal(t, "/var/cache/rostersync", loaded.Sync.CacheDir)
	require.Equal(t, 15*time.Second, loaded.Sync.FetchTimeout)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
