package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func validConfig() Config {
	return Defaults()
}

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int32(320), cfg.World.CellSize)
	assert.Equal(t, 64.0, cfg.World.MinDistance)
	assert.Equal(t, 240.0, cfg.World.GroupRadius)
	assert.Equal(t, 10*time.Second, cfg.World.ReloadGuard)
	assert.Greater(t, cfg.Session.LivenessTimeout, cfg.Session.HeartbeatInterval)
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.World.MaxPerGroup = 1
	cfg.Logging.Level = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "world.max_per_group")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_LivenessMustExceedHeartbeat(t *testing.T) {
	cfg := validConfig()
	cfg.Session.HeartbeatInterval = 30 * time.Second
	cfg.Session.LivenessTimeout = 30 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liveness_timeout")
}

func TestValidate_DisabledDatabaseSkipsDatabaseChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Database = DatabaseConfig{Disabled: true}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Database(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"bad sslmode", func(c *Config) { c.Database.SSLMode = "maybe" }, "database.sslmode"},
		{"min exceeds max", func(c *Config) { c.Database.MinConns = 20 }, "min_conns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDSN_Format(t *testing.T) {
	d := DatabaseConfig{
		Host: "db.local", Port: 5433, User: "u", Password: "p",
		Name: "atrium", SSLMode: "require",
	}
	assert.Equal(t, "postgres://u:p@db.local:5433/atrium?sslmode=require", d.DSN())
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("server:\n  port: 9090\nlogging:\n  level: debug\n  format: console\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("ATRIUM_SERVER_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep defaults.
	assert.Equal(t, int32(320), cfg.World.CellSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadFromViper_InvalidRejected(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("world.group_radius", -1)
	_, err := LoadFromViper(v)
	require.Error(t, err)
}

func TestValidate_ServerPortRange_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.IntRange(1, 65535).Draw(t, "port")
		cfg := validConfig()
		cfg.Server.Port = port
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidate_SessionTimings_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		hb := time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "heartbeat"))
		extra := time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "extra"))
		cfg := validConfig()
		cfg.Session.HeartbeatInterval = hb
		cfg.Session.LivenessTimeout = hb + extra
		assert.NoError(t, cfg.Validate())

		cfg.Session.LivenessTimeout = hb
		assert.Error(t, cfg.Validate())
	})
}
