// Package config provides Viper-based configuration loading for the world server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// AdminToken authorizes unary admin API calls. Empty disables the check
	// (local deployments only).
	AdminToken string `mapstructure:"admin_token"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings for variable persistence.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// Disabled skips the database entirely; rooms run in degraded mode
	// without variable persistence.
	Disabled bool `mapstructure:"disabled"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// SessionConfig holds per-connection protocol settings.
type SessionConfig struct {
	// HeartbeatInterval is how often the server sends an application-level
	// heartbeat frame to every joined connection.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// LivenessTimeout is how long a connection may go without any inbound
	// frame before it is treated as dead. Must exceed HeartbeatInterval.
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SendBuffer is the size of the outbound frame queue per connection.
	SendBuffer int `mapstructure:"send_buffer"`
}

// WorldConfig holds spatial and grouping tunables.
type WorldConfig struct {
	// CellSize is the spatial zone cell edge in world units.
	CellSize int32 `mapstructure:"cell_size"`
	// MinDistance is the participant-to-participant grouping threshold.
	MinDistance float64 `mapstructure:"min_distance"`
	// GroupRadius is the participant-to-group grouping threshold and the
	// drift bound used for out-of-bounds and kick-out decisions.
	GroupRadius float64 `mapstructure:"group_radius"`
	// MaxPerGroup caps group membership.
	MaxPerGroup int `mapstructure:"max_per_group"`
	// ReloadGuard is the minimum interval between cache reloads triggered
	// by failed variable writes.
	ReloadGuard time.Duration `mapstructure:"reload_guard"`
}

// ResolverConfig holds room metadata resolution settings.
type ResolverConfig struct {
	// URL is the admin API base URL used to resolve room metadata.
	// Empty means no remote resolver; the local catalog is used instead.
	URL string `mapstructure:"url"`
	// Timeout bounds a single resolution call.
	Timeout time.Duration `mapstructure:"timeout"`
	// CatalogPath is the local YAML room catalog used when URL is empty.
	CatalogPath string `mapstructure:"catalog_path"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	World    WorldConfig    `mapstructure:"world"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if !c.Database.Disabled {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWorld(c.World); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", s.Port)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.HeartbeatInterval <= 0 {
		errs = append(errs, "session.heartbeat_interval must be positive")
	}
	if s.LivenessTimeout <= s.HeartbeatInterval {
		errs = append(errs, fmt.Sprintf(
			"session.liveness_timeout must exceed session.heartbeat_interval, got %s <= %s",
			s.LivenessTimeout, s.HeartbeatInterval,
		))
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "session.write_timeout must be positive")
	}
	if s.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("session.send_buffer must be >= 1, got %d", s.SendBuffer))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWorld(w WorldConfig) error {
	var errs []string
	if w.CellSize < 1 {
		errs = append(errs, fmt.Sprintf("world.cell_size must be >= 1, got %d", w.CellSize))
	}
	if w.MinDistance <= 0 {
		errs = append(errs, "world.min_distance must be positive")
	}
	if w.GroupRadius <= 0 {
		errs = append(errs, "world.group_radius must be positive")
	}
	if w.MaxPerGroup < 2 {
		errs = append(errs, fmt.Sprintf("world.max_per_group must be >= 2, got %d", w.MaxPerGroup))
	}
	if w.ReloadGuard < 0 {
		errs = append(errs, "world.reload_guard must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	if l.Format != "json" && l.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path with ATRIUM_-prefixed
// environment variable overrides.
//
// Precondition: path must point to a readable YAML configuration file.
// Postcondition: Returns a validated Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("ATRIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Config populated with all default values.
// Useful for tests and embedded deployments.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshalling pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "atrium")
	v.SetDefault("database.password", "atrium")
	v.SetDefault("database.name", "atrium")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.disabled", false)

	v.SetDefault("session.heartbeat_interval", "20s")
	v.SetDefault("session.liveness_timeout", "1m")
	v.SetDefault("session.write_timeout", "10s")
	v.SetDefault("session.send_buffer", 64)

	// Cell size is ten times the 32-unit base tile.
	v.SetDefault("world.cell_size", 320)
	v.SetDefault("world.min_distance", 64)
	v.SetDefault("world.group_radius", 240)
	v.SetDefault("world.max_per_group", 4)
	v.SetDefault("world.reload_guard", "10s")

	v.SetDefault("resolver.url", "")
	v.SetDefault("resolver.timeout", "5s")
	v.SetDefault("resolver.catalog_path", "configs/rooms.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
