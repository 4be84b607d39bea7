// Package config provides Viper-based configuration loading for the presence server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Directory backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// AllowedOrigins lists the Origin values accepted on upgrade. Empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebSocketConfig holds per-connection transport settings.
type WebSocketConfig struct {
	// ReadLimit is the maximum inbound message size in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
	// WriteWait is the deadline for a single write.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is how long to wait for a pong before the connection is dropped.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// PingPeriod is the interval between pings; must be less than PongWait.
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `mapstructure:"send_buffer"`
}

// DirectoryConfig selects the user directory backend.
type DirectoryConfig struct {
	// Backend is one of "memory", "postgres" or "sqlite".
	Backend string `mapstructure:"backend"`
	// Timeout bounds every directory call.
	Timeout    time.Duration `mapstructure:"timeout"`
	SQLitePath string        `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds PostgreSQL connection settings.
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

// RedisConfig holds the optional profile cache settings.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	TTL      time.Duration `mapstructure:"ttl"`
	PoolSize int           `mapstructure:"pool_size"`
}

// SpawnConfig holds the join position settings.
type SpawnConfig struct {
	AnchorX float64 `mapstructure:"anchor_x"`
	AnchorY float64 `mapstructure:"anchor_y"`
	Spread  int     `mapstructure:"spread"`
	// Table is an optional YAML file of per-room spawn areas.
	Table string `mapstructure:"table"`
}

// HealthConfig holds the gRPC health-check listener settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort of 0 disables the listener.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Enabled reports whether the gRPC health listener should run.
func (h HealthConfig) Enabled() bool {
	return h.GRPCPort != 0
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File, when set, receives a copy of the log through a rolling writer.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Spawn     SpawnConfig     `mapstructure:"spawn"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	validators := []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateWebSocket(c.WebSocket) },
		func() error { return validateDirectory(c.Directory) },
		func() error { return validateRedis(c.Redis) },
		func() error { return validateSpawn(c.Spawn) },
		func() error { return validateHealth(c.Health) },
		func() error { return validateLogging(c.Logging) },
	}
	if c.Directory.Backend == BackendPostgres {
		validators = append(validators, func() error { return validateDatabase(c.Database) })
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joined(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	for _, origin := range s.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			errs = append(errs, "server.allowed_origins must not contain empty entries")
			break
		}
	}
	return joined(errs)
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.ReadLimit <= 0 {
		errs = append(errs, "websocket.read_limit must be positive")
	}
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.PingPeriod <= 0 || w.PingPeriod >= w.PongWait {
		errs = append(errs, fmt.Sprintf("websocket.ping_period must be positive and less than pong_wait (%s), got %s", w.PongWait, w.PingPeriod))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	return joined(errs)
}

func validateDirectory(d DirectoryConfig) error {
	var errs []string
	switch d.Backend {
	case BackendMemory, BackendPostgres:
	case BackendSQLite:
		if d.SQLitePath == "" {
			errs = append(errs, "directory.sqlite_path must not be empty for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("directory.backend must be one of [memory, postgres, sqlite], got %q", d.Backend))
	}
	if d.Timeout <= 0 {
		errs = append(errs, "directory.timeout must be positive")
	}
	return joined(errs)
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
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, fmt.Sprintf("database.min_conns (%d) must not exceed max_conns (%d)", d.MinConns, d.MaxConns))
	}
	return joined(errs)
}

func validateRedis(r RedisConfig) error {
	if !r.Enabled {
		return nil
	}
	var errs []string
	if r.URL == "" {
		errs = append(errs, "redis.url must not be empty when redis is enabled")
	}
	if r.TTL <= 0 {
		errs = append(errs, "redis.ttl must be positive")
	}
	if r.PoolSize < 0 {
		errs = append(errs, fmt.Sprintf("redis.pool_size must be >= 0, got %d", r.PoolSize))
	}
	return joined(errs)
}

func validateSpawn(s SpawnConfig) error {
	if s.Spread < 0 {
		return fmt.Errorf("spawn.spread must be >= 0, got %d", s.Spread)
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if h.GRPCPort < 0 || h.GRPCPort > 65535 {
		return fmt.Errorf("health.grpc_port must be 0-65535, got %d", h.GRPCPort)
	}
	if h.Enabled() && h.GRPCHost == "" {
		return errors.New("health.grpc_host must not be empty when the health listener is enabled")
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be >= 1 when logging.file is set, got %d", l.MaxSizeMB)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// New returns a Viper instance with defaults and CLOUDTOWN_ environment
// overrides applied.
func New() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with CLOUDTOWN_ prefix
	v.SetEnvPrefix("CLOUDTOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("websocket.read_limit", 64*1024)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.ping_period", "54s")
	v.SetDefault("websocket.send_buffer", 256)

	v.SetDefault("directory.backend", BackendMemory)
	v.SetDefault("directory.timeout", "5s")
	v.SetDefault("directory.sqlite_path", "cloudtown.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "cloudtown")
	v.SetDefault("database.password", "cloudtown")
	v.SetDefault("database.name", "cloudtown")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.ttl", "10m")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("spawn.anchor_x", 800)
	v.SetDefault("spawn.anchor_y", 600)
	v.SetDefault("spawn.spread", 100)
	v.SetDefault("spawn.table", "")

	v.SetDefault("health.grpc_host", "0.0.0.0")
	v.SetDefault("health.grpc_port", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)
}
