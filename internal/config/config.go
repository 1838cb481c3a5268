// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Timestamp policies for movement validation.
const (
	TimestampPolicyStrict  = "strict"
	TimestampPolicyLenient = "lenient"
)

// ServerConfig holds identification settings reported on the status endpoint.
type ServerConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
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

// HTTPConfig holds the HTTP listener settings shared by the REST API and the
// WebSocket endpoint.
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins lists the browser origins accepted on WebSocket upgrade.
	// An empty list accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// WebSocketConfig holds per-connection transport limits.
type WebSocketConfig struct {
	// ReadLimit is the maximum size in bytes of a single inbound frame.
	ReadLimit int64 `mapstructure:"read_limit"`
	// WriteWait is the deadline applied to each outbound write.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is how long the server waits for a pong before dropping the peer.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// PingPeriod is the interval between server pings. Must be less than PongWait.
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// OutboxSize is the number of frames buffered per session before drops.
	OutboxSize int `mapstructure:"outbox_size"`
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	Issuer     string        `mapstructure:"issuer"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// MovementConfig holds anti-cheat thresholds and the map extent.
type MovementConfig struct {
	// MaxSpeed is the highest accepted speed in pixels per second.
	MaxSpeed float64 `mapstructure:"max_speed"`
	// MaxPositionDelta is the largest accepted single-update displacement.
	MaxPositionDelta float64 `mapstructure:"max_position_delta"`
	// MapWidth and MapHeight define a rectangle centred on the origin.
	MapWidth  float64 `mapstructure:"map_width"`
	MapHeight float64 `mapstructure:"map_height"`
	SpawnX    float64 `mapstructure:"spawn_x"`
	SpawnY    float64 `mapstructure:"spawn_y"`
	// TimestampPolicy is "strict" or "lenient".
	TimestampPolicy string `mapstructure:"timestamp_policy"`
	// MaxClockSkew is how far ahead of server time a client timestamp may
	// run; later timestamps are pulled back to that limit.
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`
}

// ChatConfig holds chat relay limits.
type ChatConfig struct {
	MaxLength    int           `mapstructure:"max_length"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	HistorySize  int           `mapstructure:"history_size"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// RoomsConfig describes where room definitions come from and the default room.
type RoomsConfig struct {
	// File is an optional YAML file of pre-provisioned rooms.
	File            string `mapstructure:"file"`
	DefaultID       string `mapstructure:"default_id"`
	DefaultName     string `mapstructure:"default_name"`
	DefaultCapacity int    `mapstructure:"default_capacity"`
}

// GameConfig holds the relay's gameplay rules.
type GameConfig struct {
	Movement MovementConfig `mapstructure:"movement"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	// AllowedActions restricts player:action names. Empty allows all.
	AllowedActions []string `mapstructure:"allowed_actions"`
	// MaxActionData bounds the raw size of an action's data payload.
	MaxActionData  int           `mapstructure:"max_action_data"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	UsernameMin    int           `mapstructure:"username_min"`
	UsernameMax    int           `mapstructure:"username_max"`
	DefaultHealth  int           `mapstructure:"default_health"`
}

// AdminConfig holds the gRPC health endpoint settings.
type AdminConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
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
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Game      GameConfig      `mapstructure:"game"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateDatabase(c.Database) },
		func() error { return validateHTTP(c.HTTP) },
		func() error { return validateWebSocket(c.WebSocket) },
		func() error { return validateAuth(c.Auth) },
		func() error { return validateGame(c.Game) },
		func() error { return validateAdmin(c.Admin) },
		func() error { return validateLogging(c.Logging) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Name == "" {
		return errors.New("server.name must not be empty")
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
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 1 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if h.ReadTimeout < 0 {
		errs = append(errs, "http.read_timeout must not be negative")
	}
	if h.WriteTimeout < 0 {
		errs = append(errs, "http.write_timeout must not be negative")
	}
	if h.ShutdownTimeout < 0 {
		errs = append(errs, "http.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("websocket.read_limit must be >= 1, got %d", w.ReadLimit))
	}
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.PingPeriod <= 0 || w.PingPeriod >= w.PongWait {
		errs = append(errs, "websocket.ping_period must be positive and less than websocket.pong_wait")
	}
	if w.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.outbox_size must be >= 1, got %d", w.OutboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if len(a.JWTSecret) < 16 {
		errs = append(errs, "auth.jwt_secret must be at least 16 characters")
	}
	if a.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	if a.BcryptCost < 4 || a.BcryptCost > 31 {
		errs = append(errs, fmt.Sprintf("auth.bcrypt_cost must be 4-31, got %d", a.BcryptCost))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	m := g.Movement
	if m.MaxSpeed <= 0 {
		errs = append(errs, "game.movement.max_speed must be positive")
	}
	if m.MaxPositionDelta <= 0 {
		errs = append(errs, "game.movement.max_position_delta must be positive")
	}
	if m.MapWidth <= 0 || m.MapHeight <= 0 {
		errs = append(errs, "game.movement.map_width and map_height must be positive")
	}
	if m.SpawnX < -m.MapWidth/2 || m.SpawnX > m.MapWidth/2 || m.SpawnY < -m.MapHeight/2 || m.SpawnY > m.MapHeight/2 {
		errs = append(errs, "game.movement spawn point must lie within the map")
	}
	if m.TimestampPolicy != TimestampPolicyStrict && m.TimestampPolicy != TimestampPolicyLenient {
		errs = append(errs, fmt.Sprintf("game.movement.timestamp_policy must be one of [strict, lenient], got %q", m.TimestampPolicy))
	}
	if m.MaxClockSkew < 0 {
		errs = append(errs, "game.movement.max_clock_skew must not be negative")
	}
	c := g.Chat
	if c.MaxLength < 1 {
		errs = append(errs, "game.chat.max_length must be >= 1")
	}
	if c.Cooldown < 0 {
		errs = append(errs, "game.chat.cooldown must not be negative")
	}
	if c.HistorySize < 1 {
		errs = append(errs, "game.chat.history_size must be >= 1")
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > c.HistorySize {
		errs = append(errs, "game.chat.history_limit must be between 1 and game.chat.history_size")
	}
	if g.Rooms.DefaultID == "" {
		errs = append(errs, "game.rooms.default_id must not be empty")
	}
	if g.Rooms.DefaultCapacity < 1 {
		errs = append(errs, "game.rooms.default_capacity must be >= 1")
	}
	if g.MaxActionData < 0 {
		errs = append(errs, "game.max_action_data must not be negative")
	}
	if g.PersistTimeout <= 0 {
		errs = append(errs, "game.persist_timeout must be positive")
	}
	if g.UsernameMin < 1 || g.UsernameMax < g.UsernameMin {
		errs = append(errs, "game.username_min must be >= 1 and not exceed game.username_max")
	}
	if g.DefaultHealth < 1 {
		errs = append(errs, "game.default_health must be >= 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if a.GRPCPort < 0 || a.GRPCPort > 65535 {
		return fmt.Errorf("admin.grpc_port must be 0-65535, got %d", a.GRPCPort)
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
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
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

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "MechaPizzAI MMORPG Server")
	v.SetDefault("server.version", "0.1.0")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "relay")
	v.SetDefault("database.name", "relay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 3001)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("websocket.read_limit", 4096)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.ping_period", "50s")
	v.SetDefault("websocket.outbox_size", 256)

	v.SetDefault("auth.jwt_secret", "dev-only-secret-change-me")
	v.SetDefault("auth.issuer", "mechapizzai")
	v.SetDefault("auth.token_ttl", "168h")
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("game.movement.max_speed", 250.0)
	v.SetDefault("game.movement.max_position_delta", 200.0)
	v.SetDefault("game.movement.map_width", 4000.0)
	v.SetDefault("game.movement.map_height", 4000.0)
	v.SetDefault("game.movement.spawn_x", 0.0)
	v.SetDefault("game.movement.spawn_y", 0.0)
	v.SetDefault("game.movement.timestamp_policy", TimestampPolicyStrict)
	v.SetDefault("game.movement.max_clock_skew", 2*time.Second)

	v.SetDefault("game.chat.max_length", 200)
	v.SetDefault("game.chat.cooldown", "1s")
	v.SetDefault("game.chat.history_size", 100)
	v.SetDefault("game.chat.history_limit", 100)

	v.SetDefault("game.rooms.file", "")
	v.SetDefault("game.rooms.default_id", "lobby")
	v.SetDefault("game.rooms.default_name", "Pizza Plaza")
	v.SetDefault("game.rooms.default_capacity", 100)

	v.SetDefault("game.allowed_actions", []string{"attack", "interact", "emote", "pickup", "use"})
	v.SetDefault("game.max_action_data", 1024)
	v.SetDefault("game.persist_timeout", "5s")
	v.SetDefault("game.username_min", 2)
	v.SetDefault("game.username_max", 20)
	v.SetDefault("game.default_health", 100)

	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Default returns the configuration produced by defaults alone.
//
// Postcondition: Returns a Config that passes Validate.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}
