// Package config provides Viper-based configuration loading for the lobby server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LobbyConfig holds the lobby scope settings.
type LobbyConfig struct {
	// MaxPlayers is the admission capacity of the lobby.
	MaxPlayers int `mapstructure:"max_players"`
	// GameplayScene is the scene loaded for every connection when the host starts the match.
	GameplayScene string `mapstructure:"gameplay_scene"`
	// RequestBuffer is the capacity of the authority loop's inbound request queue.
	RequestBuffer int `mapstructure:"request_buffer"`
}

// CatalogConfig locates the character catalog.
type CatalogConfig struct {
	// Path is a YAML catalog file. When empty a placeholder catalog of Size entries is generated.
	Path string `mapstructure:"path"`
	// Size is the number of slots of the generated placeholder catalog.
	Size int `mapstructure:"size"`
}

// SpawnPointConfig is a single preset gameplay spawn point.
type SpawnPointConfig struct {
	X   float64 `mapstructure:"x"`
	Y   float64 `mapstructure:"y"`
	Z   float64 `mapstructure:"z"`
	Yaw float64 `mapstructure:"yaw"`
}

// SpawnConfig controls where gameplay actors are placed at handoff.
type SpawnConfig struct {
	// Spacing is the fallback grid offset along X used when no points are configured.
	Spacing float64 `mapstructure:"spacing"`
	// Points are assigned cyclically in spawn order.
	Points []SpawnPointConfig `mapstructure:"points"`
}

// WebSocketConfig holds the client-facing WebSocket listener settings.
type WebSocketConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the HTTP route that upgrades to WebSocket.
	Path string `mapstructure:"path"`
	// ReadTimeout is how long a connection may stay silent before it is dropped.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SendBuffer is the per-connection outbound queue capacity.
	SendBuffer int `mapstructure:"send_buffer"`
	// ReadLimit is the maximum inbound frame size in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// HealthConfig holds the gRPC health endpoint settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
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
	// File, when set, additionally writes logs to a rolling file.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays is the retention of rotated files.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	Lobby     LobbyConfig     `mapstructure:"lobby"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Spawn     SpawnConfig     `mapstructure:"spawn"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateLobby(c.Lobby),
		validateCatalog(c.Catalog),
		validateSpawn(c.Spawn),
		validateWebSocket(c.WebSocket),
		validateHealth(c.Health),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLobby(l LobbyConfig) error {
	var errs []string
	if l.MaxPlayers < 1 {
		errs = append(errs, fmt.Sprintf("lobby.max_players must be >= 1, got %d", l.MaxPlayers))
	}
	if strings.TrimSpace(l.GameplayScene) == "" {
		errs = append(errs, "lobby.gameplay_scene must not be empty")
	}
	if l.RequestBuffer < 1 {
		errs = append(errs, fmt.Sprintf("lobby.request_buffer must be >= 1, got %d", l.RequestBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateCatalog(c CatalogConfig) error {
	if c.Path == "" && c.Size < 1 {
		return fmt.Errorf("catalog.size must be >= 1 when catalog.path is empty, got %d", c.Size)
	}
	return nil
}

func validateSpawn(s SpawnConfig) error {
	if s.Spacing < 0 {
		return fmt.Errorf("spawn.spacing must not be negative, got %g", s.Spacing)
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.Port < 1 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if w.ReadTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("websocket.read_timeout must be > 0, got %s", w.ReadTimeout))
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("websocket.write_timeout must be > 0, got %s", w.WriteTimeout))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if w.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("websocket.read_limit must be >= 1, got %d", w.ReadLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	var errs []string
	if h.GRPCHost == "" {
		errs = append(errs, "health.grpc_host must not be empty")
	}
	if h.GRPCPort < 1 || h.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("health.grpc_port must be 1-65535, got %d", h.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
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
		return errors.New("logging.max_size_mb must be >= 1 when logging.file is set")
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with MATCHLOBBY_ prefix
	v.SetEnvPrefix("MATCHLOBBY")
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

// Defaults returns a Viper instance populated only with default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lobby.max_players", 5)
	v.SetDefault("lobby.gameplay_scene", "GameScene")
	v.SetDefault("lobby.request_buffer", 256)

	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.size", 30)

	v.SetDefault("spawn.spacing", 2.0)

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "5s")
	v.SetDefault("websocket.send_buffer", 64)
	v.SetDefault("websocket.read_limit", 1<<16)

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}
