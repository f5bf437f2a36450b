// Package config provides Viper-based configuration loading for the arena broker.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name is the reserved system identity; login with this name is denied.
	Name string `mapstructure:"name"`
}

// ListenConfig holds WebSocket listener settings.
type ListenConfig struct {
	// Host is the bind address for the WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the WebSocket listener.
	Port int `mapstructure:"port"`
	// WriteTimeout is the per-message write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PongTimeout is the duration without a pong after which a client is dropped.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// RoomsConfig holds room registry settings.
type RoomsConfig struct {
	// DefaultRoom is the permanent lobby room; it is never destroyed.
	DefaultRoom string `mapstructure:"default_room"`
	// HistoryBound is the maximum number of durable events retained per room.
	HistoryBound int `mapstructure:"history_bound"`
	// SingleRoom, when true, makes join implicitly leave all prior rooms.
	SingleRoom bool `mapstructure:"single_room"`
	// PoseInterval is the cadence of the ambient pose broadcaster.
	PoseInterval time.Duration `mapstructure:"pose_interval"`
}

// MatchConfig holds rendezvous matchmaking settings.
type MatchConfig struct {
	// PollInterval is the delay between rendezvous scan attempts.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// PollAttempts is the maximum number of scan attempts before giving up.
	PollAttempts int `mapstructure:"poll_attempts"`
	// BotFallback, when true, pairs an exhausted searcher with an automated
	// opponent instead of returning "no players found".
	BotFallback bool `mapstructure:"bot_fallback"`
}

// GameConfig holds game session scheduling settings.
type GameConfig struct {
	// RoundDelay is the pause between round resolution and the next round.
	RoundDelay time.Duration `mapstructure:"round_delay"`
	// LoadingDelayMin/Max bound the artificial loading delay between blocks.
	LoadingDelayMin time.Duration `mapstructure:"loading_delay_min"`
	LoadingDelayMax time.Duration `mapstructure:"loading_delay_max"`
	// RoundsMin/Max bound the per-block round count draw.
	RoundsMin int `mapstructure:"rounds_min"`
	RoundsMax int `mapstructure:"rounds_max"`
	// BlocksBefore/Main/After partition the scheduled blocks.
	BlocksBefore int `mapstructure:"blocks_before"`
	BlocksMain   int `mapstructure:"blocks_main"`
	BlocksAfter  int `mapstructure:"blocks_after"`
	// Strategy is the automated opponent policy: "cooperate", "defect",
	// "random", "tit_for_tat", "alternating", or "redraw" to draw a fresh
	// policy per block.
	Strategy string `mapstructure:"strategy"`
	// ReselectStrategy re-draws the policy at each block transition.
	ReselectStrategy bool `mapstructure:"reselect_strategy"`
	// RecomputeChoice computes the automated choice fresh each round rather
	// than caching the first computation for the block.
	RecomputeChoice bool `mapstructure:"recompute_choice"`
}

// Blocks returns the total number of scheduled blocks.
func (g GameConfig) Blocks() int {
	return g.BlocksBefore + g.BlocksMain + g.BlocksAfter
}

// DatabaseConfig holds PostgreSQL connection settings for the audit store.
type DatabaseConfig struct {
	// Enabled controls whether audit events are persisted to PostgreSQL.
	Enabled         bool          `mapstructure:"enabled"`
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

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// RosterConfig holds the automated-opponent roster settings.
type RosterConfig struct {
	// Path is the YAML roster file of bot display names and avatars.
	// Empty disables the roster; bots fall back to a generic identity.
	Path string `mapstructure:"path"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Listen   ListenConfig   `mapstructure:"listen"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	Match    MatchConfig    `mapstructure:"match"`
	Game     GameConfig     `mapstructure:"game"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Roster   RosterConfig   `mapstructure:"roster"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateListen(c.Listen); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRooms(c.Rooms); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMatch(c.Match); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGame(c.Game); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Database.Enabled {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
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
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	return nil
}

func validateListen(l ListenConfig) error {
	var errs []string
	if l.Port < 1 || l.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be 1-65535, got %d", l.Port))
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listen.write_timeout must not be negative")
	}
	if l.PongTimeout < 0 {
		errs = append(errs, "listen.pong_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRooms(r RoomsConfig) error {
	var errs []string
	if r.DefaultRoom == "" {
		errs = append(errs, "rooms.default_room must not be empty")
	}
	if r.HistoryBound < 1 {
		errs = append(errs, fmt.Sprintf("rooms.history_bound must be >= 1, got %d", r.HistoryBound))
	}
	if r.PoseInterval <= 0 {
		errs = append(errs, "rooms.pose_interval must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMatch(m MatchConfig) error {
	var errs []string
	if m.PollInterval <= 0 {
		errs = append(errs, "match.poll_interval must be > 0")
	}
	if m.PollAttempts < 1 {
		errs = append(errs, fmt.Sprintf("match.poll_attempts must be >= 1, got %d", m.PollAttempts))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.RoundDelay < 0 {
		errs = append(errs, "game.round_delay must not be negative")
	}
	if g.LoadingDelayMin < 0 || g.LoadingDelayMax < g.LoadingDelayMin {
		errs = append(errs, "game.loading_delay_min/max must satisfy 0 <= min <= max")
	}
	if g.RoundsMin < 1 || g.RoundsMax < g.RoundsMin {
		errs = append(errs, fmt.Sprintf("game.rounds_min/max must satisfy 1 <= min <= max, got %d/%d", g.RoundsMin, g.RoundsMax))
	}
	if g.BlocksBefore < 0 || g.BlocksMain < 0 || g.BlocksAfter < 0 {
		errs = append(errs, "game block counts must not be negative")
	}
	if g.Blocks() < 1 {
		errs = append(errs, "game must schedule at least one block")
	}
	validStrategies := map[string]bool{
		"cooperate": true, "defect": true, "random": true,
		"tit_for_tat": true, "alternating": true, "redraw": true,
	}
	if !validStrategies[g.Strategy] {
		errs = append(errs, fmt.Sprintf("game.strategy must be one of [cooperate, defect, random, tit_for_tat, alternating, redraw], got %q", g.Strategy))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
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
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with ARENA_ prefix
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
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
	v.SetDefault("server.name", "system")

	v.SetDefault("listen.host", "0.0.0.0")
	v.SetDefault("listen.port", 8765)
	v.SetDefault("listen.write_timeout", "10s")
	v.SetDefault("listen.pong_timeout", "60s")

	v.SetDefault("rooms.default_room", "main")
	v.SetDefault("rooms.history_bound", 100)
	v.SetDefault("rooms.single_room", false)
	v.SetDefault("rooms.pose_interval", "100ms")

	v.SetDefault("match.poll_interval", "250ms")
	v.SetDefault("match.poll_attempts", 20)
	v.SetDefault("match.bot_fallback", false)

	v.SetDefault("game.round_delay", "2s")
	v.SetDefault("game.loading_delay_min", "1s")
	v.SetDefault("game.loading_delay_max", "5s")
	v.SetDefault("game.rounds_min", 5)
	v.SetDefault("game.rounds_max", 10)
	v.SetDefault("game.blocks_before", 1)
	v.SetDefault("game.blocks_main", 1)
	v.SetDefault("game.blocks_after", 1)
	v.SetDefault("game.strategy", "redraw")
	v.SetDefault("game.reselect_strategy", true)
	v.SetDefault("game.recompute_choice", true)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "arena")
	v.SetDefault("database.password", "arena")
	v.SetDefault("database.name", "arena")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("roster.path", "")
}
