// Package config loads server configuration.
//
// Sources, lowest precedence first:
//  1. built-in defaults
//  2. config.yaml in "." or "./config" (optional)
//  3. a .env file in the working directory (optional, loaded into the
//     process environment by godotenv)
//  4. real environment variables (PORT, DB_PATH, JWT_SECRET, ...)
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is everything the server needs to start.
type Config struct {
	Port       int           `mapstructure:"port"`
	DBPath     string        `mapstructure:"db_path"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	LogLevel   string        `mapstructure:"log_level"`

	// RedisURL selects the Redis-backed ephemeral store. Empty means
	// in-process memory, which is fine for a single instance.
	RedisURL string `mapstructure:"redis_url"`

	PresenceTimeout   time.Duration `mapstructure:"presence_timeout"`
	PresenceSweep     time.Duration `mapstructure:"presence_sweep"`
	TypingQuietWindow time.Duration `mapstructure:"typing_quiet_window"`

	// Rate limit for /auth/* per client IP.
	AuthRPS   float64 `mapstructure:"auth_rps"`
	AuthBurst int     `mapstructure:"auth_burst"`

	BcryptCost int `mapstructure:"bcrypt_cost"`

	// AllowedOrigins are host patterns (e.g. "chat.example.com") that may
	// open websocket streams from a browser. Same-origin is always allowed.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SecureCookie   bool     `mapstructure:"secure_cookie"`
}

var defaults = map[string]any{
	"port":                8080,
	"db_path":             "data/buddychat.db",
	"jwt_secret":          "",
	"session_ttl":         24 * time.Hour,
	"log_level":           "info",
	"redis_url":           "",
	"presence_timeout":    45 * time.Second,
	"presence_sweep":      15 * time.Second,
	"typing_quiet_window": 3 * time.Second,
	"auth_rps":            5.0,
	"auth_burst":          10,
	"bcrypt_cost":         12,
	"allowed_origins":     []string{},
	"secure_cookie":       false,
}

// Load reads the configuration from all sources and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}
	return load(viper.New(), ".", "config")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	for key, value := range defaults {
		// Every key needs a default (even an empty one) for AutomaticEnv
		// to pick it up during Unmarshal.
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must be set"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt_secret must be at least 16 characters (try: openssl rand -hex 32)"))
	}
	durations := map[string]time.Duration{
		"session_ttl":         c.SessionTTL,
		"presence_timeout":    c.PresenceTimeout,
		"presence_sweep":      c.PresenceSweep,
		"typing_quiet_window": c.TypingQuietWindow,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.AuthRPS <= 0 || c.AuthBurst <= 0 {
		errs = append(errs, errors.New("auth_rps and auth_burst must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel onto slog levels. Unknown values mean Info.
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
