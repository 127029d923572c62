// Package config loads wspipe settings. Explicit command line flags beat
// WSPIPE_* environment variables, which beat the YAML file, which beats the
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/risa-org/wspipe/session"
	"github.com/risa-org/wspipe/transport"
)

// EnvPrefix prefixes every environment override, e.g. WSPIPE_URL or
// WSPIPE_RECONNECT_INTERVAL.
const EnvPrefix = "WSPIPE"

// Config is the root configuration.
type Config struct {
	// URL is the endpoint, ws://, wss:// or tcp://
	URL string `mapstructure:"url" yaml:"url"`

	// MessageType is the frame type for outbound data: text or binary
	MessageType string `mapstructure:"message_type" yaml:"message_type"`

	// GracePeriod bounds how long an outbound flush may take once the peer closed
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`

	KeepAlive KeepAliveConfig `mapstructure:"keepalive" yaml:"keepalive"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// KeepAliveConfig controls the keepalive timer.
type KeepAliveConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Payload is sent as-is on every tick; empty sends a protocol ping
	Payload string `mapstructure:"payload" yaml:"payload"`
}

// ReconnectConfig controls the reconnect timer.
type ReconnectConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// MaxInterval enables exponential backoff between failed attempts when
	// larger than Interval
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		MessageType: "text",
		GracePeriod: transport.DefaultGracePeriod,
		KeepAlive: KeepAliveConfig{
			Enabled:  false,
			Interval: 30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// flagKeys maps config keys to the command line flags that override them.
var flagKeys = map[string]string{
	"url":                    "url",
	"message_type":           "message-type",
	"grace_period":           "grace",
	"keepalive.interval":     "keepalive",
	"keepalive.payload":      "keepalive-payload",
	"reconnect.interval":     "reconnect",
	"reconnect.max_interval": "reconnect-max",
	"log.level":              "log-level",
	"log.format":             "log-format",
}

// Load reads configuration from path (if non-empty, otherwise $WSPIPE_CONFIG
// or ./wspipe.yaml when present) and applies environment overrides, then
// flags that were set explicitly. flags may be nil.
// The result is validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("url", cfg.URL)
	v.SetDefault("message_type", cfg.MessageType)
	v.SetDefault("grace_period", cfg.GracePeriod)
	v.SetDefault("keepalive.enabled", cfg.KeepAlive.Enabled)
	v.SetDefault("keepalive.interval", cfg.KeepAlive.Interval)
	v.SetDefault("keepalive.payload", cfg.KeepAlive.Payload)
	v.SetDefault("reconnect.enabled", cfg.Reconnect.Enabled)
	v.SetDefault("reconnect.interval", cfg.Reconnect.Interval)
	v.SetDefault("reconnect.max_interval", cfg.Reconnect.MaxInterval)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wspipe")
		v.AddConfigPath(".")
	}

	// a missing file is fine when none was asked for explicitly
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// an interval given on the command line switches its timer on, zero off
	if flags != nil {
		if f := flags.Lookup("keepalive"); f != nil && f.Changed {
			cfg.KeepAlive.Enabled = cfg.KeepAlive.Interval > 0
		}
		if f := flags.Lookup("reconnect"); f != nil && f.Changed {
			cfg.Reconnect.Enabled = cfg.Reconnect.Interval > 0
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes a few fields in place.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp":
	default:
		return fmt.Errorf("invalid url scheme %q, expected ws, wss or tcp", u.Scheme)
	}

	c.MessageType = strings.ToLower(strings.TrimSpace(c.MessageType))
	switch c.MessageType {
	case "":
		c.MessageType = "text"
	case "text", "binary":
	default:
		return fmt.Errorf("invalid message_type: %q", c.MessageType)
	}

	if c.GracePeriod <= 0 {
		return fmt.Errorf("invalid grace_period: %v", c.GracePeriod)
	}
	if c.KeepAlive.Enabled && c.KeepAlive.Interval <= 0 {
		return fmt.Errorf("invalid keepalive.interval: %v", c.KeepAlive.Interval)
	}
	if c.Reconnect.Enabled && c.Reconnect.Interval <= 0 {
		return fmt.Errorf("invalid reconnect.interval: %v", c.Reconnect.Interval)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	return nil
}

// SessionOptions translates the configuration into session options.
func (c *Config) SessionOptions(log zerolog.Logger) []session.Option {
	msgType := transport.MessageText
	if c.MessageType == "binary" {
		msgType = transport.MessageBinary
	}

	opts := []session.Option{
		session.WithLogger(log),
		session.WithBridgeOptions(
			transport.WithGracePeriod(c.GracePeriod),
			transport.WithMessageType(msgType),
		),
	}

	if c.KeepAlive.Enabled {
		var payload func() []byte
		if c.KeepAlive.Payload != "" {
			p := []byte(c.KeepAlive.Payload)
			payload = func() []byte { return p }
		}
		opts = append(opts, session.WithKeepAlive(c.KeepAlive.Interval, payload))
	}
	if c.Reconnect.Enabled {
		opts = append(opts, session.WithReconnect(c.Reconnect.Interval))
		if c.Reconnect.MaxInterval > c.Reconnect.Interval {
			opts = append(opts, session.WithReconnectBackoff(c.Reconnect.MaxInterval))
		}
	}
	return opts
}

// Dump renders the configuration as YAML.
func Dump(c *Config) ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
