package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "WSRELAY"

var (
	ErrParse    = errors.New("unable to parse configuration")
	ErrValidate = errors.New("invalid configuration")
)

// Config is the full externally supplied configuration surface. Values come
// from defaults, then WSRELAY_* environment variables, then command line
// flags, in increasing priority.
type Config struct {
	APIListenAddr        string        `mapstructure:"api-listen-addr"`
	WSListenAddr         string        `mapstructure:"ws-listen-addr"`
	Mode                 string        `mapstructure:"mode"`
	DefaultRoom          string        `mapstructure:"default-room"`
	RoomCapacity         int           `mapstructure:"room-capacity"`
	TickRate             int           `mapstructure:"tick-rate"`
	KeepaliveInterval    time.Duration `mapstructure:"keepalive-interval"`
	MaxMessagesPerSecond int           `mapstructure:"message-rate"`
	UpgradesPerSecond    int           `mapstructure:"upgrade-rate"`
	AllowedOrigins       []string      `mapstructure:"allowed-origins"`
	LogLevel             string        `mapstructure:"log-level"`
}

// Load resolves the configuration. fs may be nil when no flags are bound
// (tests).
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("api-listen-addr", ":8080")
	v.SetDefault("ws-listen-addr", ":8888")
	v.SetDefault("mode", "relay")
	v.SetDefault("default-room", "lobby")
	v.SetDefault("room-capacity", 8)
	v.SetDefault("tick-rate", 20)
	v.SetDefault("keepalive-interval", "5s")
	v.SetDefault("message-rate", 30)
	v.SetDefault("upgrade-rate", 50)
	v.SetDefault("allowed-origins", []string{"*"})
	v.SetDefault("log-level", "debug")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Join(ErrParse, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Join(ErrParse, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case "relay", "authoritative":
	default:
		return fmt.Errorf("%w: mode must be relay or authoritative, got %q", ErrValidate, c.Mode)
	}
	if c.DefaultRoom == "" {
		return fmt.Errorf("%w: default-room must not be empty", ErrValidate)
	}
	if c.RoomCapacity < 1 {
		return fmt.Errorf("%w: room-capacity must be at least 1, got %d", ErrValidate, c.RoomCapacity)
	}
	if c.TickRate < 1 || c.TickRate > 120 {
		return fmt.Errorf("%w: tick-rate must be within [1, 120], got %d", ErrValidate, c.TickRate)
	}
	if c.KeepaliveInterval < time.Second {
		return fmt.Errorf("%w: keepalive-interval must be at least 1s, got %s", ErrValidate, c.KeepaliveInterval)
	}
	if c.MaxMessagesPerSecond < 1 {
		return fmt.Errorf("%w: message-rate must be at least 1, got %d", ErrValidate, c.MaxMessagesPerSecond)
	}
	if c.UpgradesPerSecond < 1 {
		return fmt.Errorf("%w: upgrade-rate must be at least 1, got %d", ErrValidate, c.UpgradesPerSecond)
	}
	return nil
}
