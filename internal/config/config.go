// Package config provides YAML-based configuration loading for the
// processional command.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root command configuration.
type Config struct {
	// Codec names the value codec: msgpack, cbor or json
	Codec string `mapstructure:"codec"`

	// Directory is the service directory file; empty selects the default
	Directory string `mapstructure:"directory"`

	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig configures `processional serve`.
type ServerConfig struct {
	// Network: tcp, unix or zmq
	Network    string `mapstructure:"network"`
	Address    string `mapstructure:"address"`
	ServiceID  string `mapstructure:"service_id"`
	Persistent bool   `mapstructure:"persistent"`
	MaxClients int    `mapstructure:"max_clients"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// ClientConfig configures the commands that connect to a server.
type ClientConfig struct {
	Network           string        `mapstructure:"network"`
	Address           string        `mapstructure:"address"`
	ServiceID         string        `mapstructure:"service_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Codec: "msgpack",
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/processional.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Network:  "tcp",
			Address:  "127.0.0.1:7700",
			PoolSize: 64,
		},
		Client: ClientConfig{
			Network:           "tcp",
			Address:           "127.0.0.1:7700",
			Timeout:           30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix PROCESSIONAL and
// `.`/`-` are replaced with `_`, e.g. PROCESSIONAL_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PROCESSIONAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("directory", cfg.Directory)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.network", cfg.Server.Network)
	v.SetDefault("server.address", cfg.Server.Address)
	v.SetDefault("server.service_id", cfg.Server.ServiceID)
	v.SetDefault("server.persistent", cfg.Server.Persistent)
	v.SetDefault("server.max_clients", cfg.Server.MaxClients)
	v.SetDefault("server.pool_size", cfg.Server.PoolSize)
	v.SetDefault("client.network", cfg.Client.Network)
	v.SetDefault("client.address", cfg.Client.Address)
	v.SetDefault("client.service_id", cfg.Client.ServiceID)
	v.SetDefault("client.timeout", cfg.Client.Timeout)
	v.SetDefault("client.heartbeat_interval", cfg.Client.HeartbeatInterval)

	if path == "" {
		path = os.Getenv("PROCESSIONAL_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("processional")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".processional"))
		}
	}

	// a missing config file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
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

	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	switch c.Codec {
	case "":
		c.Codec = "msgpack"
	case "msgpack", "cbor", "json":
	default:
		return fmt.Errorf("invalid codec: %q", c.Codec)
	}

	for _, network := range []*string{&c.Server.Network, &c.Client.Network} {
		*network = strings.ToLower(strings.TrimSpace(*network))
		switch *network {
		case "tcp", "unix", "zmq":
		default:
			return fmt.Errorf("invalid network: %q", *network)
		}
	}
	switch {
	case c.Client.Timeout < 0:
		return fmt.Errorf("invalid client.timeout: %v", c.Client.Timeout)
	case c.Client.Timeout == 0:
		c.Client.Timeout = 30 * time.Second
	}
	return nil
}
