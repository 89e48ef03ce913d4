package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string         `mapstructure:"listen_address"`
	AdminAddress        string         `mapstructure:"admin_address"`
	LogLevel            string         `mapstructure:"log_level"`
	LogFormat           string         `mapstructure:"log_format"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	DedupWindow         time.Duration  `mapstructure:"dedup_window"`
	ReadBufferSize      int            `mapstructure:"read_buffer_size"`
	WriteBufferSize     int            `mapstructure:"write_buffer_size"`
	StorePath           string         `mapstructure:"store_path"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
}

// KeystoreConfig describes how the sealed key file is initialized. An empty
// path disables the keystore and with it the endpoint role: the node then
// runs as a pure relay that never holds chat keys.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultAdminAddress        = "0.0.0.0:9090"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultDedupWindow         = 5 * time.Minute
	defaultBufferSize          = 4096
	defaultStorePath           = "data/messages.db"
	defaultPassphraseEnv       = "VEIL_KEYSTORE_PASSPHRASE"
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with VEIL_ and override
// file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VEIL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("dedup_window", defaultDedupWindow.String())
	v.SetDefault("read_buffer_size", defaultBufferSize)
	v.SetDefault("write_buffer_size", defaultBufferSize)
	v.SetDefault("store_path", defaultStorePath)
	v.SetDefault("keystore.path", "")
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"dedup_window", &cfg.DedupWindow, defaultDedupWindow},
	} {
		if !v.IsSet(d.key) {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = defaultAdminAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = defaultBufferSize
	}
	if cfg.StorePath == "" {
		cfg.StorePath = defaultStorePath
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured environment
// variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
