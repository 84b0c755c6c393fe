package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "RUSHLIGHT"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "rushlight.db"
	defaultLogLevel           = "info"
	defaultCompactionInterval = 30 * time.Second
	defaultBlockingTimeout    = 5 * time.Second
	defaultPresenceTTL        = 30 * time.Second
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	CompactionInterval time.Duration
	BlockingTimeout    time.Duration
	PresenceTTL        time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("collab.compaction_interval", defaultCompactionInterval)
	configViper.SetDefault("collab.blocking_timeout", defaultBlockingTimeout)
	configViper.SetDefault("collab.presence_ttl", defaultPresenceTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		CompactionInterval: configViper.GetDuration("collab.compaction_interval"),
		BlockingTimeout:    configViper.GetDuration("collab.blocking_timeout"),
		PresenceTTL:        configViper.GetDuration("collab.presence_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.CompactionInterval <= 0 {
		return fmt.Errorf("collab.compaction_interval must be positive")
	}
	if c.BlockingTimeout <= 0 {
		return fmt.Errorf("collab.blocking_timeout must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("collab.presence_ttl must be positive")
	}
	return nil
}
