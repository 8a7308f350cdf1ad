package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "TETHER"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultDatabaseDriver         = "sqlite"
	defaultDatabasePath           = "tether.db"
	defaultLogLevel               = "info"
	defaultLogFormat              = "json"
	defaultCookieName             = "app_session"
	defaultIssuer                 = "tauth"
	defaultCheckFrequency         = 24 * time.Hour
	defaultUserInfoMinCodeVersion = 59
	defaultMessagesPerThread      = 20
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabaseDriver  string
	DatabasePath    string
	LogLevel        string
	LogFormat       string
	TAuthSigningKey string
	TAuthIssuer     string
	TAuthCookieName string
	Sync            SyncConfig
}

// SyncConfig groups the knobs of the synchronization protocol.
type SyncConfig struct {
	CheckFrequency         time.Duration
	UserInfoMinCodeVersion int
	MessagesPerThread      int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("sync.check_frequency", defaultCheckFrequency)
	configViper.SetDefault("sync.user_info_min_code_version", defaultUserInfoMinCodeVersion)
	configViper.SetDefault("sync.messages_per_thread", defaultMessagesPerThread)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		Sync: SyncConfig{
			CheckFrequency:         configViper.GetDuration("sync.check_frequency"),
			UserInfoMinCodeVersion: configViper.GetInt("sync.user_info_min_code_version"),
			MessagesPerThread:      configViper.GetInt("sync.messages_per_thread"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.Sync.CheckFrequency <= 0 {
		return fmt.Errorf("sync.check_frequency must be positive")
	}
	if c.Sync.MessagesPerThread <= 0 {
		return fmt.Errorf("sync.messages_per_thread must be positive")
	}
	return nil
}
