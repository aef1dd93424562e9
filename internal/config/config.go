package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "SHOPSYNC"
	defaultHTTPAddress   = "127.0.0.1:7835"
	defaultDatabasePath  = "shopsync.db"
	defaultLogLevel      = "info"
	defaultDrainInterval = 30 * time.Second
	defaultProbeInterval = 15 * time.Second
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 30 * time.Second
	defaultMaxAttempts   = 10
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	Origin               string
	HTTPAddress          string
	DatabasePath         string
	SessionToken         string
	LogLevel             string
	Development          bool
	DrainInterval        time.Duration
	ProbeInterval        time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
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
	configViper.SetDefault("log.development", false)
	configViper.SetDefault("sync.drain_interval_s", int(defaultDrainInterval.Seconds()))
	configViper.SetDefault("sync.probe_interval_s", int(defaultProbeInterval.Seconds()))
	configViper.SetDefault("realtime.base_delay_ms", int(defaultBaseDelay.Milliseconds()))
	configViper.SetDefault("realtime.max_delay_ms", int(defaultMaxDelay.Milliseconds()))
	configViper.SetDefault("realtime.max_attempts", defaultMaxAttempts)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		Origin:               configViper.GetString("server.origin"),
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		SessionToken:         configViper.GetString("session.token"),
		LogLevel:             configViper.GetString("log.level"),
		Development:          configViper.GetBool("log.development"),
		DrainInterval:        time.Duration(configViper.GetInt("sync.drain_interval_s")) * time.Second,
		ProbeInterval:        time.Duration(configViper.GetInt("sync.probe_interval_s")) * time.Second,
		ReconnectBaseDelay:   time.Duration(configViper.GetInt("realtime.base_delay_ms")) * time.Millisecond,
		ReconnectMaxDelay:    time.Duration(configViper.GetInt("realtime.max_delay_ms")) * time.Millisecond,
		MaxReconnectAttempts: configViper.GetInt("realtime.max_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Origin) == "" {
		return fmt.Errorf("server.origin is required")
	}
	if _, err := url.Parse(c.Origin); err != nil {
		return fmt.Errorf("server.origin is not a valid URL: %w", err)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// RESTBaseURL returns the REST endpoint root derived from the configured origin.
func (c AppConfig) RESTBaseURL() string {
	return strings.TrimRight(c.Origin, "/")
}

// ChannelURL derives the realtime channel URL from the configured origin by
// substituting only the transport scheme. The host is preserved so the channel
// targets the same backend whether the origin is localhost or a LAN address.
func (c AppConfig) ChannelURL() (string, error) {
	parsed, err := url.Parse(strings.TrimRight(c.Origin, "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}
