// Package config loads the server configuration from a file, environment
// variables (TOOLSERVE_ prefix), and flags bound by the CLI, in ascending
// precedence. Byte sizes accept human-readable strings like "4 MiB".
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration.
type Config struct {
	Listen    string
	LogLevel  string
	LogFormat string

	RequestsPerSecond float64
	BurstSize         int
	PerSessionLimit   float64

	MaxSessions    int
	SessionTimeout time.Duration

	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	TaskRetentionTime  time.Duration

	MaxConnections    int
	HeartbeatInterval time.Duration
	MaxMessageSize    uint64

	AuthEnabled bool
	AuthTokens  []string
	CORSOrigins []string

	Stdio  bool
	Broker string
}

// Keys recognized by viper, in flag spelling.
const (
	KeyListen             = "listen"
	KeyLogLevel           = "log-level"
	KeyLogFormat          = "log-format"
	KeyRequestsPerSecond  = "requests-per-second"
	KeyBurstSize          = "burst-size"
	KeyPerSessionLimit    = "per-session-limit"
	KeyMaxSessions        = "max-sessions"
	KeySessionTimeout     = "session-timeout"
	KeyMaxConcurrentTasks = "max-concurrent-tasks"
	KeyTaskTimeout        = "task-timeout"
	KeyTaskRetentionTime  = "task-retention-time"
	KeyMaxConnections     = "max-connections"
	KeyHeartbeatInterval  = "heartbeat-interval"
	KeyMaxMessageSize     = "max-message-size"
	KeyAuthEnabled        = "auth-enabled"
	KeyAuthTokens         = "auth-tokens"
	KeyCORSOrigins        = "cors-origins"
	KeyStdio              = "stdio"
	KeyBroker             = "broker"
)

// EnvPrefix is the environment variable prefix, e.g. TOOLSERVE_LISTEN.
const EnvPrefix = "TOOLSERVE"

// Setup applies defaults and environment binding to v.
func Setup(v *viper.Viper) {
	v.SetDefault(KeyListen, ":8420")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyRequestsPerSecond, 100.0)
	v.SetDefault(KeyBurstSize, 200)
	v.SetDefault(KeyPerSessionLimit, 50.0)
	v.SetDefault(KeyMaxSessions, 1000)
	v.SetDefault(KeySessionTimeout, 30*time.Minute)
	v.SetDefault(KeyMaxConcurrentTasks, 10)
	v.SetDefault(KeyTaskTimeout, time.Minute)
	v.SetDefault(KeyTaskRetentionTime, 5*time.Minute)
	v.SetDefault(KeyMaxConnections, 1000)
	v.SetDefault(KeyHeartbeatInterval, 30*time.Second)
	v.SetDefault(KeyMaxMessageSize, "4 MiB")
	v.SetDefault(KeyAuthEnabled, false)
	v.SetDefault(KeyAuthTokens, []string{})
	v.SetDefault(KeyCORSOrigins, []string{})
	v.SetDefault(KeyStdio, false)
	v.SetDefault(KeyBroker, "memory")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// FromViper resolves the configuration out of v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Listen:             v.GetString(KeyListen),
		LogLevel:           v.GetString(KeyLogLevel),
		LogFormat:          v.GetString(KeyLogFormat),
		RequestsPerSecond:  v.GetFloat64(KeyRequestsPerSecond),
		BurstSize:          v.GetInt(KeyBurstSize),
		PerSessionLimit:    v.GetFloat64(KeyPerSessionLimit),
		MaxSessions:        v.GetInt(KeyMaxSessions),
		SessionTimeout:     v.GetDuration(KeySessionTimeout),
		MaxConcurrentTasks: v.GetInt(KeyMaxConcurrentTasks),
		TaskTimeout:        v.GetDuration(KeyTaskTimeout),
		TaskRetentionTime:  v.GetDuration(KeyTaskRetentionTime),
		MaxConnections:     v.GetInt(KeyMaxConnections),
		HeartbeatInterval:  v.GetDuration(KeyHeartbeatInterval),
		AuthEnabled:        v.GetBool(KeyAuthEnabled),
		AuthTokens:         v.GetStringSlice(KeyAuthTokens),
		CORSOrigins:        v.GetStringSlice(KeyCORSOrigins),
		Stdio:              v.GetBool(KeyStdio),
		Broker:             v.GetString(KeyBroker),
	}

	size, err := humanize.ParseBytes(v.GetString(KeyMaxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyMaxMessageSize, err)
	}
	cfg.MaxMessageSize = size

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", KeyRequestsPerSecond)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyBurstSize)
	}
	if c.AuthEnabled && len(c.AuthTokens) == 0 {
		return fmt.Errorf("%s requires at least one token in %s", KeyAuthEnabled, KeyAuthTokens)
	}
	switch c.Broker {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown %s %q (memory or redis)", KeyBroker, c.Broker)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown %s %q (text or json)", KeyLogFormat, c.LogFormat)
	}
	return nil
}
