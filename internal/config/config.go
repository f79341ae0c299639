// Package config loads sync client configuration from defaults, an
// optional YAML file and SDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// SDSYNC_SERVER_URL or SDSYNC_CACHE_EVICTION_GRACE.
const EnvPrefix = "SDSYNC"

// Config holds all client configuration.
type Config struct {
	// Daemon endpoints
	ServerURL string `mapstructure:"server_url"`
	EventsURL string `mapstructure:"events_url"`
	AuthToken string `mapstructure:"auth_token"`
	LibraryID string `mapstructure:"library_id"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	Log     LogConfig     `mapstructure:"log"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Session SessionConfig `mapstructure:"session"`
	RPC     RPCConfig     `mapstructure:"rpc"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CacheConfig controls the query cache.
type CacheConfig struct {
	// EvictionGrace is how long an entry without subscribers survives
	// before it is removed.
	EvictionGrace time.Duration `mapstructure:"eviction_grace"`
}

// JobsConfig controls the job registry.
type JobsConfig struct {
	// CompletionDedupWindow suppresses a repeated terminal event of the
	// same kind for the same job within the window.
	CompletionDedupWindow time.Duration `mapstructure:"completion_dedup_window"`
}

// SessionConfig controls the reconciliation loop.
type SessionConfig struct {
	MailboxSize int `mapstructure:"mailbox_size"`
}

// RPCConfig controls the RPC client.
type RPCConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL: "http://localhost:8080",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			EvictionGrace: 5 * time.Second,
		},
		Jobs: JobsConfig{
			CompletionDedupWindow: 5 * time.Second,
		},
		Session: SessionConfig{
			MailboxSize: 256,
		},
		RPC: RPCConfig{
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
		},
	}
}

// SetDefaults registers defaults on v so they apply even without a
// config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("events_url", d.EventsURL)
	v.SetDefault("auth_token", d.AuthToken)
	v.SetDefault("library_id", d.LibraryID)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("cache.eviction_grace", d.Cache.EvictionGrace)
	v.SetDefault("jobs.completion_dedup_window", d.Jobs.CompletionDedupWindow)
	v.SetDefault("session.mailbox_size", d.Session.MailboxSize)
	v.SetDefault("rpc.timeout", d.RPC.Timeout)
	v.SetDefault("rpc.retry_attempts", d.RPC.RetryAttempts)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.EventsURL == "" {
		cfg.EventsURL = DeriveEventsURL(cfg.ServerURL)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-decodes the config whenever the backing file changes and
// passes the new value to fn. Invalid updates are reported to onErr
// and otherwise ignored.
func Watch(v *viper.Viper, fn func(*Config), onErr func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			onErr(fmt.Errorf("decode config: %w", err))
			return
		}
		if err := cfg.Validate(); err != nil {
			onErr(err)
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.Cache.EvictionGrace < 0 {
		errs = append(errs, errors.New("cache.eviction_grace must not be negative"))
	}
	if c.Jobs.CompletionDedupWindow < 0 {
		errs = append(errs, errors.New("jobs.completion_dedup_window must not be negative"))
	}
	if c.Session.MailboxSize <= 0 {
		errs = append(errs, errors.New("session.mailbox_size must be positive"))
	}
	if c.RPC.Timeout < 0 {
		errs = append(errs, errors.New("rpc.timeout must not be negative"))
	}
	if c.RPC.RetryAttempts < 0 {
		errs = append(errs, errors.New("rpc.retry_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// DeriveEventsURL maps an http(s) server URL to the websocket event
// endpoint on the same host.
func DeriveEventsURL(serverURL string) string {
	base := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/events"
}
