// Package config loads flowengine settings from a file, FLOWENGINE_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/automation-engine/logging"
	"github.com/songzhibin97/automation-engine/nodes"
	"github.com/songzhibin97/automation-engine/scheduler"
	"github.com/songzhibin97/automation-engine/services"
	"github.com/songzhibin97/automation-engine/storage"
)

// EnvPrefix prefixes environment overrides, e.g. FLOWENGINE_STORAGE_DRIVER.
const EnvPrefix = "FLOWENGINE"

// Config is the complete flowengine configuration.
type Config struct {
	Log       logging.Config  `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   storage.Options `mapstructure:"storage"`
	Services  ServicesConfig  `mapstructure:"services"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// EngineConfig configures the executor and runner.
type EngineConfig struct {
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	DelayMode   string        `mapstructure:"delay_mode"`
	Workers     int           `mapstructure:"workers"`
}

// SchedulerConfig configures the scheduler loop and execution cleanup.
type SchedulerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	CleanupSpec string        `mapstructure:"cleanup_spec"`
	Retention   time.Duration `mapstructure:"retention"`
	MaxFailures int           `mapstructure:"max_failures"`
}

// ServicesConfig configures the outbound integrations used by nodes.
type ServicesConfig struct {
	SMTP  services.SMTPConfig       `mapstructure:"smtp"`
	Slack SlackConfig               `mapstructure:"slack"`
	HTTP  services.HTTPClientConfig `mapstructure:"http"`
}

// SlackConfig configures Slack delivery. Without a webhook URL messages are
// only logged.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// MetricsConfig configures the Prometheus endpoint of the serve command.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := decode(v)
	return cfg
}

// Load reads configuration from path. An empty path searches for
// flowengine.{yaml,json,toml} in the working directory, ./configs and
// /etc/flowengine, and tolerates finding none.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowengine")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/flowengine")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides apply to it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", logging.DefaultLevel)
	v.SetDefault("log.json", false)
	v.SetDefault("log.name", logging.DefaultName)

	v.SetDefault("engine.node_timeout", "0s")
	v.SetDefault("engine.run_timeout", "0s")
	v.SetDefault("engine.delay_mode", nodes.DelayModeMetadata)
	v.SetDefault("engine.workers", 4)

	v.SetDefault("scheduler.interval", scheduler.DefaultInterval.String())
	v.SetDefault("scheduler.cleanup_spec", scheduler.DefaultCleanupSpec)
	v.SetDefault("scheduler.retention", scheduler.DefaultRetention.String())
	v.SetDefault("scheduler.max_failures", scheduler.DefaultMaxFailures)

	v.SetDefault("storage.driver", storage.DriverMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 0)
	v.SetDefault("storage.redis.idle_timeout", "5m")
	v.SetDefault("storage.redis.key_prefix", "flowengine:")
	v.SetDefault("storage.postgres.dsn", "postgres://localhost:5432/flowengine?sslmode=disable")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.migrate", true)

	v.SetDefault("services.smtp.host", "")
	v.SetDefault("services.smtp.port", 587)
	v.SetDefault("services.smtp.username", "")
	v.SetDefault("services.smtp.password", "")
	v.SetDefault("services.smtp.from", "")
	v.SetDefault("services.slack.webhook_url", "")
	v.SetDefault("services.http.timeout", "30s")
	v.SetDefault("services.http.max_retries", 3)
	v.SetDefault("services.http.rate_limit", 0)
	v.SetDefault("services.http.burst", 1)
	v.SetDefault("services.http.breaker_timeout", "30s")
	v.SetDefault("services.http.breaker_failures", 5)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Engine.DelayMode {
	case nodes.DelayModeMetadata, nodes.DelayModeWait:
	default:
		return fmt.Errorf("invalid engine.delay_mode: %q (valid: %s, %s)",
			c.Engine.DelayMode, nodes.DelayModeMetadata, nodes.DelayModeWait)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.NodeTimeout < 0 || c.Engine.RunTimeout < 0 {
		return errors.New("engine timeouts cannot be negative")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}
	if c.Scheduler.Retention <= 0 {
		return fmt.Errorf("scheduler.retention must be positive, got %s", c.Scheduler.Retention)
	}
	if c.Scheduler.MaxFailures < 0 {
		return fmt.Errorf("scheduler.max_failures cannot be negative, got %d", c.Scheduler.MaxFailures)
	}
	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverRedis, storage.DriverPostgres:
	default:
		return fmt.Errorf("%w: %q", storage.ErrUnsupportedBackend, c.Storage.Driver)
	}
	if c.Services.HTTP.RateLimit < 0 {
		return fmt.Errorf("services.http.rate_limit cannot be negative, got %v", c.Services.HTTP.RateLimit)
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level: %s (valid: trace, debug, info, warn, error)", c.Log.Level)
	}
	return nil
}
