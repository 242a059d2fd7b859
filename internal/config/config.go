package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Agent       AgentConfig       `mapstructure:"agent"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Usage       UsageConfig       `mapstructure:"usage"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// AgentConfig identifies the child profile and device being enforced
type AgentConfig struct {
	ChildID     string `mapstructure:"child_id"`
	FamilyID    string `mapstructure:"family_id"`
	DeviceID    string `mapstructure:"device_id"`
	SelfPackage string `mapstructure:"self_package"` // never blocked by the bridge
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsageConfig defines usage tracking settings
type UsageConfig struct {
	PollInterval       string `mapstructure:"poll_interval"`
	Lookback           string `mapstructure:"lookback"`
	MinSessionDuration string `mapstructure:"min_session_duration"`
	RecentSessions     int    `mapstructure:"recent_sessions"`
	Timezone           string `mapstructure:"timezone"`
}

// PolicyConfig selects the policy evaluator
type PolicyConfig struct {
	Engine       string `mapstructure:"engine"` // "native" or "opa"
	OPAPolicyDir string `mapstructure:"opa_policy_dir"`
}

// EnforcementConfig defines native bridge and confirmation settings
type EnforcementConfig struct {
	NativeTimeout         string             `mapstructure:"native_timeout"`
	CloseDelay            string             `mapstructure:"close_delay"`
	HomeDelay             string             `mapstructure:"home_delay"`
	Cooldown              string             `mapstructure:"cooldown"`
	ConfirmationCacheSize int                `mapstructure:"confirmation_cache_size"`
	Capabilities          CapabilitiesConfig `mapstructure:"capabilities"`
}

// CapabilitiesConfig declares which platform enforcement capabilities are granted
type CapabilitiesConfig struct {
	DeviceOwner         bool `mapstructure:"device_owner"`
	Accessibility       bool `mapstructure:"accessibility"`
	Overlay             bool `mapstructure:"overlay"`
	BatteryOptimization bool `mapstructure:"battery_optimization"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("FAMILYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration holding only default values
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Agent defaults
	v.SetDefault("agent.child_id", "")
	v.SetDefault("agent.family_id", "")
	v.SetDefault("agent.device_id", "")
	v.SetDefault("agent.self_package", "familyguard")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Usage defaults
	v.SetDefault("usage.poll_interval", "30s")
	v.SetDefault("usage.lookback", "5m")
	v.SetDefault("usage.min_session_duration", "1s")
	v.SetDefault("usage.recent_sessions", 50)
	v.SetDefault("usage.timezone", "")

	// Policy defaults
	v.SetDefault("policy.engine", "native")
	v.SetDefault("policy.opa_policy_dir", "")

	// Enforcement defaults
	v.SetDefault("enforcement.native_timeout", "10s")
	v.SetDefault("enforcement.close_delay", "1500ms")
	v.SetDefault("enforcement.home_delay", "150ms")
	v.SetDefault("enforcement.cooldown", "1200ms")
	v.SetDefault("enforcement.confirmation_cache_size", 1024)
	v.SetDefault("enforcement.capabilities.device_owner", false)
	v.SetDefault("enforcement.capabilities.accessibility", true)
	v.SetDefault("enforcement.capabilities.overlay", true)
	v.SetDefault("enforcement.capabilities.battery_optimization", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9464)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Storage.Type != "redis" {
		return fmt.Errorf("unsupported storage type: %q", cfg.Storage.Type)
	}
	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("storage.redis.host is required")
	}

	switch cfg.Policy.Engine {
	case "native", "opa":
	default:
		return fmt.Errorf("invalid policy engine: %q (must be native or opa)", cfg.Policy.Engine)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %q (must be json or text)", cfg.Logging.Format)
	}

	durations := map[string]string{
		"usage.poll_interval":         cfg.Usage.PollInterval,
		"usage.lookback":              cfg.Usage.Lookback,
		"usage.min_session_duration":  cfg.Usage.MinSessionDuration,
		"enforcement.native_timeout":  cfg.Enforcement.NativeTimeout,
		"enforcement.close_delay":     cfg.Enforcement.CloseDelay,
		"enforcement.home_delay":      cfg.Enforcement.HomeDelay,
		"enforcement.cooldown":        cfg.Enforcement.Cooldown,
		"storage.redis.dial_timeout":  cfg.Storage.Redis.DialTimeout,
		"storage.redis.read_timeout":  cfg.Storage.Redis.ReadTimeout,
		"storage.redis.write_timeout": cfg.Storage.Redis.WriteTimeout,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	if cfg.Usage.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Usage.Timezone); err != nil {
			return fmt.Errorf("invalid usage.timezone: %w", err)
		}
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
