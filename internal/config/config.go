// Package config loads ipguard settings from defaults, a YAML file and
// IPGUARD_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliteGoblin/focusd/ipguard/internal/infra"
	"github.com/eliteGoblin/focusd/ipguard/internal/policy"
)

// EnvPrefix is prepended to every environment override, with "." mapped to
// "_" (deny_attempt_buffer.data_circle -> IPGUARD_DENY_ATTEMPT_BUFFER_DATA_CIRCLE).
const EnvPrefix = "IPGUARD"

// Storage drivers.
const (
	StorageMemory    = "memory"
	StorageFile      = "file"
	StorageSQLCipher = "sqlcipher"
	StoragePostgres  = "postgres"
	StorageRedis     = "redis"
)

// Notify drivers.
const (
	NotifyNone  = "none"
	NotifyLog   = "log"
	NotifyRedis = "redis"
)

// Config is the full application configuration.
// Period and reset are whole seconds, as in the persisted settings format.
type Config struct {
	RecordAttemptDetectionPeriod int           `mapstructure:"record_attempt_detection_period"`
	ResetAttemptCounter          int           `mapstructure:"reset_attempt_counter"`
	DenyAttemptEnable            TierFlags     `mapstructure:"deny_attempt_enable"`
	DenyAttemptBuffer            TierBuffers   `mapstructure:"deny_attempt_buffer"`
	DenyAttemptNotify            TierFlags     `mapstructure:"deny_attempt_notify"`
	IptablesWatchingFolder       string        `mapstructure:"iptables_watching_folder"`
	Log                          LogConfig     `mapstructure:"log"`
	Storage                      StorageConfig `mapstructure:"storage"`
	Notify                       NotifyConfig  `mapstructure:"notify"`
	Redis                        RedisConfig   `mapstructure:"redis"`
	Server                       ServerConfig  `mapstructure:"server"`
}

type TierFlags struct {
	DataCircle     bool `mapstructure:"data_circle"`
	SystemFirewall bool `mapstructure:"system_firewall"`
}

type TierBuffers struct {
	DataCircle     int `mapstructure:"data_circle"`
	SystemFirewall int `mapstructure:"system_firewall"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the JSON file for the file driver.
	Path string `mapstructure:"path"`
	// DataDir holds the SQLCipher database and its key file.
	DataDir string `mapstructure:"data_dir"`
	// KeyEnv, when set, names a variable holding the hex SQLCipher key.
	KeyEnv string `mapstructure:"key_env"`
	DSN    string `mapstructure:"dsn"`
	Prefix string `mapstructure:"prefix"`
}

type NotifyConfig struct {
	Driver        string  `mapstructure:"driver"`
	Channel       string  `mapstructure:"channel"`
	RatePerMinute float64 `mapstructure:"rate_per_minute"`
	Burst         int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServerConfig struct {
	Addr               string        `mapstructure:"addr"`
	KeyHeader          string        `mapstructure:"key_header"`
	TrustXForwardedFor bool          `mapstructure:"trust_x_forwarded_for"`
	Upstream           string        `mapstructure:"upstream"`
	StatusInterval     time.Duration `mapstructure:"status_interval"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("record_attempt_detection_period", int(policy.DefaultAttemptPeriod/time.Second))
	v.SetDefault("reset_attempt_counter", int(policy.DefaultAttemptResetAfter/time.Second))
	v.SetDefault("deny_attempt_enable.data_circle", false)
	v.SetDefault("deny_attempt_enable.system_firewall", false)
	v.SetDefault("deny_attempt_buffer.data_circle", policy.DefaultBuffer)
	v.SetDefault("deny_attempt_buffer.system_firewall", policy.DefaultBuffer)
	v.SetDefault("deny_attempt_notify.data_circle", false)
	v.SetDefault("deny_attempt_notify.system_firewall", false)
	v.SetDefault("iptables_watching_folder", "/tmp")

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("storage.driver", StorageFile)
	mode := infra.DetectExecMode()
	v.SetDefault("storage.path", mode.RecordPath)
	v.SetDefault("storage.data_dir", mode.DataDir)
	v.SetDefault("storage.key_env", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.prefix", "ipguard:record")

	v.SetDefault("notify.driver", NotifyLog)
	v.SetDefault("notify.channel", "ipguard:events")
	v.SetDefault("notify.rate_per_minute", 60.0)
	v.SetDefault("notify.burst", 10)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.key_header", "")
	v.SetDefault("server.trust_x_forwarded_for", false)
	v.SetDefault("server.upstream", "")
	v.SetDefault("server.status_interval", "1m")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// Load reads configuration. An explicit path must exist; with an empty path
// ipguard.yaml is searched in /etc/ipguard and the working directory, and
// defaults are used when none is found.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ipguard")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ipguard/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and driver names.
func (c *Config) Validate() error {
	var errs []error
	if c.RecordAttemptDetectionPeriod < 0 {
		errs = append(errs, fmt.Errorf("record_attempt_detection_period must be >= 0, got %d", c.RecordAttemptDetectionPeriod))
	}
	if c.ResetAttemptCounter < 0 {
		errs = append(errs, fmt.Errorf("reset_attempt_counter must be >= 0, got %d", c.ResetAttemptCounter))
	}
	if c.DenyAttemptBuffer.DataCircle < 0 || c.DenyAttemptBuffer.SystemFirewall < 0 {
		errs = append(errs, errors.New("deny_attempt_buffer values must be >= 0"))
	}

	switch c.Storage.Driver {
	case StorageMemory, StorageFile, StorageSQLCipher, StorageRedis:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Notify.Driver {
	case NotifyNone, NotifyLog, NotifyRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown notify.driver %q", c.Notify.Driver))
	}
	if c.Notify.RatePerMinute < 0 || c.Notify.Burst < 0 {
		errs = append(errs, errors.New("notify.rate_per_minute and notify.burst must be >= 0"))
	}

	if (c.Storage.Driver == StorageRedis || c.Notify.Driver == NotifyRedis) && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when a redis driver is selected"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Window returns the attempt window in durations.
func (c *Config) Window() policy.AttemptWindow {
	return policy.AttemptWindow{
		Period:     time.Duration(c.RecordAttemptDetectionPeriod) * time.Second,
		ResetAfter: time.Duration(c.ResetAttemptCounter) * time.Second,
	}
}

// DataCircle returns the temporary -> permanent tier settings.
func (c *Config) DataCircle() policy.TierSettings {
	return policy.TierSettings{
		Enabled: c.DenyAttemptEnable.DataCircle,
		Buffer:  c.DenyAttemptBuffer.DataCircle,
		Notify:  c.DenyAttemptNotify.DataCircle,
	}
}

// SystemFirewall returns the permanent -> system firewall tier settings.
func (c *Config) SystemFirewall() policy.TierSettings {
	return policy.TierSettings{
		Enabled: c.DenyAttemptEnable.SystemFirewall,
		Buffer:  c.DenyAttemptBuffer.SystemFirewall,
		Notify:  c.DenyAttemptNotify.SystemFirewall,
	}
}
