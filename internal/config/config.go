// Package config loads and validates gatewayctl configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/gateway-dispatcher/internal/retry"
)

// EnvPrefix namespaces environment overrides, e.g. GATEWAY_PROXY_TIMEOUT=30s.
const EnvPrefix = "GATEWAY"

// Config captures all knobs loaded via Viper.
type Config struct {
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Health   HealthConfig   `mapstructure:"health"`
	Download DownloadConfig `mapstructure:"download"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ProxyConfig describes the gateway pool and how it is paced.
type ProxyConfig struct {
	ListFile     string        `mapstructure:"list_file"`
	Auth         string        `mapstructure:"auth"`
	Port         int           `mapstructure:"port"`
	Timeout      time.Duration `mapstructure:"timeout"`
	WaitInterval time.Duration `mapstructure:"wait_interval"`
	HostRPS      float64       `mapstructure:"host_rps"`
	HostBurst    int           `mapstructure:"host_burst"`
}

// HealthConfig controls the startup probe.
type HealthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DownloadConfig controls ranged downloads.
type DownloadConfig struct {
	OutputDir  string `mapstructure:"output_dir"`
	ChunkSize  int64  `mapstructure:"chunk_size"`
	NoSplit    bool   `mapstructure:"no_split"`
	Workers    int    `mapstructure:"workers"`
	QueueDepth int    `mapstructure:"queue_depth"`
}

// RetryConfig parameterizes caller-side backoff.
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig enables the Prometheus listener when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// FlagKeys maps command-line flag names to config keys. Flags missing from
// the set passed to Load are ignored.
var FlagKeys = map[string]string{
	"proxies":      "proxy.list_file",
	"auth":         "proxy.auth",
	"port":         "proxy.port",
	"timeout":      "proxy.timeout",
	"wait":         "proxy.wait_interval",
	"host-rps":     "proxy.host_rps",
	"check":        "health.enabled",
	"output":       "download.output_dir",
	"chunk-size":   "download.chunk_size",
	"no-split":     "download.no_split",
	"workers":      "download.workers",
	"max-retry":    "retry.attempts",
	"metrics-addr": "metrics.listen_addr",
	"development":  "logging.development",
}

// Load builds a Config from defaults, an optional file, the environment and
// flags, in increasing order of precedence.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.list_file", "ips")
	v.SetDefault("proxy.auth", "user:password_notdefault")
	v.SetDefault("proxy.port", 80)
	v.SetDefault("proxy.timeout", 20*time.Second)
	v.SetDefault("proxy.wait_interval", 100*time.Millisecond)
	v.SetDefault("proxy.host_rps", 0)
	v.SetDefault("proxy.host_burst", 1)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.concurrency", 10)
	v.SetDefault("health.timeout", 5*time.Second)
	v.SetDefault("download.output_dir", "downloads")
	v.SetDefault("download.chunk_size", 1_000_000)
	v.SetDefault("download.no_split", false)
	v.SetDefault("download.workers", 0)
	v.SetDefault("download.queue_depth", 64)
	v.SetDefault("retry.attempts", 10)
	v.SetDefault("retry.base_delay", 200*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.listen_addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Proxy.ListFile) == "" {
		return fmt.Errorf("proxy.list_file is required")
	}
	if !strings.Contains(c.Proxy.Auth, ":") {
		return fmt.Errorf("proxy.auth must be user:password")
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be in 1..65535")
	}
	if c.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy.timeout must be > 0")
	}
	if c.Proxy.WaitInterval < 0 {
		return fmt.Errorf("proxy.wait_interval must be >= 0")
	}
	if c.Health.Enabled && c.Health.Concurrency <= 0 {
		return fmt.Errorf("health.concurrency must be > 0 when health checks are enabled")
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("download.chunk_size must be > 0")
	}
	if c.Download.Workers < 0 {
		return fmt.Errorf("download.workers must be >= 0")
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be > 0")
	}
	return nil
}

// RetryPolicy converts the retry section for the retry helper.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  c.Retry.Attempts,
		BaseDelay: c.Retry.BaseDelay,
		MaxDelay:  c.Retry.MaxDelay,
	}
}
