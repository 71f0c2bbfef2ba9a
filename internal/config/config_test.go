package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "ips", cfg.Proxy.ListFile)
	assert.Equal(t, "user:password_notdefault", cfg.Proxy.Auth)
	assert.Equal(t, 80, cfg.Proxy.Port)
	assert.Equal(t, 20*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Proxy.WaitInterval)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, 10, cfg.Health.Concurrency)
	assert.Equal(t, int64(1_000_000), cfg.Download.ChunkSize)
	assert.Zero(t, cfg.Download.Workers)
	assert.Equal(t, 10, cfg.Retry.Attempts)
	assert.Empty(t, cfg.Metrics.ListenAddr)

	p := cfg.RetryPolicy()
	assert.Equal(t, 10, p.Attempts)
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 5*time.Second, p.MaxDelay)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
proxy:
  list_file: /etc/gateways
  auth: alice:secret
  port: 8000
  timeout: 45s
  wait_interval: 250ms
  host_rps: 2.5
health:
  enabled: false
download:
  output_dir: /data
  chunk_size: 4096
  no_split: true
  workers: 6
retry:
  attempts: 4
  base_delay: 1s
logging:
  development: false
metrics:
  listen_addr: ":9102"
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/etc/gateways", cfg.Proxy.ListFile)
	assert.Equal(t, "alice:secret", cfg.Proxy.Auth)
	assert.Equal(t, 8000, cfg.Proxy.Port)
	assert.Equal(t, 45*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Proxy.WaitInterval)
	assert.InDelta(t, 2.5, cfg.Proxy.HostRPS, 0)
	assert.False(t, cfg.Health.Enabled)
	assert.Equal(t, "/data", cfg.Download.OutputDir)
	assert.Equal(t, int64(4096), cfg.Download.ChunkSize)
	assert.True(t, cfg.Download.NoSplit)
	assert.Equal(t, 6, cfg.Download.Workers)
	assert.Equal(t, 4, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, ":9102", cfg.Metrics.ListenAddr)
}

func TestLoadEnvAndFlagPrecedence(t *testing.T) {
	t.Setenv("GATEWAY_PROXY_PORT", "8080")
	t.Setenv("GATEWAY_RETRY_ATTEMPTS", "3")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-retry", 10, "")
	flags.Duration("wait", 0, "")
	require.NoError(t, flags.Parse([]string{"--max-retry=7", "--wait=2s"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Proxy.Port, "env overrides default")
	assert.Equal(t, 7, cfg.Retry.Attempts, "changed flag overrides env")
	assert.Equal(t, 2*time.Second, cfg.Proxy.WaitInterval)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("", nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty list file", func(c *Config) { c.Proxy.ListFile = " " }, "proxy.list_file"},
		{"auth without colon", func(c *Config) { c.Proxy.Auth = "nocolon" }, "proxy.auth"},
		{"port out of range", func(c *Config) { c.Proxy.Port = 70000 }, "proxy.port"},
		{"zero timeout", func(c *Config) { c.Proxy.Timeout = 0 }, "proxy.timeout"},
		{"negative wait", func(c *Config) { c.Proxy.WaitInterval = -time.Second }, "proxy.wait_interval"},
		{"no health concurrency", func(c *Config) { c.Health.Concurrency = 0 }, "health.concurrency"},
		{"zero chunk", func(c *Config) { c.Download.ChunkSize = 0 }, "download.chunk_size"},
		{"negative workers", func(c *Config) { c.Download.Workers = -1 }, "download.workers"},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
