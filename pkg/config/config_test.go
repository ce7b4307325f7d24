package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, "firestbreak", cfg.Service)
	require.Equal(t, 30*time.Second, cfg.Timing.InviteTimeout)
	require.Equal(t, 10*time.Second, cfg.Timing.HealthInterval)
	require.Equal(t, 2*time.Second, cfg.Timing.RestartCooldown)
	require.Equal(t, 5*time.Second, cfg.Timing.GestureDuration)
	require.NotEmpty(t, cfg.DisplayName)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yml := `
service: lounge
display_name: Alice
auto_accept: true
timing:
  health_interval: 20s
  invite_timeout: 5s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0600))
	t.Setenv("FIRESTBREAK_LISTEN_PORT", "4100")
	t.Setenv("FIRESTBREAK_BOOTSTRAP", " /ip4/10.0.0.1/tcp/4001/p2p/QmA , ")
	t.Setenv("FIRESTBREAK_LOG_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "lounge", cfg.Service)
	require.Equal(t, "Alice", cfg.DisplayName)
	require.True(t, cfg.AutoAccept)
	require.Equal(t, 20*time.Second, cfg.Timing.HealthInterval)
	require.Equal(t, 5*time.Second, cfg.Timing.InviteTimeout)
	require.Equal(t, 2*time.Second, cfg.Timing.RestartCooldown, "unset timings keep defaults")
	require.Equal(t, 4100, cfg.ListenPort)
	require.Equal(t, []string{"/ip4/10.0.0.1/tcp/4001/p2p/QmA"}, cfg.Bootstrap)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("FIRESTBREAK_AUTO_ACCEPT", "maybe")
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service", func(c *Config) { c.Service = "" }},
		{"service with slash", func(c *Config) { c.Service = "a/b" }},
		{"bad port", func(c *Config) { c.ListenPort = 70000 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero interval", func(c *Config) { c.Timing.HealthInterval = 0 }},
		{"cooldown too long", func(c *Config) { c.Timing.RestartCooldown = c.Timing.HealthInterval }},
		{"advert ttl too short", func(c *Config) { c.Timing.AdvertTTL = c.Timing.AdvertInterval }},
		{"negative settle", func(c *Config) { c.Timing.ConnectSettle = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	require.NoError(t, cfg.Validate())
}
