package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := decode(newViper())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 60*time.Second, cfg.PongWait)
	assert.Equal(t, 10*time.Second, cfg.Negotiation.Timeout)
	assert.Equal(t, 3, cfg.Negotiation.MaxFailures)
	assert.True(t, cfg.Negotiation.ValidateSDP)
	assert.Equal(t, 128, cfg.Rooms.LoopBuffer)
	assert.Equal(t, time.Minute, cfg.Rate.IdleTTL)
	assert.Equal(t, "admin", cfg.Admin.User)
	assert.Empty(t, cfg.Admin.Password)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICE.Servers)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestYAMLAndEnvOverrides(t *testing.T) {
	t.Setenv("MESHROOM_NEGOTIATION_MAX_FAILURES", "5")

	v := newViper()
	require.NoError(t, v.ReadConfig(strings.NewReader(`
port: 9000
negotiation:
  timeout: 2s
rooms:
  max_participants: 4
rate:
  messages_per_second: 2.5
`)))
	cfg, err := decode(v)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.Negotiation.Timeout)
	assert.Equal(t, 5, cfg.Negotiation.MaxFailures)
	assert.Equal(t, 4, cfg.Rooms.MaxParticipants)
	assert.InDelta(t, 2.5, cfg.Rate.MessagesPerSecond, 1e-9)
}

func TestValidate(t *testing.T) {
	base, err := decode(newViper())
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"port":         func(c *Config) { c.Port = 0 },
		"pong_wait":    func(c *Config) { c.PongWait = c.PingPeriod },
		"timeout":      func(c *Config) { c.Negotiation.Timeout = 0 },
		"max_failures": func(c *Config) { c.Negotiation.MaxFailures = -1 },
		"send_buffer":  func(c *Config) { c.SendBuffer = 0 },
		"admin_user":   func(c *Config) { c.Admin = AdminConfig{Password: "secret"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte("port: 7070\nlog:\n  level: warn\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}
