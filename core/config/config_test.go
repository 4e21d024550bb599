package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
store:
  path: ""
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "config/state.json", cfg.Store.Path)
	assert.Equal(t, 30*24*time.Hour, cfg.Store.TaskRetention)
	assert.Equal(t, time.Hour, cfg.Store.PruneInterval)
	assert.Equal(t, 2, cfg.Automation.MaxSessions)
	assert.Equal(t, 32, cfg.Automation.QueueSize)
	assert.Equal(t, 3*time.Minute, cfg.Automation.TaskTimeout)
	assert.Equal(t, 2, cfg.Automation.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Automation.RescanInterval)
	assert.Equal(t, GeoBrowser, cfg.Browser.Geolocation.Source)
	assert.Equal(t, "output", cfg.Artifacts.Dir)
	assert.Equal(t, 6*time.Hour, cfg.Artifacts.MaxAge)
	assert.Equal(t, ":8080", cfg.Web.Listen)
}

func TestLoadFullSections(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  admin_id: 42
  allowed_ids: [42, 99]
store:
  path: /var/lib/rollcall/state.json
automation:
  max_sessions: 4
  task_timeout: 90s
browser:
  headless: true
  geolocation:
    source: fixed
    latitude: 3.045
    longitude: 101.585
    accuracy: 25
web:
  listen: ":9090"
  admin_user: admin
  admin_password: secret
history:
  enabled: true
  host: localhost
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []int64{42, 99}, cfg.Telegram.AllowedIDs)
	assert.Equal(t, 4, cfg.Automation.MaxSessions)
	assert.Equal(t, 90*time.Second, cfg.Automation.TaskTimeout)
	assert.Equal(t, GeoFixed, cfg.Browser.Geolocation.Source)
	assert.InDelta(t, 3.045, cfg.Browser.Geolocation.Latitude, 1e-9)
	assert.True(t, cfg.History.Enabled)
	require.NoError(t, ValidateWeb(cfg))
}

func TestNormalizeRejectsBadGeoSource(t *testing.T) {
	cfg := &Config{}
	cfg.Browser.Geolocation.Source = "satellite"
	err := Normalize(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geolocation.source")
}

func TestValidateTelegram(t *testing.T) {
	cfg := &Config{}
	require.Error(t, ValidateTelegram(cfg))

	cfg.Telegram.Token = "123:abc"
	require.NoError(t, ValidateTelegram(cfg))
	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)

	cfg.Telegram.RunMode = "webhook"
	require.Error(t, ValidateTelegram(cfg))

	cfg.Webhook.URL = "https://bot.example.com/hook"
	cfg.Webhook.Listen = "0.0.0.0"
	cfg.Webhook.Port = 8443
	require.NoError(t, ValidateTelegram(cfg))
}

func TestValidateWebRequiresCredentials(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, Normalize(cfg))
	require.Error(t, ValidateWeb(cfg))
}
