package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarvelSK/Isegoria/pkg/config"
	"github.com/MarvelSK/Isegoria/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load(logging.Discard(), "config")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, time.Second, cfg.RateLimit.MinInterval)
	assert.Equal(t, 10, cfg.RateLimit.MaxPerWindow)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 2, cfg.Heartbeat.MaxMissed)
	assert.Equal(t, 20, cfg.Messages.HistorySize)
	assert.Equal(t, 500, cfg.Messages.MaxBodyRunes)
	assert.Equal(t, int64(5*1024*1024), cfg.Upload.MaxBytes)
	assert.Equal(t, 64, cfg.Transport.SendBuffer)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := []byte(`
server:
  address: ":9090"
  connectionLimit:
    maxPerIP: 3
ratelimit:
  window: 30s
  maxPerWindow: 5
log:
  format: json
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("ISEGORIA_RATELIMIT_MAXPERWINDOW", "7")
	t.Setenv("ISEGORIA_HEARTBEAT_INTERVAL", "5s")

	cfg, err := config.Load(logging.Discard(), "config")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 3, cfg.Server.ConnectionLimit.MaxPerIP)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 7, cfg.RateLimit.MaxPerWindow, "env wins over file")
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ISEGORIA_MESSAGES_HISTORYSIZE", "0")
	t.Setenv("ISEGORIA_SESSION_TOKENLENGTH", "8")

	_, err := config.Load(logging.Discard(), "config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages.historySize")
	assert.Contains(t, err.Error(), "session.tokenLength")
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
