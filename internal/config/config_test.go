package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, "https://www.kongfz.com/", cfg.Pool.StartURL)
	assert.Equal(t, 100*time.Millisecond, cfg.Pool.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.Pool.AcquireBudget())
	assert.Equal(t, 60*time.Second, cfg.RateLimit.WindowDuration())
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 360*time.Second, cfg.RateLimit.PenaltyDuration())
	assert.Equal(t, 30*time.Second, cfg.RateLimit.LoginRecheckDuration())
	assert.Equal(t, "http://127.0.0.1:9222", cfg.Driver.DebugURL)
	assert.Equal(t, 25*time.Second, cfg.Driver.NavTimeout())
	assert.InDelta(t, 0.5, cfg.Driver.NavRPS, 0.001)
	assert.False(t, cfg.Auth.Enabled)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
pool:
  size: 4
  start_url: https://shop.example.test/
ratelimit:
  max_requests: 5
  penalty_seconds: 120
auth:
  enabled: true
  api_key: sesame
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, "https://shop.example.test/", cfg.Pool.StartURL)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.PenaltyDuration())
	// Defaults still fill the gaps.
	assert.Equal(t, 60*time.Second, cfg.RateLimit.WindowDuration())
	assert.True(t, cfg.Auth.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Pool.Size = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Server.Port = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.MaxRequests = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.WindowSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.PenaltySeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("CRAWLER_POOL_SIZE", "6")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Pool.Size)
}
