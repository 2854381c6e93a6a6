package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adcheck/domain"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ADCHECK_CONFIG", "ADCHECK_BASE_URL", "ADCHECK_HTTP_TIMEOUT_SECONDS",
		"ADCHECK_TEXT_POLL_MS", "ADCHECK_TEXT_MAX_POLLS", "ADCHECK_IMAGE_POLL_MS", "ADCHECK_IMAGE_MAX_POLLS",
		"PORT", "REDIS_ADDR", "REDIS_DB", "CHECK_MAX_CONCURRENT", "CHECK_STREAM_KEY", "CHECK_JOB_TTL_SECONDS",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultTimingBudgets(t *testing.T) {
	tm := DefaultTiming()
	assert.Equal(t, 120*time.Second, tm.For(domain.InputKindText).Timeout())
	assert.Equal(t, 180*time.Second, tm.For(domain.InputKindImage).Timeout())
}

func TestLoadClientDefaults(t *testing.T) {
	clearEnv(t)
	c, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, c.BaseURL)
	assert.Equal(t, defaultHTTPTimeout, c.HTTPTimeout)
	assert.Equal(t, DefaultTiming(), c.Timing)
}

func TestLoadClientEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "adcheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client:
  baseURL: http://file.example
  text:
    pollIntervalMs: 500
    maxPolls: 4
  image:
    maxPolls: 9
`), 0o644))
	t.Setenv("ADCHECK_CONFIG", path)
	t.Setenv("ADCHECK_TEXT_MAX_POLLS", "7")

	c, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "http://file.example", c.BaseURL)
	assert.Equal(t, Budget{PollInterval: 500 * time.Millisecond, MaxPolls: 7}, c.Timing.Text)
	assert.Equal(t, Budget{PollInterval: 2 * time.Second, MaxPolls: 9}, c.Timing.Image)
	assert.Equal(t, 18*time.Second, c.Timing.Image.Timeout())
}

func TestLoadClientIgnoresBadNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADCHECK_IMAGE_MAX_POLLS", "-3")
	t.Setenv("ADCHECK_TEXT_POLL_MS", "abc")
	c, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, DefaultTiming(), c.Timing)
}

func TestLoadClientBadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client: [oops"), 0o644))
	t.Setenv("ADCHECK_CONFIG", path)
	_, err := LoadClient()
	assert.Error(t, err)

	t.Setenv("ADCHECK_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadClient()
	assert.Error(t, err)
}

func TestLoadService(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("REDIS_DB", "0")
	t.Setenv("CHECK_MAX_CONCURRENT", "4")
	t.Setenv("CHECK_JOB_TTL_SECONDS", "60")

	s, err := LoadService()
	require.NoError(t, err)
	assert.Equal(t, "8080", s.Port)
	assert.Equal(t, "127.0.0.1:6379", s.RedisAddr)
	assert.Equal(t, 0, s.RedisDB)
	assert.Equal(t, 4, s.MaxConcurrent)
	assert.Equal(t, time.Minute, s.JobTTL)
	assert.Equal(t, "adc:stream:check_jobs", s.StreamKey)
}
