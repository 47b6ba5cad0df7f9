package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"PORT", "COUNTDOWN_SECONDS", "GRACE_SECONDS", "MAX_RACE_SECONDS", "PASSAGES_FILE",
	"DATABASE_URL", "NATS_URL", "NATS_SUBJECT", "ALLOWED_ORIGINS", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 5*time.Second, cfg.Rules.Countdown)
	assert.Equal(t, time.Second, cfg.Rules.CountdownTick)
	assert.Equal(t, 30*time.Second, cfg.Rules.Grace)
	assert.Equal(t, 120*time.Second, cfg.Rules.MaxRace)
	assert.Equal(t, "typerace.results", cfg.NATSSubject)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("GRACE_SECONDS", "10")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:5173, https://type.example.com,")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.Rules.Grace)
	assert.Equal(t, []string{"http://localhost:5173", "https://type.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":             "eighty",
		"MAX_RACE_SECONDS": "0",
		"GRACE_SECONDS":    "-1",
		"LOG_FORMAT":       "xml",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("PORT")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=7070\n"), 0o600))
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

func TestLoadWithoutDotEnv(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	_, err := Load()
	assert.NoError(t, err)
}
