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
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "database:\n  url: postgres://localhost/db\n"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "migrations", cfg.Database.MigrationsPath)
	assert.Equal(t, "https://graph.facebook.com", cfg.Platform.GraphURL)
	assert.Equal(t, cfg.Platform.GraphURL, cfg.Platform.InstagramGraphURL)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Queue.Lease)
	assert.Equal(t, 90, cfg.Thresholds.DegradedGlobal)
	assert.Equal(t, 5, cfg.Suspicious.AutoBlockAfter)
}

func TestLoadConfigExpandsSecrets(t *testing.T) {
	t.Setenv("TEST_APP_SECRET", "s3cret")
	cfg, err := LoadConfig(writeConfig(t, "platform:\n  app_secret: \"${TEST_APP_SECRET}\"\nqueue:\n  workers: 9\n"))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Platform.AppSecret)
	assert.Equal(t, 9, cfg.Queue.Workers)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}
