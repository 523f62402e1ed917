package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultTick, cfg.Tick)
	assert.Equal(t, DefaultFetchTimeout, cfg.FetchTimeout)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("listen: \":9000\"\nfetch_timeout: 5s\nnetwork_retry: 10m\ntrusted_certificates:\n  - \"AB:CD:EF\"\nbasic_auth:\n  username: \"\"\n  password: \"\"\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 10*time.Minute, cfg.NetworkRetry)
	assert.Equal(t, DefaultMaxParallel, cfg.MaxParallel)
	assert.Equal(t, []string{"abcdef"}, cfg.TrustedCertificates)
	assert.Nil(t, cfg.BasicAuth)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Tick = "@every 5m"
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "pw"}
	assert.True(t, cfg.Trust("AA:BB"))
	assert.False(t, cfg.Trust("aabb"))
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "@every 5m", loaded.Tick)
	assert.Equal(t, []string{"aabb"}, loaded.TrustedCertificates)
	require.NotNil(t, loaded.BasicAuth)
	assert.Equal(t, "admin", loaded.BasicAuth.Username)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join("/etc/icsync", DefaultDatabase), cfg.DatabasePath("/etc/icsync/config.yaml"))

	cfg.Database = "/var/lib/icsync.db"
	assert.Equal(t, "/var/lib/icsync.db", cfg.DatabasePath("/etc/icsync/config.yaml"))

	cfg.Database = ":memory:"
	assert.Equal(t, ":memory:", cfg.DatabasePath("/etc/icsync/config.yaml"))
}
