package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/chat", cfg.ServerURL)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5, cfg.MaxReconnects)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: ws://companion.example:9000/ws/chat
user_id: alice
reconnect_delay: 1s
max_reconnects: 2
record_wire: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://companion.example:9000/ws/chat", cfg.ServerURL)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 2, cfg.MaxReconnects)
	assert.True(t, cfg.RecordWire)

	// Unset fields keep their defaults.
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 64, cfg.HistorySize)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: ws://from-file/ws/chat\n"), 0o644))

	t.Setenv("COMPANION_SERVER_URL", "ws://from-env/ws/chat")
	t.Setenv("COMPANION_USER_ID", "env-user")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://from-env/ws/chat", cfg.ServerURL)
	assert.Equal(t, "env-user", cfg.UserID)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
