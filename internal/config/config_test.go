package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/realtime", cfg.Realtime.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.Realtime.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Realtime.BackoffMax)
	assert.Equal(t, 0, cfg.Realtime.MaxAttempts, "unlimited reconnect attempts by default")
	assert.Equal(t, "txnqueue", cfg.Queue.Namespace)
	assert.Empty(t, cfg.Realtime.Host)
	assert.Empty(t, cfg.AuthorID)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
author_id: client-7
data_dir: /var/lib/replisync
realtime:
  host: sync.example.com:443
  backoff_base: 1s
  max_attempts: 5
endpoints:
  submit_url: https://api.example.com/transactions
  fetch_url: https://api.example.com/records
subscriptions:
  grace_period: 10s
history:
  max_undo_size: 25
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "client-7", cfg.AuthorID)
	assert.Equal(t, "sync.example.com:443", cfg.Realtime.Host)
	assert.Equal(t, time.Second, cfg.Realtime.BackoffBase)
	assert.Equal(t, 5, cfg.Realtime.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Subscriptions.GracePeriod)
	assert.Equal(t, 25, cfg.History.MaxUndoSize)

	// Untouched keys keep their defaults.
	assert.Equal(t, "/realtime", cfg.Realtime.Path)
	assert.Equal(t, 30*time.Second, cfg.Realtime.BackoffMax)
	assert.Equal(t, "txnqueue", cfg.Queue.Namespace)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("realtime: ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestComponentConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realtime.Host = "sync.example.com:443"
	cfg.DataDir = "/tmp/replisync"
	cfg.Endpoints.SubmitURL = "https://api.example.com/transactions"

	rt := cfg.RealtimeClientConfig()
	assert.Equal(t, "sync.example.com:443", rt.Host)
	assert.Equal(t, "/realtime", rt.Path)

	assert.Equal(t, "/tmp/replisync", cfg.StoreConfig().Dir)
	assert.Equal(t, "https://api.example.com/transactions", cfg.SubmitterConfig().SubmitURL)
	assert.Equal(t, "txnqueue", cfg.TxnQueueConfig().Namespace)
}
