package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  log_level: info\n"), 0o644))

	w, err := Watch(path)
	require.NoError(t, err)
	assert.Equal(t, "info", w.Current().App.LogLevel)

	var notified atomic.Value
	w.Subscribe(func(c *Config) { notified.Store(c.App.LogLevel) })

	require.NoError(t, os.WriteFile(path, []byte("app:\n  log_level: debug\n"), 0o644))

	assert.Eventually(t, func() bool {
		return w.Current().App.LogLevel == "debug"
	}, 5*time.Second, 50*time.Millisecond, "snapshot never picked up the edit")
	assert.Eventually(t, func() bool {
		lvl, _ := notified.Load().(string)
		return lvl == "debug"
	}, 5*time.Second, 50*time.Millisecond, "listener never fired")
}

func TestWatchKeepsLastGoodOnBadEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  log_level: info\n"), 0o644))

	w, err := Watch(path)
	require.NoError(t, err)

	// "verbose" fails validation, so the reload must be rejected and the
	// previous snapshot kept.
	require.NoError(t, os.WriteFile(path, []byte("app:\n  log_level: verbose\n"), 0o644))
	assert.Never(t, func() bool {
		return w.Current().App.LogLevel != "info"
	}, time.Second, 100*time.Millisecond)

	// A subsequent valid edit still applies.
	require.NoError(t, os.WriteFile(path, []byte("app:\n  log_level: warn\n"), 0o644))
	assert.Eventually(t, func() bool {
		return w.Current().App.LogLevel == "warn"
	}, 5*time.Second, 50*time.Millisecond)
}
