package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	updates := make(chan AppConfig, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, nil, func(cfg AppConfig) { updates <- cfg })
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	changed := strings.Replace(sampleYAML, "maxCapitalPerSymbol: 0.25", "maxCapitalPerSymbol: 0.10", 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))

	select {
	case cfg := <-updates:
		assert.Equal(t, 0.10, cfg.Risk.MaxCapitalPerSymbol)
	case <-time.After(3 * time.Second):
		t.Fatal("expected reload callback")
	}
	last, lastErr := w.LastReload()
	assert.False(t, last.IsZero())
	assert.NoError(t, lastErr)
}

func TestWatcherRejectsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	called := false
	w, err := NewWatcher(path, 0, nil, func(AppConfig) { called = true })
	require.NoError(t, err)
	defer w.Stop()

	bad := strings.Replace(sampleYAML, "maxCapitalPerSymbol: 0.25", "maxCapitalPerSymbol: 3", 1)
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	assert.Error(t, w.Reload())
	assert.False(t, called)
	_, lastErr := w.LastReload()
	assert.Error(t, lastErr)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	assert.NoError(t, w.Reload())
	assert.True(t, called)
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w, err := NewWatcher(writeTempConfig(t, sampleYAML), 0, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
