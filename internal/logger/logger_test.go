package logger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"polytrade.com/internal/config"
)

func TestFileOutputWritesStructuredFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := New(config.LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.With(Component("scheduler")).Info("session started",
		String("session_id", "s-1"),
		Int("restarts", 2),
		Duration("backoff", time.Second),
		Error(errors.New("feed stale")))
	log.Debug("hidden")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "session started", entry["message"])
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "s-1", entry["session_id"])
	assert.EqualValues(t, 2, entry["restarts"])
	assert.Equal(t, "feed stale", entry["error"])
}

func TestInvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
