/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	logFilePath := filepath.Join(t.TempDir(), "test.log")
	cfg := NewDefaultConfig()
	cfg.Level = LevelInfo
	cfg.Output = OutputFile
	cfg.File.Path = logFilePath

	logger, closeFn := NewLogger(cfg)
	logger.Info("connection opened", String("authority", "backend-1:8443"), Int("attempt", 1))
	logger.Debug("should be filtered out by level")
	logger.Warnf("retrying in %s", time.Second)
	closeFn()

	data, err := os.ReadFile(logFilePath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"connection opened"`)
	require.Contains(t, string(data), `"authority":"backend-1:8443"`)
	require.Contains(t, string(data), `"attempt":1`)
	require.Contains(t, string(data), "retrying in 1s")
	require.NotContains(t, string(data), "should be filtered out by level")

	firstLine, _, found := bytes.Cut(data, []byte("\n"))
	require.True(t, found)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(firstLine, &entry))
	require.Equal(t, "info", entry["level"])
	require.NotEmpty(t, entry["time"])
}

func TestNewLoggerResolvesPathPlaceholders(t *testing.T) {
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.Output = OutputFile
	cfg.File.Path = filepath.Join(dir, "test-{{pid}}.log")

	logger, closeFn := NewLogger(cfg)
	logger.Info("hello")
	closeFn()

	matches, err := filepath.Glob(filepath.Join(dir, "test-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NotContains(t, matches[0], "{{pid}}")
}

func TestDurationIn(t *testing.T) {
	f := DurationIn(time.Second*3, time.Millisecond)
	require.Equal(t, "duration", f.Key)
	require.EqualValues(t, 3000, f.Int)
}
