/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-proxykit/log"
)

func TestRecorder(t *testing.T) {
	recorder := NewRecorder()
	recorder.Info("connection opened", log.String("authority", "backend-1:8443"))
	recorder.With(log.String("request_id", "req-1")).Warn("slot wait timed out")
	recorder.Debugf("retrying %d more times", 2)

	entries := recorder.Entries()
	require.Len(t, entries, 3)

	entry, found := recorder.FindEntry("connection opened")
	require.True(t, found)
	require.Equal(t, log.LevelInfo, entry.Level)
	field, found := entry.FindField("authority")
	require.True(t, found)
	require.Equal(t, "backend-1:8443", string(field.Bytes))

	entry, found = recorder.FindEntryByFilter(func(entry RecordedEntry) bool {
		return entry.Level == log.LevelWarn
	})
	require.True(t, found)
	require.Equal(t, "slot wait timed out", entry.Text)
	_, found = entry.FindField("request_id")
	require.True(t, found)

	warnOrAbove := recorder.FindAllEntriesByFilter(func(entry RecordedEntry) bool {
		return entry.Level == log.LevelWarn || entry.Level == log.LevelError
	})
	require.Len(t, warnOrAbove, 1)

	_, found = recorder.FindEntry("never logged")
	require.False(t, found)

	recorder.Reset()
	require.Empty(t, recorder.Entries())
}
