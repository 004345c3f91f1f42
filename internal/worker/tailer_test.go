package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/chronicle/internal/audit"
	"github.com/thebtf/chronicle/internal/worker/sse"
)

func writeAuditEntries(t *testing.T, path string, entries ...audit.Entry) {
	t.Helper()
	trail, err := audit.NewLogger(path)
	require.NoError(t, err)
	trail.Record(entries)
	require.NoError(t, trail.Close())
}

func TestTailerConsumesCompleteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	writeAuditEntries(t, path,
		audit.Entry{Operation: audit.OpInsert, Table: "sessions", SessionID: "s1"},
		audit.Entry{Operation: audit.OpInsert, Table: "messages", SessionID: "s1", MessageID: "m1"},
	)

	tailer := newAuditTailer(path, sse.NewBroadcaster())
	tailer.drain()

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), tailer.offset, "both entries consumed")
}

func TestTailerLeavesPartialLineForNextPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	writeAuditEntries(t, path, audit.Entry{Operation: audit.OpInsert, Table: "sessions"})

	st, err := os.Stat(path)
	require.NoError(t, err)
	complete := st.Size()

	// Simulate a writer mid-append.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"partial`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tailer := newAuditTailer(path, sse.NewBroadcaster())
	tailer.drain()
	assert.Equal(t, complete, tailer.offset)
}

func TestTailerHandlesMissingFile(t *testing.T) {
	tailer := newAuditTailer(filepath.Join(t.TempDir(), "nope.jsonl"), sse.NewBroadcaster())
	tailer.drain() // must not panic
	assert.Zero(t, tailer.offset)
}

func TestTailerResetsOnRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	writeAuditEntries(t, path,
		audit.Entry{Operation: audit.OpInsert, Table: "sessions"},
		audit.Entry{Operation: audit.OpInsert, Table: "messages"},
	)

	tailer := newAuditTailer(path, sse.NewBroadcaster())
	tailer.drain()
	require.Positive(t, tailer.offset)

	// Rotation: replaced with a shorter file.
	require.NoError(t, os.Remove(path))
	writeAuditEntries(t, path, audit.Entry{Operation: audit.OpInsert, Table: "sessions"})

	tailer.drain()
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), tailer.offset)
}
