package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, w *Watcher, timeout time.Duration) (ChangeEvent, bool) {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev, true
	case <-time.After(timeout):
		return ChangeEvent{}, false
	}
}

func TestWatcherEmitsOnWrite(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "project-a")
	require.NoError(t, os.MkdirAll(project, 0o755))

	w, err := New(root)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	path := filepath.Join(project, "session-1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644))

	ev, ok := waitForEvent(t, w, 3*time.Second)
	require.True(t, ok, "expected a change event")
	require.Equal(t, path, ev.Path)
}

func TestWatcherDebouncesRapidWrites(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	require.NoError(t, err)
	w.debounce = 200 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	path := filepath.Join(root, "session-2.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.WriteString(`{"type":"user"}` + "\n")
		require.NoError(t, err)
		require.NoError(t, f.Sync())
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	_, ok := waitForEvent(t, w, 3*time.Second)
	require.True(t, ok, "expected at least one event")

	// The burst should have collapsed; no second event within the window.
	_, again := waitForEvent(t, w, 400*time.Millisecond)
	require.False(t, again, "burst writes should debounce to a single event")
}

func TestWatcherIgnoresNonTranscriptFiles(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	_, ok := waitForEvent(t, w, 500*time.Millisecond)
	require.False(t, ok, "non-jsonl files should not produce events")
}

func TestWatcherWatchesNewProjectDirs(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	project := filepath.Join(root, "project-b")
	require.NoError(t, os.MkdirAll(project, 0o755))
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(project, "session-3.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{}`+"\n"), 0o644))

	ev, ok := waitForEvent(t, w, 3*time.Second)
	require.True(t, ok, "expected event from new project directory")
	require.Equal(t, path, ev.Path)
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
