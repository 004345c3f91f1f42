package worker

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chronicle/internal/audit"
	"github.com/thebtf/chronicle/internal/worker/sse"
)

// auditTailer follows the audit log and broadcasts each new entry. The
// sync daemon and the query server are separate processes, so the shared
// append-only file is the notification channel between them.
type auditTailer struct {
	path        string
	broadcaster *sse.Broadcaster
	interval    time.Duration
	offset      int64
}

func newAuditTailer(path string, b *sse.Broadcaster) *auditTailer {
	return &auditTailer{path: path, broadcaster: b, interval: time.Second}
}

// run polls for appended entries until ctx is cancelled. It starts at the
// current end of file: clients get changes from connection time onward.
func (t *auditTailer) run(ctx context.Context) {
	if st, err := os.Stat(t.path); err == nil {
		t.offset = st.Size()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.drain()
		}
	}
}

// drain reads entries appended since the last poll.
func (t *auditTailer) drain() {
	f, err := os.Open(t.path)
	if err != nil {
		return // audit log may not exist until the first mutation
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return
	}
	if st.Size() < t.offset {
		// Trail was rotated; start over from the beginning.
		t.offset = 0
	}
	if st.Size() == t.offset {
		return
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// Unterminated final line: the writer is mid-append, pick it up
			// next poll.
			return
		}
		t.offset += int64(len(line))

		var entry audit.Entry
		if err := json.Unmarshal(bytes.TrimSpace(line), &entry); err != nil {
			log.Debug().Err(err).Msg("Skipping unreadable audit entry")
			continue
		}
		t.broadcaster.Broadcast(entry)
	}
}
