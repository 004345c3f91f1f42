// Package audit appends one JSON line per successful store mutation to an
// append-only trail. External consumers may tail the file for change
// notification; a write failure here never fails the owning transaction.
package audit

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Operation is the mutation kind recorded in an entry.
type Operation string

const (
	OpInsert Operation = "insert"
	OpRepair Operation = "repair" // placeholder parent synthesized during FK recovery
)

// Entry is one audit line.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Operation Operation `json:"operation"`
	Table     string    `json:"table"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	Summary   string    `json:"summary,omitempty"`
}

// Logger serializes audit writes to one append-only file.
type Logger struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewLogger opens (or creates) the trail at path.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{path: path, f: f}, nil
}

// Record appends entries for committed mutations. Failures are logged and
// swallowed: the data is already durable in the store and the trail is
// advisory.
func (l *Logger) Record(entries []Entry) {
	if l == nil || len(entries) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range entries {
		e := entries[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Timestamp == "" {
			e.Timestamp = time.Now().Format(time.RFC3339)
		}

		data, err := json.Marshal(e)
		if err != nil {
			log.Error().Err(err).Str("table", e.Table).Msg("Audit entry marshal failed")
			continue
		}
		if _, err := l.f.Write(append(data, '\n')); err != nil {
			log.Error().Err(err).Str("path", l.path).Msg("Audit write failed")
			return
		}
	}
}

// Close closes the trail file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
