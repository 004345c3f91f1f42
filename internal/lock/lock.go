// Package lock provides cross-process advisory locks built on marker
// files. Exclusive creation (O_EXCL) gives the atomicity; holder metadata
// in the file lets other processes detect and break stale locks left by
// crashed holders.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ErrLockHeld is returned when the lock could not be acquired within the
// caller's timeout.
var ErrLockHeld = errors.New("lock held by another process")

// holderInfo is the marker file payload.
type holderInfo struct {
	PID        int    `json:"pid"`
	Host       string `json:"host"`
	AcquiredAt string `json:"acquired_at"`
}

// Manager creates locks under a single directory.
type Manager struct {
	dir          string
	staleAfter   time.Duration
	pollInterval time.Duration
}

// ManagerConfig tunes lock acquisition behavior.
type ManagerConfig struct {
	// StaleAfter is how old a marker file must be before another process
	// may break it. Zero means ten minutes.
	StaleAfter time.Duration
	// PollInterval is the retry cadence while waiting. Zero means 100ms.
	PollInterval time.Duration
}

// NewManager creates the lock directory if needed.
func NewManager(dir string, cfg ManagerConfig) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Manager{dir: dir, staleAfter: cfg.StaleAfter, pollInterval: cfg.PollInterval}, nil
}

// Lock is a held advisory lock. Release removes the marker file.
type Lock struct {
	path string
}

// Path returns the marker file location.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the marker. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Acquire takes the named lock, waiting up to timeout or until ctx is
// cancelled. Stale markers from dead holders are broken and re-contended,
// not silently inherited.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	path := filepath.Join(m.dir, name+".lock")
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := m.tryAcquire(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{path: path}, nil
		}

		if m.breakIfStale(path) {
			continue
		}
		if time.Now().Add(m.pollInterval).After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		}

		timer := time.NewTimer(m.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire attempts exclusive creation of the marker file.
func (m *Manager) tryAcquire(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock marker: %w", err)
	}

	host, _ := os.Hostname()
	info := holderInfo{
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().Format(time.RFC3339),
	}
	data, _ := json.Marshal(info)
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("write lock marker: %w", err)
	}
	return true, f.Close()
}

// breakIfStale removes the marker when its holder info is older than the
// staleness threshold. Returns true when the marker was removed so the
// caller can re-contend immediately.
func (m *Manager) breakIfStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Holder released between our create attempt and this read.
		return os.IsNotExist(err)
	}

	var info holderInfo
	acquired := time.Time{}
	if err := json.Unmarshal(data, &info); err == nil {
		acquired, _ = time.Parse(time.RFC3339, info.AcquiredAt)
	}
	if acquired.IsZero() {
		// Unreadable marker: fall back to the file mtime.
		st, err := os.Stat(path)
		if err != nil {
			return os.IsNotExist(err)
		}
		acquired = st.ModTime()
	}

	if time.Since(acquired) < m.staleAfter {
		return false
	}

	log.Warn().Str("path", path).Int("holder_pid", info.PID).
		Str("acquired_at", info.AcquiredAt).Msg("Breaking stale lock")
	return os.Remove(path) == nil
}
