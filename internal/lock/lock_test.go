package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
)

type LockTestSuite struct {
	suite.Suite
	dir string
	mgr *Manager
}

func TestLockTestSuite(t *testing.T) {
	suite.Run(t, new(LockTestSuite))
}

func (s *LockTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	mgr, err := NewManager(s.dir, ManagerConfig{
		StaleAfter:   time.Minute,
		PollInterval: 5 * time.Millisecond,
	})
	s.Require().NoError(err)
	s.mgr = mgr
}

func (s *LockTestSuite) TestAcquireWritesHolderInfo() {
	l, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	defer l.Release()

	data, err := os.ReadFile(filepath.Join(s.dir, "store.lock"))
	s.Require().NoError(err)

	var info holderInfo
	s.Require().NoError(json.Unmarshal(data, &info))
	s.Equal(os.Getpid(), info.PID)
	s.NotEmpty(info.AcquiredAt)
}

func (s *LockTestSuite) TestSecondAcquireTimesOut() {
	l, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	defer l.Release()

	start := time.Now()
	_, err = s.mgr.Acquire(context.Background(), "store", 30*time.Millisecond)
	s.Require().ErrorIs(err, ErrLockHeld)
	s.Less(time.Since(start), 500*time.Millisecond)
}

func (s *LockTestSuite) TestReleaseAllowsReacquire() {
	l, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	s.Require().NoError(l.Release())

	l2, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	s.Require().NoError(l2.Release())
}

func (s *LockTestSuite) TestDistinctNamesDoNotContend() {
	a, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	defer a.Release()

	b, err := s.mgr.Acquire(context.Background(), "audit", time.Second)
	s.Require().NoError(err)
	defer b.Release()
}

func (s *LockTestSuite) TestStaleLockIsBroken() {
	// Simulate a crashed holder: a marker whose acquired_at is old.
	stale := holderInfo{
		PID:        99999,
		Host:       "dead-host",
		AcquiredAt: time.Now().Add(-time.Hour).Format(time.RFC3339),
	}
	data, err := json.Marshal(stale)
	s.Require().NoError(err)
	path := filepath.Join(s.dir, "store.lock")
	s.Require().NoError(os.WriteFile(path, data, 0o644))

	l, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	defer l.Release()

	// The marker now belongs to us.
	fresh, err := os.ReadFile(path)
	s.Require().NoError(err)
	var info holderInfo
	s.Require().NoError(json.Unmarshal(fresh, &info))
	s.Equal(os.Getpid(), info.PID)
}

func (s *LockTestSuite) TestFreshLockIsNotBroken() {
	held := holderInfo{
		PID:        99999,
		Host:       "other-host",
		AcquiredAt: time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(held)
	s.Require().NoError(err)
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, "store.lock"), data, 0o644))

	_, err = s.mgr.Acquire(context.Background(), "store", 30*time.Millisecond)
	s.Require().ErrorIs(err, ErrLockHeld)
}

func (s *LockTestSuite) TestCorruptMarkerFallsBackToMtime() {
	path := filepath.Join(s.dir, "store.lock")
	s.Require().NoError(os.WriteFile(path, []byte("not json"), 0o644))
	old := time.Now().Add(-time.Hour)
	s.Require().NoError(os.Chtimes(path, old, old))

	l, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	defer l.Release()
}

func (s *LockTestSuite) TestAcquireStopsOnContextCancel() {
	l, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	defer l.Release()

	// Cancellation must win over the much longer acquisition timeout.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = s.mgr.Acquire(ctx, "store", time.Minute)
	s.Require().ErrorIs(err, context.Canceled)
	s.Less(time.Since(start), time.Second)
}

func (s *LockTestSuite) TestReleaseIsIdempotent() {
	l, err := s.mgr.Acquire(context.Background(), "store", time.Second)
	s.Require().NoError(err)
	s.Require().NoError(l.Release())
	s.Require().NoError(l.Release())
}
