package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrAcquireTimeout is returned when no handle frees up in time.
	ErrAcquireTimeout = errors.New("timed out waiting for a connection")
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxSize        int
	MinIdle        int
	AcquireTimeout time.Duration
	IdleMaxAge     time.Duration
	SweepInterval  time.Duration
}

func (c *PoolConfig) defaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxSize {
		c.MinIdle = 1
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.IdleMaxAge <= 0 {
		c.IdleMaxAge = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Handle is one pooled database connection. Handles are not safe for
// concurrent use; hold one per worker and release it when done.
type Handle struct {
	conn      *sql.Conn
	idleSince time.Time
}

// Conn exposes the underlying connection for transactions.
func (h *Handle) Conn() *sql.Conn {
	return h.conn
}

// Pool hands out bounded, reusable connections. Waiters are served in FIFO
// order; idle handles older than IdleMaxAge are closed on a periodic sweep
// down to MinIdle.
type Pool struct {
	db  *sql.DB
	cfg PoolConfig

	mu      sync.Mutex
	idle    []*Handle
	total   int
	waiters []chan *Handle
	closed  bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewPool creates a pool over the store's database handle.
func NewPool(db *sql.DB, cfg PoolConfig) *Pool {
	cfg.defaults()
	p := &Pool{
		db:        db,
		cfg:       cfg,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Acquire returns an idle handle, creates one up to MaxSize, or waits up
// to AcquireTimeout for a release.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		h := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return h, nil
	}

	if p.total < p.cfg.MaxSize {
		p.total++
		p.mu.Unlock()
		h, err := p.newHandle(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}
		return h, nil
	}

	waiter := make(chan *Handle, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case h, ok := <-waiter:
		if !ok || h == nil {
			return nil, ErrPoolClosed
		}
		return h, nil
	case <-ctx.Done():
		p.abandonWaiter(waiter)
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWaiter(waiter)
		return nil, ErrAcquireTimeout
	}
}

// abandonWaiter removes a waiter; a handle that raced in is re-released.
func (p *Pool) abandonWaiter(waiter chan *Handle) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case h := <-waiter:
		if h != nil {
			p.Release(h)
		}
	default:
	}
}

// Release returns a handle to the pool, waking the oldest waiter first.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = h.conn.Close()
		return
	}

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		waiter <- h
		return
	}

	h.idleSince = time.Now()
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// Close shuts the pool down. In-flight handles are closed as they are
// released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.total -= len(idle)
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	for _, w := range waiters {
		close(w)
	}
	for _, h := range idle {
		_ = h.conn.Close()
	}
}

// Stats reports pool occupancy. Advisory, for logging and health output.
func (p *Pool) Stats() (total, idle, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.idle), len(p.waiters)
}

// newHandle opens a connection and applies the per-connection pragmas.
// journal_mode is a property of the database file, but foreign_keys and
// busy_timeout are per-connection in SQLite.
func (p *Pool) newHandle(ctx context.Context) (*Handle, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open pooled connection: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	return &Handle{conn: conn}, nil
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep closes idle handles older than IdleMaxAge, never shrinking the
// pool below MinIdle.
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	var keep []*Handle
	var expired []*Handle
	for _, h := range p.idle {
		if p.total-len(expired) > p.cfg.MinIdle && now.Sub(h.idleSince) > p.cfg.IdleMaxAge {
			expired = append(expired, h)
			continue
		}
		keep = append(keep, h)
	}
	p.idle = keep
	p.total -= len(expired)
	p.mu.Unlock()

	for _, h := range expired {
		_ = h.conn.Close()
	}
	if len(expired) > 0 {
		log.Debug().Int("closed", len(expired)).Msg("Swept idle pool connections")
	}
}
