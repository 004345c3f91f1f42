// Package pipeline drives ingestion: change events in, committed batches
// out. Each event triggers a self-contained pass over one transcript file;
// passes for different files run concurrently up to a bound, and every
// pass serializes on the cross-process store lock.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/thebtf/chronicle/internal/db/sqlite"
	"github.com/thebtf/chronicle/internal/lock"
	"github.com/thebtf/chronicle/internal/mapper"
	"github.com/thebtf/chronicle/internal/reader"
	"github.com/thebtf/chronicle/internal/transcript"
	"github.com/thebtf/chronicle/internal/watcher"
)

// Config bounds pipeline behavior.
type Config struct {
	BatchSize      int
	MaxLineBytes   int
	SmallFileBytes int

	MaxConcurrentPasses int64
	LockTimeout         time.Duration
}

func (c *Config) defaults() {
	if c.MaxConcurrentPasses <= 0 {
		c.MaxConcurrentPasses = 4
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
}

// PassResult summarizes one processing pass over one file.
type PassResult struct {
	Path       string
	LinesSeen  int
	LineErrors int
	Inserted   int
	Updated    int
	Problems   []string
	Skipped    bool // nothing new since the stored offset
}

// Pipeline owns one ingestion loop over a transcript tree.
type Pipeline struct {
	store  *sqlite.Store
	exec   *sqlite.Executor
	locks  *lock.Manager
	mapper *mapper.Mapper
	cfg    Config

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]bool
	wg       sync.WaitGroup
}

// New wires a pipeline over already-constructed services; it owns none of
// them and closes nothing.
func New(store *sqlite.Store, exec *sqlite.Executor, locks *lock.Manager, cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		store:    store,
		exec:     exec,
		locks:    locks,
		mapper:   mapper.New(),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentPasses),
		inflight: make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// Run consumes change events until ctx is cancelled or the channel closes,
// then waits for in-flight passes to finish so no batch is left half done.
func (p *Pipeline) Run(ctx context.Context, events <-chan watcher.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				p.wg.Wait()
				return nil
			}
			p.dispatch(ctx, ev.Path)
		}
	}
}

// SyncDir processes every transcript already on disk, for catch-up after
// downtime. Events arriving during the scan queue behind it normally.
func (p *Pipeline) SyncDir(ctx context.Context, dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		p.dispatch(ctx, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan transcript dir: %w", err)
	}
	return nil
}

// Wait blocks until all dispatched passes complete.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// dispatch starts a pass for path unless one is already running, in which
// case the new notification coalesces into a single follow-up pass.
func (p *Pipeline) dispatch(ctx context.Context, path string) {
	p.mu.Lock()
	if p.inflight[path] {
		p.pending[path] = true
		p.mu.Unlock()
		return
	}
	p.inflight[path] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runPass(ctx, path)
	}()
}

func (p *Pipeline) runPass(ctx context.Context, path string) {
	defer p.finish(ctx, path)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	res, err := p.ProcessFile(ctx, path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Processing pass failed")
		return
	}
	if res.Skipped {
		return
	}
	log.Info().Str("path", path).
		Int("lines", res.LinesSeen).
		Int("line_errors", res.LineErrors).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Msg("Transcript pass complete")
	for _, problem := range res.Problems {
		log.Warn().Str("path", path).Str("problem", problem).Msg("Record skipped")
	}
}

// finish clears the in-flight marker and re-dispatches if notifications
// arrived while the pass ran.
func (p *Pipeline) finish(ctx context.Context, path string) {
	p.mu.Lock()
	delete(p.inflight, path)
	rerun := p.pending[path]
	delete(p.pending, path)
	p.mu.Unlock()

	if rerun && ctx.Err() == nil {
		p.dispatch(ctx, path)
	}
}

// ProcessFile runs one pass: take the store lock, resume from the stored
// offset, and push each batch of lines through decode, classify, extract,
// map, and the executor. The offset advances only after the pass commits.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (PassResult, error) {
	res := PassResult{Path: path}

	held, err := p.locks.Acquire(ctx, lockName(path), p.cfg.LockTimeout)
	if err != nil {
		return res, fmt.Errorf("acquire transcript lock: %w", err)
	}
	defer func() {
		if err := held.Release(); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Lock release failed")
		}
	}()

	offset, lineCount, err := p.loadOffset(ctx, path)
	if err != nil {
		return res, err
	}

	src := mapper.Source{Path: path, SessionID: sessionHint(path)}

	stats, err := reader.ReadBatches(ctx, path, reader.Options{
		BatchSize:      p.cfg.BatchSize,
		MaxLineBytes:   p.cfg.MaxLineBytes,
		SmallFileBytes: p.cfg.SmallFileBytes,
		StartOffset:    offset,
		StartLine:      lineCount,
	}, func(batch reader.Batch) error {
		return p.consumeBatch(ctx, batch, src, &res)
	})
	if err != nil {
		return res, err
	}

	res.LinesSeen += stats.Seen
	if stats.Seen == 0 && stats.Errored == 0 {
		res.Skipped = true
		return res, nil
	}

	if err := p.saveOffset(ctx, path, stats.EndOffset, stats.EndLine); err != nil {
		return res, err
	}
	return res, nil
}

// consumeBatch maps one batch of lines and commits it as one transaction.
func (p *Pipeline) consumeBatch(ctx context.Context, batch reader.Batch, src mapper.Source, res *PassResult) error {
	res.LineErrors += len(batch.Errors)
	for _, lineErr := range batch.Errors {
		log.Warn().Str("path", src.Path).Int("line", lineErr.No).
			Str("reason", lineErr.Reason).Str("preview", lineErr.Preview).
			Msg("Skipping malformed line")
	}

	var rec mapper.Records
	for _, raw := range batch.Lines {
		line := transcript.DecodeLine(raw.Raw)
		ext := transcript.Extract(line)
		c := transcript.Classify(line, ext)
		if !c.Known {
			log.Debug().Str("path", src.Path).Int("line", raw.No).
				Str("type", string(line.Type)).Msg("Skipping unrecognized line")
			continue
		}

		mapped, problems := p.mapper.MapLine(line, c, ext, src)
		res.Problems = append(res.Problems, problems...)
		rec.Append(mapped)
	}

	batchRes, err := p.exec.ExecuteBatch(ctx, rec)
	if err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}
	res.Inserted += batchRes.Total()
	for _, n := range batchRes.Updated {
		res.Updated += n
	}
	res.Problems = append(res.Problems, batchRes.Failures...)
	return nil
}

func (p *Pipeline) loadOffset(ctx context.Context, path string) (int64, int, error) {
	var offset int64
	var lines int
	err := p.store.QueryRowContext(ctx,
		"SELECT byte_offset, line_count FROM sync_offsets WHERE transcript_path = ?", path,
	).Scan(&offset, &lines)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load sync offset: %w", err)
	}
	return offset, lines, nil
}

func (p *Pipeline) saveOffset(ctx context.Context, path string, offset int64, lines int) error {
	_, err := p.store.ExecContext(ctx, `
		INSERT INTO sync_offsets (transcript_path, byte_offset, line_count, updated_at_epoch)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(transcript_path) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			line_count = excluded.line_count,
			updated_at_epoch = excluded.updated_at_epoch`,
		path, offset, lines, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save sync offset: %w", err)
	}
	return nil
}

// lockName derives a stable, filesystem-safe lock name for a transcript
// path.
func lockName(path string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return fmt.Sprintf("transcript-%x", h.Sum64())
}

// sessionHint recovers a fallback session id from the file name, used for
// lines that carry no session of their own (summaries).
func sessionHint(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
