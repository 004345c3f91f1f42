package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/chronicle/internal/audit"
	"github.com/thebtf/chronicle/internal/mapper"
	"github.com/thebtf/chronicle/pkg/models"
)

var (
	// ErrStoreBusy marks contention with another writer; the batch is
	// retried with backoff.
	ErrStoreBusy = errors.New("store busy")
	// ErrForeignKey marks a referential failure that survived placeholder
	// repair.
	ErrForeignKey = errors.New("foreign key violation")
)

// ExecutorConfig bounds the retry behavior.
type ExecutorConfig struct {
	FKRetryLimit   int
	BusyRetryLimit int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func (c *ExecutorConfig) defaults() {
	if c.FKRetryLimit <= 0 {
		c.FKRetryLimit = 3
	}
	if c.BusyRetryLimit <= 0 {
		c.BusyRetryLimit = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 50 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Second
	}
}

// BatchResult summarizes one executed batch. A pre-existing primary key
// counts as an update even though the row is left untouched.
type BatchResult struct {
	Inserted map[string]int
	Updated  map[string]int
	Repaired int
	// Failures collects per-record errors; partial success is a normal
	// outcome, not a failure mode.
	Failures []string
}

func newBatchResult() BatchResult {
	return BatchResult{Inserted: map[string]int{}, Updated: map[string]int{}}
}

// Total returns the count of rows actually written.
func (r BatchResult) Total() int {
	n := 0
	for _, v := range r.Inserted {
		n += v
	}
	return n
}

// Executor persists mapped batches atomically and idempotently. Only the
// executor mutates the store, always inside one transaction per batch.
type Executor struct {
	pool  *Pool
	trail *audit.Logger
	cfg   ExecutorConfig
}

// NewExecutor creates an executor over the pool. trail may be nil.
func NewExecutor(pool *Pool, trail *audit.Logger, cfg ExecutorConfig) *Executor {
	cfg.defaults()
	return &Executor{pool: pool, trail: trail, cfg: cfg}
}

// ExecuteBatch writes one mapped batch. On store contention the whole
// batch retries with exponential backoff; on any other failure the
// transaction rolls back and nothing from the batch persists.
func (e *Executor) ExecuteBatch(ctx context.Context, rec mapper.Records) (BatchResult, error) {
	if rec.Empty() {
		return newBatchResult(), nil
	}

	backoff := e.cfg.BackoffBase
	for attempt := 0; ; attempt++ {
		res, entries, err := e.runOnce(ctx, rec)
		if err == nil {
			// The trail records only committed mutations; a trail failure
			// never fails the transaction.
			e.trail.Record(entries)
			return res, nil
		}
		if !errors.Is(err, ErrStoreBusy) || attempt >= e.cfg.BusyRetryLimit {
			return res, err
		}

		log.Warn().Int("attempt", attempt+1).Dur("backoff", backoff).Msg("Store busy, retrying batch")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > e.cfg.BackoffCap {
			backoff = e.cfg.BackoffCap
		}
	}
}

// runOnce executes the batch state machine inside a single transaction.
func (e *Executor) runOnce(ctx context.Context, rec mapper.Records) (BatchResult, []audit.Entry, error) {
	res := newBatchResult()

	handle, err := e.pool.Acquire(ctx)
	if err != nil {
		return res, nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer e.pool.Release(handle)

	tx, err := handle.Conn().BeginTx(ctx, nil)
	if err != nil {
		return res, nil, classify(err, "begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	run := &batchRun{ctx: ctx, tx: tx, res: &res, fkRetryLimit: e.cfg.FKRetryLimit}

	if err := run.ensureSessions(rec.Sessions); err != nil {
		return res, nil, err
	}
	if err := run.insertMessages(rec.Messages); err != nil {
		return res, nil, err
	}
	if err := run.insertToolUses(rec.ToolUses); err != nil {
		return res, nil, err
	}
	if err := run.insertToolResults(rec.ToolResults); err != nil {
		return res, nil, err
	}
	if err := run.insertAttachments(rec.Attachments); err != nil {
		return res, nil, err
	}
	if err := run.insertEnvInfos(rec.EnvInfos); err != nil {
		return res, nil, err
	}

	if err := tx.Commit(); err != nil {
		return res, nil, classify(err, "commit batch")
	}
	committed = true
	return res, run.entries, nil
}

// batchRun carries the per-transaction state.
type batchRun struct {
	ctx          context.Context
	tx           *sql.Tx
	res          *BatchResult
	fkRetryLimit int
	entries      []audit.Entry
	savepoint    int
}

func (r *batchRun) audited(op audit.Operation, table, sessionID, messageID, summary string) {
	r.entries = append(r.entries, audit.Entry{
		Operation: op,
		Table:     table,
		SessionID: sessionID,
		MessageID: messageID,
		Summary:   summary,
	})
}

func (r *batchRun) exists(query string, args ...any) (bool, error) {
	var one int
	err := r.tx.QueryRowContext(r.ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify(err, "existence check")
	}
	return true, nil
}

func (r *batchRun) ensureSessions(sessions []models.Session) error {
	seen := map[string]bool{}
	for _, s := range sessions {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true

		ok, err := r.exists(`SELECT 1 FROM sessions WHERE id = ?`, s.ID)
		if err != nil {
			return err
		}
		if ok {
			r.res.Updated["sessions"]++
			continue
		}

		_, err = r.tx.ExecContext(r.ctx, `
			INSERT INTO sessions (id, origin_session_id, source_path, created_at, created_at_epoch)
			VALUES (?, ?, ?, ?, ?)`,
			s.ID, s.OriginSessionID, s.SourcePath, s.CreatedAt, s.CreatedAtEpoch,
		)
		if err != nil {
			return classify(err, "insert session")
		}
		r.res.Inserted["sessions"]++
		r.audited(audit.OpInsert, "sessions", s.ID, "", "session created from "+s.SourcePath)
	}
	return nil
}

func (r *batchRun) insertMessages(messages []models.Message) error {
	for _, m := range messages {
		ok, err := r.exists(`SELECT 1 FROM messages WHERE id = ?`, m.ID)
		if err != nil {
			return err
		}
		if ok {
			r.res.Updated["messages"]++
			continue
		}

		m := m
		err = r.withRepair("messages", m.ID, func() error {
			_, execErr := r.tx.ExecContext(r.ctx, `
				INSERT INTO messages (id, session_id, kind, timestamp, timestamp_epoch,
					parent_id, is_sidechain, is_system_text,
					user_text, assistant_text, summary_project, summary_active_file, tool_use_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.SessionID, string(m.Kind), m.Timestamp, m.TimestampEpoch,
				m.ParentID, m.IsSidechain, m.IsSystemText,
				m.UserText, m.AssistantText, m.SummaryProject, m.SummaryActiveFile, m.ToolUseID,
			)
			return execErr
		}, func() error {
			return r.repairSession(m.SessionID)
		})
		if errors.Is(err, ErrForeignKey) {
			continue // recorded in Failures
		}
		if err != nil {
			return err
		}
		r.res.Inserted["messages"]++
		r.audited(audit.OpInsert, "messages", m.SessionID, m.ID, string(m.Kind)+" message")
	}
	return nil
}

func (r *batchRun) insertToolUses(uses []models.ToolUse) error {
	for _, tu := range uses {
		ok, err := r.exists(`SELECT 1 FROM tool_uses WHERE id = ?`, tu.ID)
		if err != nil {
			return err
		}
		if ok {
			// Duplicate extraction attempts are no-ops.
			r.res.Updated["tool_uses"]++
			continue
		}

		tu := tu
		err = r.withRepair("tool_uses", tu.ID, func() error {
			_, execErr := r.tx.ExecContext(r.ctx, `
				INSERT INTO tool_uses (id, message_id, session_id, tool_name, params_json, created_at, created_at_epoch)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				tu.ID, tu.MessageID, tu.SessionID, tu.ToolName, tu.ParamsJSON, tu.CreatedAt, tu.CreatedAtEpoch,
			)
			return execErr
		}, func() error {
			if err := r.repairSession(tu.SessionID); err != nil {
				return err
			}
			return r.repairMessage(tu.MessageID, tu.SessionID, tu.CreatedAt, tu.CreatedAtEpoch)
		})
		if errors.Is(err, ErrForeignKey) {
			continue
		}
		if err != nil {
			return err
		}
		r.res.Inserted["tool_uses"]++
		r.audited(audit.OpInsert, "tool_uses", tu.SessionID, tu.MessageID, "tool use "+tu.ToolName)
	}
	return nil
}

func (r *batchRun) insertToolResults(results []models.ToolResult) error {
	for _, tr := range results {
		// A tool use has at most one result, so the origin tool-call id is
		// the natural idempotency key here; our own id is always fresh.
		ok, err := r.exists(`SELECT 1 FROM tool_results WHERE tool_use_id = ?`, tr.ToolUseID)
		if err != nil {
			return err
		}
		if ok {
			r.res.Updated["tool_results"]++
			continue
		}

		tr := tr
		err = r.withRepair("tool_results", tr.ToolUseID, func() error {
			_, execErr := r.tx.ExecContext(r.ctx, `
				INSERT INTO tool_results (id, tool_use_id, message_id, session_id,
					output, output_type, error, error_kind, created_at, created_at_epoch)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				tr.ID, tr.ToolUseID, tr.MessageID, tr.SessionID,
				tr.Output, tr.OutputType, tr.Error, tr.ErrorKind, tr.CreatedAt, tr.CreatedAtEpoch,
			)
			return execErr
		}, func() error {
			if err := r.repairSession(tr.SessionID); err != nil {
				return err
			}
			if err := r.repairMessage(tr.MessageID, tr.SessionID, tr.CreatedAt, tr.CreatedAtEpoch); err != nil {
				return err
			}
			return r.repairToolUse(tr.ToolUseID, tr.MessageID, tr.SessionID, tr.CreatedAt, tr.CreatedAtEpoch)
		})
		if errors.Is(err, ErrForeignKey) {
			continue
		}
		if err != nil {
			return err
		}
		r.res.Inserted["tool_results"]++
		r.audited(audit.OpInsert, "tool_results", tr.SessionID, tr.MessageID, "result for "+tr.ToolUseID)
	}
	return nil
}

func (r *batchRun) insertAttachments(attachments []models.Attachment) error {
	for _, a := range attachments {
		ok, err := r.exists(`
			SELECT 1 FROM attachments
			WHERE message_id = ? AND type = ?
			  AND COALESCE(file_path,'') = ? AND COALESCE(content,'') = ? AND COALESCE(url,'') = ?`,
			a.MessageID, string(a.Type), a.FilePath.String, a.Content.String, a.URL.String,
		)
		if err != nil {
			return err
		}
		if ok {
			r.res.Updated["attachments"]++
			continue
		}

		a := a
		err = r.withRepair("attachments", a.ID, func() error {
			_, execErr := r.tx.ExecContext(r.ctx, `
				INSERT INTO attachments (id, message_id, session_id, type, file_path, content, url)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.MessageID, a.SessionID, string(a.Type), a.FilePath, a.Content, a.URL,
			)
			return execErr
		}, func() error {
			if err := r.repairSession(a.SessionID); err != nil {
				return err
			}
			return r.repairMessage(a.MessageID, a.SessionID, "", 0)
		})
		if errors.Is(err, ErrForeignKey) {
			continue
		}
		if err != nil {
			return err
		}
		r.res.Inserted["attachments"]++
	}
	return nil
}

func (r *batchRun) insertEnvInfos(envs []models.EnvInfo) error {
	for _, env := range envs {
		ok, err := r.exists(`SELECT 1 FROM env_infos WHERE message_id = ?`, env.MessageID)
		if err != nil {
			return err
		}
		if ok {
			r.res.Updated["env_infos"]++
			continue
		}

		env := env
		err = r.withRepair("env_infos", env.MessageID, func() error {
			_, execErr := r.tx.ExecContext(r.ctx, `
				INSERT INTO env_infos (message_id, session_id, working_dir, platform, git_branch, version)
				VALUES (?, ?, ?, ?, ?, ?)`,
				env.MessageID, env.SessionID, env.WorkingDir, env.Platform, env.GitBranch, env.Version,
			)
			return execErr
		}, func() error {
			if err := r.repairSession(env.SessionID); err != nil {
				return err
			}
			return r.repairMessage(env.MessageID, env.SessionID, "", 0)
		})
		if errors.Is(err, ErrForeignKey) {
			continue
		}
		if err != nil {
			return err
		}
		r.res.Inserted["env_infos"]++
	}
	return nil
}

// withRepair runs insert inside a savepoint. Foreign-key violations
// trigger the repair step and a bounded retry; if the bound is exhausted
// the savepoint rolls back so the failed record leaves no partial rows,
// and the failure is recorded rather than silently dropped. Errors other
// than FK violations propagate and roll back the whole batch.
func (r *batchRun) withRepair(table, id string, insert func() error, repair func() error) error {
	r.savepoint++
	sp := fmt.Sprintf("rec_%d", r.savepoint)
	if _, err := r.tx.ExecContext(r.ctx, "SAVEPOINT "+sp); err != nil {
		return classify(err, "savepoint")
	}

	// Repairs count and audit as they run, but their rows live inside this
	// savepoint. Snapshot so a final rollback undoes the bookkeeping too.
	entriesMark := len(r.entries)
	repairedMark := r.res.Repaired
	insertedSnap := make(map[string]int, len(r.res.Inserted))
	for k, v := range r.res.Inserted {
		insertedSnap[k] = v
	}

	var lastErr error
	for attempt := 0; attempt <= r.fkRetryLimit; attempt++ {
		lastErr = insert()
		if lastErr == nil {
			if _, err := r.tx.ExecContext(r.ctx, "RELEASE "+sp); err != nil {
				return classify(err, "release savepoint")
			}
			return nil
		}
		if !isFKViolation(lastErr) {
			_, _ = r.tx.ExecContext(r.ctx, "ROLLBACK TO "+sp)
			return classify(lastErr, "insert "+table)
		}
		if attempt == r.fkRetryLimit {
			break
		}
		if err := repair(); err != nil {
			_, _ = r.tx.ExecContext(r.ctx, "ROLLBACK TO "+sp)
			return classify(err, "repair parents for "+table)
		}
		r.res.Repaired++
	}

	_, _ = r.tx.ExecContext(r.ctx, "ROLLBACK TO "+sp)
	_, _ = r.tx.ExecContext(r.ctx, "RELEASE "+sp)
	r.entries = r.entries[:entriesMark]
	r.res.Repaired = repairedMark
	r.res.Inserted = insertedSnap
	failure := fmt.Sprintf("%s %q: %v (after %d repair attempts)", table, id, ErrForeignKey, r.fkRetryLimit)
	r.res.Failures = append(r.res.Failures, failure)
	log.Warn().Str("table", table).Str("id", id).Err(lastErr).Msg("Record dropped after exhausting FK repair")
	return fmt.Errorf("%w: %s %q", ErrForeignKey, table, id)
}

// repairSession synthesizes a missing session with placeholder fields.
func (r *batchRun) repairSession(id string) error {
	if id == "" {
		return fmt.Errorf("cannot repair session with empty id")
	}
	now := time.Now()
	res, err := r.tx.ExecContext(r.ctx, `
		INSERT OR IGNORE INTO sessions (id, origin_session_id, source_path, created_at, created_at_epoch)
		VALUES (?, ?, 'unknown', ?, ?)`,
		id, id, now.Format(time.RFC3339), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.res.Inserted["sessions"]++
		r.audited(audit.OpRepair, "sessions", id, "", "placeholder session")
	}
	return nil
}

// repairMessage synthesizes a missing placeholder message.
func (r *batchRun) repairMessage(id, sessionID, createdAt string, createdEpoch int64) error {
	if id == "" {
		return fmt.Errorf("cannot repair message with empty id")
	}
	if createdAt == "" {
		now := time.Now()
		createdAt = now.Format(time.RFC3339)
		createdEpoch = now.UnixMilli()
	}
	res, err := r.tx.ExecContext(r.ctx, `
		INSERT OR IGNORE INTO messages (id, session_id, kind, timestamp, timestamp_epoch)
		VALUES (?, ?, 'tool_carrier', ?, ?)`,
		id, sessionID, createdAt, createdEpoch,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.res.Inserted["messages"]++
		r.audited(audit.OpRepair, "messages", sessionID, id, "placeholder message")
	}
	return nil
}

// repairToolUse synthesizes a missing tool use for an orphaned result.
func (r *batchRun) repairToolUse(id, messageID, sessionID, createdAt string, createdEpoch int64) error {
	if id == "" {
		return fmt.Errorf("cannot repair tool use with empty id")
	}
	res, err := r.tx.ExecContext(r.ctx, `
		INSERT OR IGNORE INTO tool_uses (id, message_id, session_id, tool_name, params_json, created_at, created_at_epoch)
		VALUES (?, ?, ?, 'unknown', '{}', ?, ?)`,
		id, messageID, sessionID, createdAt, createdEpoch,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.res.Inserted["tool_uses"]++
		r.audited(audit.OpRepair, "tool_uses", sessionID, messageID, "placeholder tool use")
	}
	return nil
}

// classify maps driver errors onto the executor's typed error kinds.
func classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case isBusy(err):
		return fmt.Errorf("%s: %w: %v", op, ErrStoreBusy, err)
	case isFKViolation(err):
		return fmt.Errorf("%s: %w: %v", op, ErrForeignKey, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isFKViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_FOREIGNKEY")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
