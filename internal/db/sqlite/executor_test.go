package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/chronicle/internal/audit"
	"github.com/thebtf/chronicle/internal/mapper"
	"github.com/thebtf/chronicle/pkg/models"
)

type ExecutorTestSuite struct {
	suite.Suite
	dir      string
	store    *Store
	pool     *Pool
	trail    *audit.Logger
	executor *Executor
	ctx      context.Context
}

func TestExecutorTestSuite(t *testing.T) {
	suite.Run(t, new(ExecutorTestSuite))
}

func (s *ExecutorTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.ctx = context.Background()

	store, err := NewStore(StoreConfig{Path: filepath.Join(s.dir, "chronicle.db")})
	s.Require().NoError(err)
	s.store = store

	trail, err := audit.NewLogger(filepath.Join(s.dir, "audit.jsonl"))
	s.Require().NoError(err)
	s.trail = trail

	s.pool = NewPool(store.DB(), PoolConfig{MaxSize: 2, AcquireTimeout: 5 * time.Second})
	s.executor = NewExecutor(s.pool, trail, ExecutorConfig{
		FKRetryLimit:   3,
		BusyRetryLimit: 2,
		BackoffBase:    time.Millisecond,
	})
}

func (s *ExecutorTestSuite) TearDownTest() {
	s.pool.Close()
	s.Require().NoError(s.trail.Close())
	s.Require().NoError(s.store.Close())
}

func (s *ExecutorTestSuite) count(query string, args ...any) int {
	var n int
	s.Require().NoError(s.store.QueryRowContext(s.ctx, query, args...).Scan(&n))
	return n
}

func nstr(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// fullBatch builds a batch covering every record type, the way one
// transcript pass would produce it.
func fullBatch() mapper.Records {
	now := time.Now()
	ts := now.Format(time.RFC3339)
	epoch := now.UnixMilli()

	return mapper.Records{
		Sessions: []models.Session{
			{ID: "sess-1", OriginSessionID: "sess-1", SourcePath: "/tmp/a.jsonl", CreatedAt: ts, CreatedAtEpoch: epoch},
			{ID: "sess-1", OriginSessionID: "sess-1", SourcePath: "/tmp/a.jsonl", CreatedAt: ts, CreatedAtEpoch: epoch},
		},
		Messages: []models.Message{
			{ID: "msg-1", SessionID: "sess-1", Kind: models.MessageKindUser, Timestamp: ts, TimestampEpoch: epoch, UserText: nstr("list the files")},
			{ID: "msg-2", SessionID: "sess-1", Kind: models.MessageKindAssistant, Timestamp: ts, TimestampEpoch: epoch, AssistantText: nstr("running ls"), ParentID: nstr("msg-1")},
		},
		ToolUses: []models.ToolUse{
			{ID: "toolu_01abc", MessageID: "msg-2", SessionID: "sess-1", ToolName: "Bash", ParamsJSON: `{"command":"ls"}`, CreatedAt: ts, CreatedAtEpoch: epoch},
		},
		ToolResults: []models.ToolResult{
			{ID: "res-uuid-1", ToolUseID: "toolu_01abc", MessageID: "msg-2", SessionID: "sess-1", Output: nstr("a.go\nb.go"), OutputType: "text", CreatedAt: ts, CreatedAtEpoch: epoch},
		},
		Attachments: []models.Attachment{
			{ID: "att-1", MessageID: "msg-1", SessionID: "sess-1", Type: models.AttachmentTypeFile, FilePath: nstr("/src/a.go")},
		},
		EnvInfos: []models.EnvInfo{
			{MessageID: "msg-1", SessionID: "sess-1", WorkingDir: nstr("/src"), Platform: nstr("linux"), GitBranch: nstr("main")},
		},
	}
}

func (s *ExecutorTestSuite) TestExecuteBatchInsertsAllRecordTypes() {
	res, err := s.executor.ExecuteBatch(s.ctx, fullBatch())
	s.Require().NoError(err)

	s.Equal(1, res.Inserted["sessions"], "duplicate session ids in one batch collapse")
	s.Equal(2, res.Inserted["messages"])
	s.Equal(1, res.Inserted["tool_uses"])
	s.Equal(1, res.Inserted["tool_results"])
	s.Equal(1, res.Inserted["attachments"])
	s.Equal(1, res.Inserted["env_infos"])
	s.Empty(res.Failures)
	s.Zero(res.Repaired)

	s.Equal(1, s.count("SELECT COUNT(*) FROM sessions"))
	s.Equal(2, s.count("SELECT COUNT(*) FROM messages"))
	s.Equal(1, s.count("SELECT COUNT(*) FROM tool_uses WHERE id = ?", "toolu_01abc"))
}

func (s *ExecutorTestSuite) TestReingestionIsIdempotent() {
	_, err := s.executor.ExecuteBatch(s.ctx, fullBatch())
	s.Require().NoError(err)

	// Re-processing the same transcript must not duplicate anything.
	res, err := s.executor.ExecuteBatch(s.ctx, fullBatch())
	s.Require().NoError(err)

	s.Zero(res.Total(), "second pass writes nothing")
	s.Equal(1, res.Updated["sessions"])
	s.Equal(2, res.Updated["messages"])
	s.Equal(1, res.Updated["tool_uses"])
	s.Equal(1, res.Updated["tool_results"])
	s.Equal(1, res.Updated["attachments"])
	s.Equal(1, res.Updated["env_infos"])

	s.Equal(2, s.count("SELECT COUNT(*) FROM messages"))
	s.Equal(1, s.count("SELECT COUNT(*) FROM tool_results"))
}

func (s *ExecutorTestSuite) TestToolResultDedupeKeyedOnToolUseID() {
	first := fullBatch()
	_, err := s.executor.ExecuteBatch(s.ctx, first)
	s.Require().NoError(err)

	// A re-extraction generates a fresh result id but the same origin
	// tool-call id; it must be treated as the same result.
	again := fullBatch()
	again.ToolResults[0].ID = "res-uuid-2"
	res, err := s.executor.ExecuteBatch(s.ctx, again)
	s.Require().NoError(err)

	s.Zero(res.Inserted["tool_results"])
	s.Equal(1, res.Updated["tool_results"])
	s.Equal(1, s.count("SELECT COUNT(*) FROM tool_results WHERE tool_use_id = ?", "toolu_01abc"))
	s.Equal(1, s.count("SELECT COUNT(*) FROM tool_results WHERE id = ?", "res-uuid-1"))
}

func (s *ExecutorTestSuite) TestRepairsMissingParentsForOrphanedToolRecords() {
	now := time.Now()
	ts := now.Format(time.RFC3339)
	epoch := now.UnixMilli()

	// A result whose carrier message and tool use never appeared, e.g. the
	// originating lines were malformed and skipped.
	rec := mapper.Records{
		ToolResults: []models.ToolResult{
			{ID: "res-orphan", ToolUseID: "toolu_lost", MessageID: "msg-lost", SessionID: "sess-lost",
				Output: nstr("late output"), OutputType: "text", CreatedAt: ts, CreatedAtEpoch: epoch},
		},
	}

	res, err := s.executor.ExecuteBatch(s.ctx, rec)
	s.Require().NoError(err)

	s.Equal(1, res.Inserted["tool_results"])
	s.GreaterOrEqual(res.Repaired, 1)
	s.Equal(1, res.Inserted["sessions"], "placeholder session synthesized")
	s.Equal(1, res.Inserted["messages"], "placeholder message synthesized")
	s.Equal(1, res.Inserted["tool_uses"], "placeholder tool use synthesized")

	var kind string
	s.Require().NoError(s.store.QueryRowContext(s.ctx,
		"SELECT kind FROM messages WHERE id = ?", "msg-lost").Scan(&kind))
	s.Equal("tool_carrier", kind)

	var toolName string
	s.Require().NoError(s.store.QueryRowContext(s.ctx,
		"SELECT tool_name FROM tool_uses WHERE id = ?", "toolu_lost").Scan(&toolName))
	s.Equal("unknown", toolName)

	var sourcePath string
	s.Require().NoError(s.store.QueryRowContext(s.ctx,
		"SELECT source_path FROM sessions WHERE id = ?", "sess-lost").Scan(&sourcePath))
	s.Equal("unknown", sourcePath)
}

func (s *ExecutorTestSuite) TestRepairedParentSurvivesLateArrivalOfRealRecord() {
	now := time.Now()
	ts := now.Format(time.RFC3339)
	epoch := now.UnixMilli()

	orphan := mapper.Records{
		ToolResults: []models.ToolResult{
			{ID: "res-1", ToolUseID: "toolu_x", MessageID: "msg-x", SessionID: "sess-x",
				Output: nstr("out"), OutputType: "text", CreatedAt: ts, CreatedAtEpoch: epoch},
		},
	}
	_, err := s.executor.ExecuteBatch(s.ctx, orphan)
	s.Require().NoError(err)

	// The real tool use arrives in a later pass; its id already exists as a
	// placeholder, so it counts as an update and nothing duplicates.
	late := mapper.Records{
		ToolUses: []models.ToolUse{
			{ID: "toolu_x", MessageID: "msg-x", SessionID: "sess-x", ToolName: "Read",
				ParamsJSON: `{"file":"a.go"}`, CreatedAt: ts, CreatedAtEpoch: epoch},
		},
	}
	res, err := s.executor.ExecuteBatch(s.ctx, late)
	s.Require().NoError(err)
	s.Zero(res.Inserted["tool_uses"])
	s.Equal(1, res.Updated["tool_uses"])
	s.Equal(1, s.count("SELECT COUNT(*) FROM tool_uses"))
}

func (s *ExecutorTestSuite) TestBatchRollsBackAtomicallyOnUnrepairableRecord() {
	now := time.Now()
	ts := now.Format(time.RFC3339)
	epoch := now.UnixMilli()

	rec := mapper.Records{
		Sessions: []models.Session{
			{ID: "sess-ok", OriginSessionID: "sess-ok", SourcePath: "/tmp/b.jsonl", CreatedAt: ts, CreatedAtEpoch: epoch},
		},
		Messages: []models.Message{
			{ID: "msg-ok", SessionID: "sess-ok", Kind: models.MessageKindUser, Timestamp: ts, TimestampEpoch: epoch, UserText: nstr("hi")},
			// Empty session id cannot be repaired into a placeholder parent.
			{ID: "msg-broken", SessionID: "", Kind: models.MessageKindUser, Timestamp: ts, TimestampEpoch: epoch, UserText: nstr("lost")},
		},
	}

	_, err := s.executor.ExecuteBatch(s.ctx, rec)
	s.Require().Error(err)

	// Nothing from the batch persisted, including the healthy records.
	s.Zero(s.count("SELECT COUNT(*) FROM sessions"))
	s.Zero(s.count("SELECT COUNT(*) FROM messages"))
}

func (s *ExecutorTestSuite) TestExhaustedRepairRollsBackItsBookkeeping() {
	handle, err := s.pool.Acquire(s.ctx)
	s.Require().NoError(err)
	defer s.pool.Release(handle)

	tx, err := handle.Conn().BeginTx(s.ctx, nil)
	s.Require().NoError(err)

	res := newBatchResult()
	run := &batchRun{ctx: s.ctx, tx: tx, res: &res, fkRetryLimit: 2}

	now := time.Now()
	// The repair step heals only the session, so the insert keeps failing
	// on its missing message parent until the retry bound runs out.
	err = run.withRepair("tool_uses", "toolu_ghost", func() error {
		_, execErr := tx.ExecContext(s.ctx, `
			INSERT INTO tool_uses (id, message_id, session_id, tool_name, params_json, created_at, created_at_epoch)
			VALUES ('toolu_ghost', 'msg-ghost', 'sess-ghost', 'Bash', '{}', ?, ?)`,
			now.Format(time.RFC3339), now.UnixMilli())
		return execErr
	}, func() error {
		return run.repairSession("sess-ghost")
	})
	s.Require().ErrorIs(err, ErrForeignKey)
	s.Require().NoError(tx.Commit())

	// The placeholder session rolled back with the savepoint; neither the
	// counters nor the audit entries may still claim it.
	s.Empty(run.entries)
	s.Zero(res.Repaired)
	s.Zero(res.Inserted["sessions"])
	s.Len(res.Failures, 1)
	s.Zero(s.count("SELECT COUNT(*) FROM sessions WHERE id = 'sess-ghost'"))
}

func (s *ExecutorTestSuite) TestEmptyBatchIsNoOp() {
	res, err := s.executor.ExecuteBatch(s.ctx, mapper.Records{})
	s.Require().NoError(err)
	s.Zero(res.Total())
	s.Empty(res.Updated)
}

func (s *ExecutorTestSuite) TestAuditTrailRecordsCommittedMutations() {
	_, err := s.executor.ExecuteBatch(s.ctx, fullBatch())
	s.Require().NoError(err)

	data, err := os.ReadFile(filepath.Join(s.dir, "audit.jsonl"))
	s.Require().NoError(err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	// session + two messages + tool use + tool result.
	s.Len(lines, 5)
	s.Contains(lines[0], `"operation":"insert"`)
	s.Contains(lines[0], `"table":"sessions"`)
}

func (s *ExecutorTestSuite) TestAuditTrailMarksRepairs() {
	now := time.Now()
	rec := mapper.Records{
		ToolUses: []models.ToolUse{
			{ID: "toolu_r", MessageID: "msg-r", SessionID: "sess-r", ToolName: "Bash",
				ParamsJSON: "{}", CreatedAt: now.Format(time.RFC3339), CreatedAtEpoch: now.UnixMilli()},
		},
	}
	_, err := s.executor.ExecuteBatch(s.ctx, rec)
	s.Require().NoError(err)

	data, err := os.ReadFile(filepath.Join(s.dir, "audit.jsonl"))
	s.Require().NoError(err)
	s.Contains(string(data), `"operation":"repair"`)
}
