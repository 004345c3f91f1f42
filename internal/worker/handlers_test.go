package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/chronicle/internal/config"
	"github.com/thebtf/chronicle/internal/db/sqlite"
	"github.com/thebtf/chronicle/internal/ratelimit"
)

// testService creates a Service over a seeded temp database.
func testService(t *testing.T, limiter ratelimit.Limiter) (*Service, func()) {
	t.Helper()

	dir := t.TempDir()
	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: filepath.Join(dir, "chronicle.db")})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.ExecContext(ctx, `
		INSERT INTO sessions (id, origin_session_id, source_path, created_at, created_at_epoch)
		VALUES ('s1', 's1', '/tmp/a.jsonl', '2026-08-01T10:00:00Z', 1754042400000)`)
	require.NoError(t, err)
	_, err = store.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, kind, timestamp, timestamp_epoch, user_text)
		VALUES ('m1', 's1', 'user', '2026-08-01T10:00:01Z', 1754042401000, 'hello')`)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.AuditLogPath = filepath.Join(dir, "audit.jsonl")
	if limiter == nil {
		limiter = ratelimit.NewTokenBucket(10000)
	}

	svc := NewService("test-version", cfg, store, limiter)
	svc.ready.Store(true)

	cleanup := func() {
		svc.cancel()
		_ = store.Close()
	}
	return svc, cleanup
}

func postQuery(t *testing.T, svc *Service, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleQuery_ReturnsRows(t *testing.T) {
	svc, cleanup := testService(t, nil)
	defer cleanup()

	rec := postQuery(t, svc, `{"sql":"SELECT id, kind FROM messages"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["rowCount"])
	assert.Contains(t, body["query"], "LIMIT ?")

	results := body["results"].([]any)
	row := results[0].(map[string]any)
	assert.Equal(t, "m1", row["id"])
	assert.Equal(t, "user", row["kind"])
}

func TestHandleQuery_RejectsMutations(t *testing.T) {
	svc, cleanup := testService(t, nil)
	defer cleanup()

	for _, stmt := range []string{
		`{"sql":"DELETE FROM messages"}`,
		`{"sql":"SELECT * FROM messages; DROP TABLE messages"}`,
		`{"sql":"SELECT * FROM messages -- sneak"}`,
	} {
		rec := postQuery(t, svc, stmt)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "statement: %s", stmt)

		body := decodeBody(t, rec)
		errObj := body["error"].(map[string]any)
		assert.NotEmpty(t, errObj["kind"])
	}

	// Nothing was deleted by the attempts.
	rec := postQuery(t, svc, `{"sql":"SELECT COUNT(*) AS n FROM messages LIMIT 1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleQuery_RateLimitedWithRetryAfter(t *testing.T) {
	svc, cleanup := testService(t, ratelimit.NewSlidingWindow(1))
	defer cleanup()

	rec := postQuery(t, svc, `{"sql":"SELECT id FROM messages LIMIT 1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postQuery(t, svc, `{"sql":"SELECT id FROM messages LIMIT 1"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "rate_limited", errObj["kind"])
	assert.Positive(t, errObj["retryAfterMs"].(float64))
}

func TestHandleQuery_MalformedBody(t *testing.T) {
	svc, cleanup := testService(t, nil)
	defer cleanup()

	rec := postQuery(t, svc, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuery_ExecutionErrorIsOpaque(t *testing.T) {
	svc, cleanup := testService(t, nil)
	defer cleanup()

	rec := postQuery(t, svc, `{"sql":"SELECT nope FROM no_such_table LIMIT 1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "query_failed", errObj["kind"])
	// The driver's message must not leak to the caller.
	assert.NotContains(t, errObj["message"], "no_such_table")
}

func TestHandleQuery_CallerLimitApplies(t *testing.T) {
	svc, cleanup := testService(t, nil)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.store.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, kind, timestamp, timestamp_epoch)
			VALUES (?, 's1', 'assistant', '2026-08-01T10:00:02Z', 1754042402000)`,
			"extra-"+string(rune('a'+i)))
		require.NoError(t, err)
	}

	rec := postQuery(t, svc, `{"sql":"SELECT id FROM messages","limit":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["rowCount"])
}

func TestHandleHealth(t *testing.T) {
	svc, cleanup := testService(t, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-version", body["version"])
}

func TestHandleHealth_NotReady(t *testing.T) {
	svc, cleanup := testService(t, nil)
	defer cleanup()
	svc.ready.Store(false)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStats(t *testing.T) {
	svc, cleanup := testService(t, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["sessions"])
	assert.EqualValues(t, 1, body["messages"])
}

func TestCallerIdentityPrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Caller-ID", "svc-reporting")
	assert.Equal(t, "svc-reporting", callerIdentity(req))

	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	plain.RemoteAddr = "10.0.0.7:41234"
	assert.Equal(t, "10.0.0.7", callerIdentity(plain))
}
