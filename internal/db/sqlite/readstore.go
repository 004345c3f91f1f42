package sqlite

import (
	"context"
	"fmt"
	"time"
)

// ToolCount pairs a tool name with its invocation count.
type ToolCount struct {
	ToolName string `json:"tool_name"`
	Count    int64  `json:"count"`
}

// Stats summarizes what the store currently holds.
type Stats struct {
	Sessions            int64            `json:"sessions"`
	Messages            int64            `json:"messages"`
	ToolUses            int64            `json:"tool_uses"`
	ToolResults         int64            `json:"tool_results"`
	MessagesByKind      map[string]int64 `json:"messages_by_kind"`
	TopTools            []ToolCount      `json:"top_tools"`
	LatestActivityEpoch int64            `json:"latest_activity_epoch"`
}

// QueryResult carries the rows of one executed read query.
type QueryResult struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Elapsed  time.Duration    `json:"-"`
}

// ReadStore serves the query side. It never writes; mutation stays with
// the executor.
type ReadStore struct {
	store *Store
}

// NewReadStore wraps an open store for read-only use.
func NewReadStore(store *Store) *ReadStore {
	return &ReadStore{store: store}
}

// Stats gathers store-wide counters in one pass.
func (r *ReadStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{MessagesByKind: map[string]int64{}}

	counters := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM sessions", &stats.Sessions},
		{"SELECT COUNT(*) FROM messages", &stats.Messages},
		{"SELECT COUNT(*) FROM tool_uses", &stats.ToolUses},
		{"SELECT COUNT(*) FROM tool_results", &stats.ToolResults},
		{"SELECT COALESCE(MAX(timestamp_epoch), 0) FROM messages", &stats.LatestActivityEpoch},
	}
	for _, c := range counters {
		stmt, err := r.store.GetStmt(c.query)
		if err != nil {
			return stats, err
		}
		if err := stmt.QueryRowContext(ctx).Scan(c.dst); err != nil {
			return stats, fmt.Errorf("stats counter: %w", err)
		}
	}

	rows, err := r.store.QueryContext(ctx,
		"SELECT kind, COUNT(*) FROM messages GROUP BY kind")
	if err != nil {
		return stats, fmt.Errorf("stats by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return stats, err
		}
		stats.MessagesByKind[kind] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	toolRows, err := r.store.QueryContext(ctx, `
		SELECT tool_name, COUNT(*) AS n FROM tool_uses
		GROUP BY tool_name ORDER BY n DESC, tool_name ASC LIMIT 10`)
	if err != nil {
		return stats, fmt.Errorf("stats top tools: %w", err)
	}
	defer toolRows.Close()
	for toolRows.Next() {
		var tc ToolCount
		if err := toolRows.Scan(&tc.ToolName, &tc.Count); err != nil {
			return stats, err
		}
		stats.TopTools = append(stats.TopTools, tc)
	}
	return stats, toolRows.Err()
}

// Query executes an already-validated read statement and materializes the
// rows. Validation belongs to the query guard; this layer trusts its input.
func (r *ReadStore) Query(ctx context.Context, sqlText string, args ...any) (*QueryResult, error) {
	start := time.Now()

	rows, err := r.store.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &QueryResult{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			// The driver hands back []byte for TEXT in some paths; JSON
			// encoding would base64 it, so normalize to string here.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	result.Elapsed = time.Since(start)
	return result, nil
}
