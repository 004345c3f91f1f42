package models

import "database/sql"

// ToolUse represents one tool invocation extracted from an assistant turn.
// ID is copied verbatim from the origin tool-call identifier; regenerating
// it breaks every join against tool_results.
type ToolUse struct {
	ID             string `db:"id" json:"id"`
	MessageID      string `db:"message_id" json:"message_id"`
	SessionID      string `db:"session_id" json:"session_id"`
	ToolName       string `db:"tool_name" json:"tool_name"`
	ParamsJSON     string `db:"params_json" json:"params_json"`
	CreatedAt      string `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64  `db:"created_at_epoch" json:"created_at_epoch"`
}

// ToolResultErrorKind is the fixed marker stored when a tool result carried
// an error payload.
const ToolResultErrorKind = "tool_error"

// ToolResult represents one tool execution outcome. The origin format does
// not assign result ids, so ID is generated at extraction time; ToolUseID
// always equals the origin tool-call id it answers.
type ToolResult struct {
	ID             string         `db:"id" json:"id"`
	ToolUseID      string         `db:"tool_use_id" json:"tool_use_id"`
	MessageID      string         `db:"message_id" json:"message_id"`
	SessionID      string         `db:"session_id" json:"session_id"`
	Output         sql.NullString `db:"output" json:"output,omitempty"`
	OutputType     string         `db:"output_type" json:"output_type"`
	Error          sql.NullString `db:"error" json:"error,omitempty"`
	ErrorKind      sql.NullString `db:"error_kind" json:"error_kind,omitempty"`
	CreatedAt      string         `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64          `db:"created_at_epoch" json:"created_at_epoch"`
}
