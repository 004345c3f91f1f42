// Package models contains the persisted record shapes for chronicle.
package models

import (
	"database/sql"
)

// MessageKind classifies a persisted conversational event.
type MessageKind string

const (
	MessageKindUser      MessageKind = "user"
	MessageKindAssistant MessageKind = "assistant"
	MessageKindSystem    MessageKind = "system"
	MessageKindSummary   MessageKind = "summary"
	// MessageKindToolCarrier marks a synthetic placeholder row created only
	// so that extracted tool records have a message to reference.
	MessageKindToolCarrier MessageKind = "tool_carrier"
)

// Session represents one conversation container. The id is preserved from
// the origin transcript, never regenerated, because every child row keys
// off it.
type Session struct {
	ID              string `db:"id" json:"id"`
	OriginSessionID string `db:"origin_session_id" json:"origin_session_id"`
	SourcePath      string `db:"source_path" json:"source_path"`
	CreatedAt       string `db:"created_at" json:"created_at"`
	CreatedAtEpoch  int64  `db:"created_at_epoch" json:"created_at_epoch"`
}

// Message represents one line-level conversational event.
type Message struct {
	ID             string         `db:"id" json:"id"`
	SessionID      string         `db:"session_id" json:"session_id"`
	Kind           MessageKind    `db:"kind" json:"kind"`
	Timestamp      string         `db:"timestamp" json:"timestamp"`
	TimestampEpoch int64          `db:"timestamp_epoch" json:"timestamp_epoch"`
	ParentID       sql.NullString `db:"parent_id" json:"parent_id,omitempty"`
	IsSidechain    bool           `db:"is_sidechain" json:"is_sidechain"`
	IsSystemText   bool           `db:"is_system_text" json:"is_system_text"`

	UserText          sql.NullString `db:"user_text" json:"user_text,omitempty"`
	AssistantText     sql.NullString `db:"assistant_text" json:"assistant_text,omitempty"`
	SummaryProject    sql.NullString `db:"summary_project" json:"summary_project,omitempty"`
	SummaryActiveFile sql.NullString `db:"summary_active_file" json:"summary_active_file,omitempty"`

	// Optional linkage set when this message carried a tool result.
	ToolUseID sql.NullString `db:"tool_use_id" json:"tool_use_id,omitempty"`
}

// HasDisplayableText reports whether the message carries any user-visible
// text on its own (placeholder rows do not).
func (m *Message) HasDisplayableText() bool {
	return (m.UserText.Valid && m.UserText.String != "") ||
		(m.AssistantText.Valid && m.AssistantText.String != "") ||
		(m.SummaryProject.Valid && m.SummaryProject.String != "")
}
