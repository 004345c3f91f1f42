package models

import "database/sql"

// AttachmentType distinguishes the attachment payload shape.
type AttachmentType string

const (
	AttachmentTypeFile AttachmentType = "file"
	AttachmentTypeText AttachmentType = "text"
	AttachmentTypeURL  AttachmentType = "url"
)

// Attachment holds file/text/url metadata attached to a message.
type Attachment struct {
	ID        string         `db:"id" json:"id"`
	MessageID string         `db:"message_id" json:"message_id"`
	SessionID string         `db:"session_id" json:"session_id"`
	Type      AttachmentType `db:"type" json:"type"`
	FilePath  sql.NullString `db:"file_path" json:"file_path,omitempty"`
	Content   sql.NullString `db:"content" json:"content,omitempty"`
	URL       sql.NullString `db:"url" json:"url,omitempty"`
}

// EnvInfo captures working-directory/platform/git context at message time.
// At most one row exists per message.
type EnvInfo struct {
	MessageID  string         `db:"message_id" json:"message_id"`
	SessionID  string         `db:"session_id" json:"session_id"`
	WorkingDir sql.NullString `db:"working_dir" json:"working_dir,omitempty"`
	Platform   sql.NullString `db:"platform" json:"platform,omitempty"`
	GitBranch  sql.NullString `db:"git_branch" json:"git_branch,omitempty"`
	Version    sql.NullString `db:"version" json:"version,omitempty"`
}
