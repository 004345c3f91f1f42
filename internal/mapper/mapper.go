// Package mapper converts classified transcript lines into the persisted
// record shapes and checks required-field invariants before any write.
package mapper

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/chronicle/internal/privacy"
	"github.com/thebtf/chronicle/internal/transcript"
	"github.com/thebtf/chronicle/pkg/models"
)

// Source identifies the transcript file a batch came from. SessionID is
// the session observed earlier in the same file and backs lines (summaries)
// that do not carry their own.
type Source struct {
	Path      string
	SessionID string
}

// Records is one batch of mapped rows, in insert order.
type Records struct {
	Sessions    []models.Session
	Messages    []models.Message
	ToolUses    []models.ToolUse
	ToolResults []models.ToolResult
	Attachments []models.Attachment
	EnvInfos    []models.EnvInfo
}

// Append merges other into r, preserving order.
func (r *Records) Append(other Records) {
	r.Sessions = append(r.Sessions, other.Sessions...)
	r.Messages = append(r.Messages, other.Messages...)
	r.ToolUses = append(r.ToolUses, other.ToolUses...)
	r.ToolResults = append(r.ToolResults, other.ToolResults...)
	r.Attachments = append(r.Attachments, other.Attachments...)
	r.EnvInfos = append(r.EnvInfos, other.EnvInfos...)
}

// Empty reports whether nothing was mapped.
func (r *Records) Empty() bool {
	return len(r.Sessions) == 0 && len(r.Messages) == 0 && len(r.ToolUses) == 0 &&
		len(r.ToolResults) == 0 && len(r.Attachments) == 0 && len(r.EnvInfos) == 0
}

// Mapper builds persisted records. Time and id generation are injectable
// for tests.
type Mapper struct {
	now   func() time.Time
	newID func() string
}

// New creates a Mapper with production time/id sources.
func New() *Mapper {
	return &Mapper{now: time.Now, newID: uuid.NewString}
}

// MapLine converts one classification plus its extraction into records.
// Validation failures are reported as strings, never as errors: the batch
// continues regardless.
func (m *Mapper) MapLine(line *transcript.Line, c transcript.Classification, ext transcript.Extraction, src Source) (Records, []string) {
	var rec Records
	var problems []string

	if !c.Known {
		// Unknown lines are not persisted and do not fail the batch.
		return rec, nil
	}

	sessionID := c.SessionID
	if sessionID == "" {
		sessionID = src.SessionID
	}
	if sessionID == "" {
		return rec, []string{fmt.Sprintf("message %q: missing session id", c.MessageID)}
	}

	messageID := c.MessageID
	if messageID == "" {
		// Summaries may arrive without an origin id; nothing downstream
		// references them, so a generated id is safe here.
		if c.Kind == models.MessageKindSummary {
			messageID = m.newID()
		} else {
			return rec, []string{"missing message id"}
		}
	}

	createdAt, createdEpoch := m.resolveTime(c.Timestamp)

	rec.Sessions = append(rec.Sessions, models.Session{
		ID:              sessionID,
		OriginSessionID: sessionID,
		SourcePath:      src.Path,
		CreatedAt:       createdAt,
		CreatedAtEpoch:  createdEpoch,
	})

	msg, persistMessage := m.buildMessage(line, c, ext, sessionID, messageID, createdAt, createdEpoch)

	for _, tu := range ext.ToolUses {
		if tu.ID == "" {
			problems = append(problems, fmt.Sprintf("message %q: tool use without origin id", messageID))
			continue
		}
		if tu.Name == "" {
			problems = append(problems, fmt.Sprintf("tool use %q: missing tool name", tu.ID))
			continue
		}
		rec.ToolUses = append(rec.ToolUses, models.ToolUse{
			ID:             tu.ID, // verbatim origin id, never regenerated
			MessageID:      messageID,
			SessionID:      sessionID,
			ToolName:       tu.Name,
			ParamsJSON:     string(tu.Input),
			CreatedAt:      createdAt,
			CreatedAtEpoch: createdEpoch,
		})
	}

	for _, tr := range ext.ToolResults {
		if tr.ToolUseID == "" {
			problems = append(problems, fmt.Sprintf("message %q: tool result without tool_use_id", messageID))
			continue
		}
		result := models.ToolResult{
			ID:             m.newID(),
			ToolUseID:      tr.ToolUseID,
			MessageID:      messageID,
			SessionID:      sessionID,
			OutputType:     tr.OutputType,
			CreatedAt:      createdAt,
			CreatedAtEpoch: createdEpoch,
		}
		if tr.HasOutput {
			result.Output = sql.NullString{String: tr.Output, Valid: true}
		}
		if tr.IsError {
			result.Error = sql.NullString{String: tr.ErrorText, Valid: true}
			result.ErrorKind = sql.NullString{String: models.ToolResultErrorKind, Valid: true}
		}
		rec.ToolResults = append(rec.ToolResults, result)
	}

	// A pure tool carrier persists only as a placeholder, and only when a
	// tool record actually references its message id.
	if !persistMessage {
		if len(rec.ToolUses) > 0 || len(rec.ToolResults) > 0 {
			rec.Messages = append(rec.Messages, m.placeholderMessage(sessionID, messageID, c, createdAt, createdEpoch))
		}
		return rec, problems
	}
	rec.Messages = append(rec.Messages, msg)

	for _, att := range line.Attachments {
		mapped, err := m.mapAttachment(att, sessionID, messageID)
		if err != "" {
			problems = append(problems, err)
			continue
		}
		rec.Attachments = append(rec.Attachments, mapped)
	}

	if env, ok := buildEnvInfo(line, sessionID, messageID); ok {
		rec.EnvInfos = append(rec.EnvInfos, env)
	}

	return rec, problems
}

// buildMessage constructs the message row and decides whether it should be
// written at all.
func (m *Mapper) buildMessage(line *transcript.Line, c transcript.Classification, ext transcript.Extraction, sessionID, messageID, createdAt string, createdEpoch int64) (models.Message, bool) {
	msg := models.Message{
		ID:             messageID,
		SessionID:      sessionID,
		Kind:           c.Kind,
		Timestamp:      createdAt,
		TimestampEpoch: createdEpoch,
		IsSidechain:    c.IsSidechain,
		IsSystemText:   c.IsSystemText,
	}
	if c.ParentID != "" && !c.IsSidechain {
		// Side-chain messages are never causally linked to the main thread.
		msg.ParentID = sql.NullString{String: c.ParentID, Valid: true}
	}

	text := ext.Text()
	switch c.Kind {
	case models.MessageKindUser:
		// User turns are scrubbed: <private> spans and injected context
		// blocks never reach the store.
		text = privacy.Scrub(text)
		msg.UserText = sql.NullString{String: text, Valid: text != ""}
	case models.MessageKindAssistant, models.MessageKindSystem:
		msg.AssistantText = sql.NullString{String: text, Valid: text != ""}
	case models.MessageKindSummary:
		project := line.ProjectName
		if project == "" {
			project = line.Summary
		}
		msg.SummaryProject = sql.NullString{String: project, Valid: project != ""}
		msg.SummaryActiveFile = sql.NullString{String: line.ActiveFile, Valid: line.ActiveFile != ""}
	case models.MessageKindToolCarrier:
		return msg, false
	}

	if len(ext.ToolResults) == 1 {
		msg.ToolUseID = sql.NullString{String: ext.ToolResults[0].ToolUseID, Valid: true}
	}
	return msg, true
}

// placeholderMessage is the synthetic row written solely to satisfy the
// foreign keys of extracted tool records.
func (m *Mapper) placeholderMessage(sessionID, messageID string, c transcript.Classification, createdAt string, createdEpoch int64) models.Message {
	msg := models.Message{
		ID:             messageID,
		SessionID:      sessionID,
		Kind:           models.MessageKindToolCarrier,
		Timestamp:      createdAt,
		TimestampEpoch: createdEpoch,
		IsSidechain:    c.IsSidechain,
	}
	return msg
}

func (m *Mapper) mapAttachment(att transcript.AttachmentRef, sessionID, messageID string) (models.Attachment, string) {
	mapped := models.Attachment{
		ID:        m.newID(),
		MessageID: messageID,
		SessionID: sessionID,
	}
	switch models.AttachmentType(att.Type) {
	case models.AttachmentTypeFile:
		if att.FilePath == "" {
			return mapped, fmt.Sprintf("message %q: file attachment without path", messageID)
		}
		mapped.Type = models.AttachmentTypeFile
		mapped.FilePath = sql.NullString{String: att.FilePath, Valid: true}
	case models.AttachmentTypeText:
		mapped.Type = models.AttachmentTypeText
		mapped.Content = sql.NullString{String: att.Content, Valid: att.Content != ""}
	case models.AttachmentTypeURL:
		if att.URL == "" {
			return mapped, fmt.Sprintf("message %q: url attachment without url", messageID)
		}
		mapped.Type = models.AttachmentTypeURL
		mapped.URL = sql.NullString{String: att.URL, Valid: true}
	default:
		return mapped, fmt.Sprintf("message %q: unknown attachment type %q", messageID, att.Type)
	}
	return mapped, ""
}

func buildEnvInfo(line *transcript.Line, sessionID, messageID string) (models.EnvInfo, bool) {
	if line.CWD == "" && line.Platform == "" && line.GitBranch == "" && line.Version == "" {
		return models.EnvInfo{}, false
	}
	return models.EnvInfo{
		MessageID:  messageID,
		SessionID:  sessionID,
		WorkingDir: sql.NullString{String: line.CWD, Valid: line.CWD != ""},
		Platform:   sql.NullString{String: line.Platform, Valid: line.Platform != ""},
		GitBranch:  sql.NullString{String: line.GitBranch, Valid: line.GitBranch != ""},
		Version:    sql.NullString{String: line.Version, Valid: line.Version != ""},
	}, true
}

// resolveTime parses the origin timestamp, falling back to now.
func (m *Mapper) resolveTime(ts string) (string, int64) {
	if ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return ts, parsed.UnixMilli()
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return ts, parsed.UnixMilli()
		}
	}
	now := m.now()
	return now.Format(time.RFC3339), now.UnixMilli()
}
