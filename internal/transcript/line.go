// Package transcript decodes transcript lines, classifies them, and
// extracts embedded tool invocations and results from message content.
package transcript

import (
	"github.com/goccy/go-json"
)

// EventType is the discriminant carried by each transcript line.
type EventType string

const (
	EventUser      EventType = "user"
	EventAssistant EventType = "assistant"
	EventSystem    EventType = "system"
	EventSummary   EventType = "summary"
	EventUnknown   EventType = ""
)

// Line is the decoded shape of one transcript line. Lines whose shape does
// not match the known event kinds decode to the unknown variant with Raw
// preserved for forensic logging; decode failures are values, not errors.
type Line struct {
	Type        EventType `json:"type"`
	UUID        string    `json:"uuid"`
	SessionID   string    `json:"sessionId"`
	ParentUUID  string    `json:"parentUuid"`
	IsSidechain bool      `json:"isSidechain"`
	Timestamp   string    `json:"timestamp"`

	// Environment context captured at message time.
	CWD       string `json:"cwd"`
	Platform  string `json:"platform"`
	GitBranch string `json:"gitBranch"`
	Version   string `json:"version"`

	// Summary events.
	Summary     string `json:"summary"`
	LeafUUID    string `json:"leafUuid"`
	ProjectName string `json:"projectName"`
	ActiveFile  string `json:"activeFile"`

	Message     *MessageEnvelope `json:"message"`
	Attachments []AttachmentRef  `json:"attachments"`

	// Raw holds the original bytes for the unknown variant.
	Raw json.RawMessage `json:"-"`
}

// MessageEnvelope is the inner message object. Content is either a plain
// string or an array of content blocks; it stays raw until extraction.
type MessageEnvelope struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AttachmentRef is file/text/url metadata attached to a line.
type AttachmentRef struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
	URL      string `json:"url"`
}

// knownEventTypes gates the tagged union.
var knownEventTypes = map[EventType]bool{
	EventUser:      true,
	EventAssistant: true,
	EventSystem:    true,
	EventSummary:   true,
}

// DecodeLine decodes one JSON line into the tagged union. It never fails:
// undecodable or unrecognized lines come back as the unknown variant.
func DecodeLine(raw json.RawMessage) *Line {
	var line Line
	if err := json.Unmarshal(raw, &line); err != nil {
		return &Line{Type: EventUnknown, Raw: raw}
	}
	if !knownEventTypes[line.Type] {
		return &Line{Type: EventUnknown, Raw: raw}
	}
	return &line
}

// IsUnknown reports whether the line failed shape recognition.
func (l *Line) IsUnknown() bool {
	return l.Type == EventUnknown
}
