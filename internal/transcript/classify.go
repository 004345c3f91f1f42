package transcript

import (
	"strings"

	"github.com/thebtf/chronicle/pkg/models"
)

// Classification is the result of inspecting one decoded line.
type Classification struct {
	Kind               models.MessageKind
	Known              bool
	IsToolCarrier      bool
	HasDisplayableText bool
	IsSidechain        bool
	IsSystemText       bool
	SessionID          string
	MessageID          string
	ParentID           string
	Timestamp          string
}

// Classify derives the semantic kind of a line from its discriminant field
// combined with its extracted content. A line tagged "user" that carries
// only tool-result fragments is reclassified as a tool-result carrier;
// that is how the origin format transports tool results.
func Classify(line *Line, ext Extraction) Classification {
	if line.IsUnknown() {
		return Classification{}
	}

	c := Classification{
		Known:              true,
		SessionID:          line.SessionID,
		MessageID:          line.UUID,
		ParentID:           line.ParentUUID,
		Timestamp:          line.Timestamp,
		IsSidechain:        line.IsSidechain,
		IsToolCarrier:      ext.HasToolFragments(),
		HasDisplayableText: ext.HasText(),
	}

	switch line.Type {
	case EventSummary:
		c.Kind = models.MessageKindSummary
		if c.MessageID == "" && line.LeafUUID != "" {
			// leafUuid names the conversation's leaf message, which persists
			// as a row of its own. The summary gets a derived id so the two
			// never collide, and re-reading the line maps to the same id.
			c.MessageID = "summary-" + line.LeafUUID
		}
		c.HasDisplayableText = line.Summary != "" || line.ProjectName != ""
	case EventSystem:
		c.Kind = models.MessageKindSystem
	case EventAssistant:
		c.Kind = models.MessageKindAssistant
	case EventUser:
		if len(ext.ToolResults) > 0 && !ext.HasText() {
			// Masquerade decode: outwardly a user turn, actually a carrier.
			c.Kind = models.MessageKindToolCarrier
		} else {
			c.Kind = models.MessageKindUser
			c.IsSystemText = isSystemText(ext.Text())
		}
	default:
		return Classification{}
	}

	if c.SessionID == "" && c.Kind != models.MessageKindSummary {
		// Required shape fields missing: classify as unknown, never fail.
		return Classification{}
	}
	return c
}

// isSystemText recognizes command transcripts and injected reminders that
// arrive as user text but were not typed by a person.
func isSystemText(text string) bool {
	return strings.HasPrefix(text, "<local-command-") ||
		strings.HasPrefix(text, "<command-name>") ||
		strings.HasPrefix(text, "<local-command-stdout>") ||
		strings.HasPrefix(text, "<local-command-caveat>") ||
		strings.Contains(text, "<system-reminder>") ||
		strings.HasPrefix(text, "<environment_context>")
}
