package transcript

import (
	"strings"

	"github.com/goccy/go-json"
)

// ToolUseFragment is one tool invocation embedded in message content. ID is
// the origin tool-call identifier, copied verbatim.
type ToolUseFragment struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultFragment is one tool outcome embedded in message content.
type ToolResultFragment struct {
	ToolUseID  string
	Output     string
	OutputType string // "text" or "json"
	HasOutput  bool
	ErrorText  string
	IsError    bool
}

// Extraction partitions one content list into tool fragments and the
// cleaned text remainder.
type Extraction struct {
	ToolUses    []ToolUseFragment
	ToolResults []ToolResultFragment
	// TextFragments preserves the order text blocks appeared in.
	TextFragments []string
}

// Text joins the cleaned text fragments.
func (e Extraction) Text() string {
	return strings.Join(e.TextFragments, "\n")
}

// HasText reports whether any displayable text remains after extraction.
func (e Extraction) HasText() bool {
	for _, t := range e.TextFragments {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}

// HasToolFragments reports whether any tool invocation or result was found.
func (e Extraction) HasToolFragments() bool {
	return len(e.ToolUses) > 0 || len(e.ToolResults) > 0
}

// contentBlock is the decoded shape of one entry in a content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	Error     string          `json:"error"`
}

// Extract splits the content of a line into tool uses, tool results, and
// remaining text. A line with no message content returns an empty
// Extraction; this is the common case and stays cheap.
func Extract(line *Line) Extraction {
	var ext Extraction
	if line.Message == nil || len(line.Message.Content) == 0 {
		return ext
	}

	// Plain-string content carries no tool fragments.
	var text string
	if err := json.Unmarshal(line.Message.Content, &text); err == nil {
		if text != "" {
			ext.TextFragments = append(ext.TextFragments, text)
		}
		return ext
	}

	var blocks []contentBlock
	if err := json.Unmarshal(line.Message.Content, &blocks); err != nil {
		return ext
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				ext.TextFragments = append(ext.TextFragments, b.Text)
			}
		case "tool_use":
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			ext.ToolUses = append(ext.ToolUses, ToolUseFragment{
				ID:    b.ID,
				Name:  b.Name,
				Input: input,
			})
		case "tool_result":
			ext.ToolResults = append(ext.ToolResults, decodeToolResult(b))
		default:
			// thinking blocks and future kinds carry no persisted payload
		}
	}
	return ext
}

// decodeToolResult normalizes the three result content shapes (string,
// fragment array, single object) into one text blob.
func decodeToolResult(b contentBlock) ToolResultFragment {
	frag := ToolResultFragment{ToolUseID: b.ToolUseID, OutputType: "text"}

	if len(b.Content) > 0 {
		output, outputType, ok := normalizeResultContent(b.Content)
		frag.Output = output
		frag.OutputType = outputType
		frag.HasOutput = ok
	}

	switch {
	case b.Error != "":
		frag.IsError = true
		frag.ErrorText = b.Error
	case b.IsError:
		frag.IsError = true
		frag.ErrorText = frag.Output
		frag.Output = ""
		frag.HasOutput = false
	}
	return frag
}

// normalizeResultContent flattens result content to a single text blob.
// Array fragments join with newline; fragments without a text field
// serialize to their JSON form.
func normalizeResultContent(raw json.RawMessage) (string, string, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, "text", true
	}

	var fragments []json.RawMessage
	if err := json.Unmarshal(raw, &fragments); err == nil {
		parts := make([]string, 0, len(fragments))
		mixed := false
		for _, f := range fragments {
			part, isText := fragmentText(f)
			if !isText {
				mixed = true
			}
			parts = append(parts, part)
		}
		outputType := "text"
		if mixed {
			outputType = "json"
		}
		return strings.Join(parts, "\n"), outputType, true
	}

	// Single object: use its text field when present, otherwise its JSON form.
	part, isText := fragmentText(raw)
	outputType := "json"
	if isText {
		outputType = "text"
	}
	return part, outputType, true
}

// fragmentText extracts the text field of one fragment, or serializes the
// fragment when no text field exists.
func fragmentText(raw json.RawMessage) (string, bool) {
	var obj struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type == "text" {
		return obj.Text, true
	}
	return string(raw), false
}
