// Package privacy scrubs transcript text before it is persisted. Users can
// wrap content in <private> tags to keep it out of the store, and the log
// producer injects machine-generated context blocks that are noise in a
// conversational archive.
package privacy

import (
	"regexp"
	"strings"
)

var (
	// privateTagRe matches <private>...</private> spans.
	privateTagRe = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// injectedTagRe matches machine-injected context blocks that the
	// producer prepends to user turns.
	injectedTagRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
)

// StripPrivate removes all <private>...</private> spans.
func StripPrivate(text string) string {
	return privateTagRe.ReplaceAllString(text, "")
}

// StripInjected removes machine-injected context blocks.
func StripInjected(text string) string {
	return injectedTagRe.ReplaceAllString(text, "")
}

// IsEntirelyPrivate reports whether nothing would remain after scrubbing.
func IsEntirelyPrivate(text string) bool {
	return Scrub(text) == ""
}

// Scrub removes private spans and injected blocks and trims the result.
// Applied to user text before it reaches the store.
func Scrub(text string) string {
	text = StripPrivate(text)
	text = StripInjected(text)
	return strings.TrimSpace(text)
}
