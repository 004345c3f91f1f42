package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrub(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "fix the login bug",
			want: "fix the login bug",
		},
		{
			name: "private span removed",
			in:   "deploy with <private>token abc123</private> to staging",
			want: "deploy with  to staging",
		},
		{
			name: "multiple private spans",
			in:   "<private>a</private>keep<private>b</private>",
			want: "keep",
		},
		{
			name: "private span across lines",
			in:   "before <private>line one\nline two</private> after",
			want: "before  after",
		},
		{
			name: "injected context removed",
			in:   "<system-reminder>internal note</system-reminder>what does this do?",
			want: "what does this do?",
		},
		{
			name: "both kinds together",
			in:   "<system-reminder>x</system-reminder>run it <private>with my key</private>",
			want: "run it",
		},
		{
			name: "unclosed tag left alone",
			in:   "text with <private> no closer",
			want: "text with <private> no closer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Scrub(tt.in))
		})
	}
}

func TestIsEntirelyPrivate(t *testing.T) {
	assert.True(t, IsEntirelyPrivate("<private>all secret</private>"))
	assert.True(t, IsEntirelyPrivate("  <private>a</private>  <private>b</private> "))
	assert.False(t, IsEntirelyPrivate("<private>a</private> but this stays"))
	assert.False(t, IsEntirelyPrivate("plain"))
	assert.True(t, IsEntirelyPrivate(""))
}
