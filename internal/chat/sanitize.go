package chat

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxNameLength = 24
	MaxTextLength = 4000
)

// Peers send plain text; any markup is stripped before it enters the transcript.
var strictPolicy = bluemonday.StrictPolicy()

// SanitizeName strips markup and control characters from a display name.
// Empty names become "anon".
func SanitizeName(name string) string {
	name = truncate(stripControl(stripMarkup(name)), MaxNameLength)
	if name == "" {
		return "anon"
	}
	return name
}

// SanitizeText strips markup and control characters from a message body,
// keeping tabs, newlines and printable unicode.
func SanitizeText(text string) string {
	if text == "" {
		return ""
	}
	return truncate(stripControl(stripMarkup(text)), MaxTextLength)
}

func stripMarkup(s string) string {
	// The policy escapes what it keeps; undo that so "a < b" survives as text.
	return html.UnescapeString(strictPolicy.Sanitize(html.UnescapeString(s)))
}

func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if runes := []rune(s); len(runes) > max {
		s = string(runes[:max])
	}
	return strings.TrimSpace(s)
}
