// Package sanitize cleans untrusted form input before it is validated or
// rendered into notifications. Every helper is deterministic and never fails;
// absent or unusable input becomes an empty string.
package sanitize

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mechnerve/mechnerve-website/internal/models"
)

// MessageMax bounds message-class fields.
const MessageMax = 5000

// DefaultMax applies to fields without an explicit bound.
const DefaultMax = 200

var fieldMax = map[string]int{
	models.FieldName:    100,
	models.FieldEmail:   254,
	models.FieldSubject: 200,
	models.FieldService: 100,
	models.FieldRole:    100,
	models.FieldPhone:   32,
	models.FieldMessage: MessageMax,
}

// MaxLen returns the rune bound applied to field.
func MaxLen(field string) int {
	if n, ok := fieldMax[field]; ok {
		return n
	}
	return DefaultMax
}

// String trims raw, drops control characters, truncates to max runes and
// escapes HTML-significant characters. Newlines and tabs survive only when
// multiline is set.
func String(raw string, max int, multiline bool) string {
	if raw == "" {
		return ""
	}
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "")
	}

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			if multiline {
				return r
			}
			return ' '
		case r == '\r':
			if multiline {
				return -1
			}
			return ' '
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, raw)

	cleaned = strings.TrimSpace(cleaned)
	if max > 0 && utf8.RuneCountInString(cleaned) > max {
		cleaned = strings.TrimSpace(string([]rune(cleaned)[:max]))
	}
	return html.EscapeString(cleaned)
}

// Field sanitizes the value of a named form field using its bound. Only the
// message field keeps line breaks.
func Field(name, raw string) string {
	return String(raw, MaxLen(name), name == models.FieldMessage)
}

// Fields sanitizes every field accepted by kind. Unknown keys in raw are
// dropped so a submission carries a fixed key set.
func Fields(kind models.Kind, raw map[string]string) map[string]string {
	spec := kind.Spec()
	out := make(map[string]string, len(spec.Required)+len(spec.Optional))
	for _, name := range spec.Fields() {
		out[name] = Field(name, raw[name])
	}
	return out
}

// Plain reverses the HTML escaping applied by String, for renderings that
// are not HTML.
func Plain(sanitized string) string {
	return html.UnescapeString(sanitized)
}
