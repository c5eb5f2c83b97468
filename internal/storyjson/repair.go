// Package storyjson turns raw text-model output into a validated story. Models
// wrap JSON in prose or code fences, leave trailing commas, forget to quote keys
// and put raw newlines inside strings, so parsing runs a chain of small repairs.
package storyjson

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	codeFence     = regexp.MustCompile("(?i)```(?:json)?\\s*([\\s\\S]*?)\\s*```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	bareKey       = regexp.MustCompile(`([,{\[]\s*)(title|bodyMarkdown|keyPhrases|phrase|meaningEn|meaningZh|type)\s*:`)
)

// StripCodeFence returns the body of the first markdown code fence, or the trimmed input when there is none.
func StripCodeFence(s string) string {
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// ExtractFirstObject returns the first balanced {...} block. Braces inside
// string literals are ignored.
func ExtractFirstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// EscapeControlChars escapes raw control characters that appear inside string literals.
func EscapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for _, r := range s {
		if !inString {
			if r == '"' {
				inString = true
			}
			b.WriteRune(r)
			continue
		}
		if escaped {
			escaped = false
			b.WriteRune(r)
			continue
		}
		switch {
		case r == '\\':
			escaped = true
			b.WriteRune(r)
		case r == '"':
			inString = false
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\b':
			b.WriteString(`\b`)
		case r == '\f':
			b.WriteString(`\f`)
		case r < 0x20:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RemoveTrailingCommas drops commas directly before a closing brace or bracket.
func RemoveTrailingCommas(s string) string {
	return trailingComma.ReplaceAllString(s, "$1")
}

// QuoteKnownKeys quotes the story field names when the model emitted them bare.
func QuoteKnownKeys(s string) string {
	return bareKey.ReplaceAllString(s, `${1}"${2}":`)
}

func normalize(s string) string {
	return EscapeControlChars(QuoteKnownKeys(RemoveTrailingCommas(s)))
}
