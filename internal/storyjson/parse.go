package storyjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"story-pipeline/internal/models"
)

var (
	// ErrUnparseable means no repair produced valid JSON.
	ErrUnparseable = errors.New("unparseable model output")
	// ErrInvalidStory means the JSON parsed but lacks a required field.
	ErrInvalidStory = errors.New("invalid story structure")
)

// DefaultMaxKeyPhrases caps the vocabulary kept from one story.
const DefaultMaxKeyPhrases = 30

var (
	starEmphasis       = regexp.MustCompile(`\*([^*]+)\*`)
	underscoreEmphasis = regexp.MustCompile(`_([^_]+)_`)
)

type rawStory struct {
	Title        string          `json:"title"`
	BodyMarkdown string          `json:"bodyMarkdown"`
	KeyPhrases   json.RawMessage `json:"keyPhrases"`
}

// Parse repairs and decodes model output into a story. Key phrases beyond
// maxPhrases are dropped; a non-positive maxPhrases uses DefaultMaxKeyPhrases.
func Parse(raw string, maxPhrases int) (*models.GeneratedStory, error) {
	if maxPhrases <= 0 {
		maxPhrases = DefaultMaxKeyPhrases
	}

	var decoded *rawStory
	for _, candidate := range candidates(raw) {
		if rs, ok := decode(candidate); ok {
			decoded = rs
			break
		}
	}
	if decoded == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnparseable, Preview(raw, 200))
	}
	return validate(decoded, maxPhrases)
}

func candidates(raw string) []string {
	stripped := StripCodeFence(raw)
	out := []string{stripped}
	if obj, ok := ExtractFirstObject(stripped); ok && obj != stripped {
		out = append(out, obj)
	}
	if obj, ok := ExtractFirstObject(raw); ok && obj != stripped {
		out = append(out, obj)
	}
	return out
}

func decode(candidate string) (*rawStory, bool) {
	if candidate == "" {
		return nil, false
	}
	var rs rawStory
	if err := json.Unmarshal([]byte(candidate), &rs); err == nil {
		return &rs, true
	}
	rs = rawStory{}
	if err := json.Unmarshal([]byte(normalize(candidate)), &rs); err == nil {
		return &rs, true
	}
	return nil, false
}

func validate(rs *rawStory, maxPhrases int) (*models.GeneratedStory, error) {
	title := strings.TrimSpace(rs.Title)
	body := strings.TrimSpace(rs.BodyMarkdown)
	if title == "" {
		return nil, fmt.Errorf("%w: missing title", ErrInvalidStory)
	}
	if body == "" {
		return nil, fmt.Errorf("%w: missing bodyMarkdown", ErrInvalidStory)
	}
	phrasesRaw := strings.TrimSpace(string(rs.KeyPhrases))
	if !strings.HasPrefix(phrasesRaw, "[") {
		return nil, fmt.Errorf("%w: keyPhrases is not an array", ErrInvalidStory)
	}
	var phrases []models.KeyPhrase
	if err := json.Unmarshal([]byte(phrasesRaw), &phrases); err != nil {
		return nil, fmt.Errorf("%w: keyPhrases: %v", ErrInvalidStory, err)
	}
	if phrases == nil {
		phrases = []models.KeyPhrase{}
	}
	if len(phrases) > maxPhrases {
		phrases = phrases[:maxPhrases]
	}
	return &models.GeneratedStory{
		Title:        title,
		BodyMarkdown: StripEmphasis(body),
		KeyPhrases:   phrases,
	}, nil
}

// StripEmphasis removes *x* and _x_ markers, including nested **x**.
func StripEmphasis(s string) string {
	for i := 0; i < 3; i++ {
		next := underscoreEmphasis.ReplaceAllString(starEmphasis.ReplaceAllString(s, "$1"), "$1")
		if next == s {
			break
		}
		s = next
	}
	return s
}

// Preview returns at most n runes of s, marking the cut.
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
