package storyjson

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validStory = `{"title":"Lost Keys","bodyMarkdown":"I could not find my keys.","keyPhrases":[{"phrase":"look for","meaningEn":"search","meaningZh":"寻找","type":"phrasal verb"}]}`

func TestParseRepairsCommonModelMistakes(t *testing.T) {
	cases := map[string]string{
		"plain":           validStory,
		"code fence":      "```json\n" + validStory + "\n```",
		"bare code fence": "```\n" + validStory + "\n```",
		"surrounding prose": "Sure! Here is the story you asked for:\n" + validStory +
			"\nLet me know if you want changes.",
		"trailing commas": `{"title":"Lost Keys","bodyMarkdown":"I could not find my keys.","keyPhrases":[{"phrase":"look for","meaningEn":"search","meaningZh":"寻找","type":"phrasal verb",},],}`,
		"unquoted keys":   `{title: "Lost Keys", bodyMarkdown: "I could not find my keys.", keyPhrases: [{phrase: "look for", meaningEn: "search", meaningZh: "寻找", type: "phrasal verb"}]}`,
		"raw newlines":    "{\"title\":\"Lost Keys\",\"bodyMarkdown\":\"I could not find my keys.\nThen\tI looked.\",\"keyPhrases\":[{\"phrase\":\"look for\",\"meaningEn\":\"search\",\"meaningZh\":\"寻找\",\"type\":\"phrasal verb\"}]}",
		"everything at once": "Here you go:\n```json\n{title: \"Lost Keys\",\n bodyMarkdown: \"I could not find my keys.\nThen I looked.\",\n keyPhrases: [{phrase: \"look for\", meaningEn: \"search\", meaningZh: \"寻找\", type: \"phrasal verb\",},],\n}\n```",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			story, err := Parse(raw, 30)
			require.NoError(t, err)
			assert.Equal(t, "Lost Keys", story.Title)
			assert.True(t, strings.HasPrefix(story.BodyMarkdown, "I could not find my keys."))
			require.Len(t, story.KeyPhrases, 1)
			assert.Equal(t, "look for", story.KeyPhrases[0].Phrase)
			assert.Equal(t, "寻找", story.KeyPhrases[0].MeaningZh)
		})
	}
}

func TestParseKeepsNewlinesInBody(t *testing.T) {
	raw := "{\"title\":\"T\",\"bodyMarkdown\":\"line one\nline two\",\"keyPhrases\":[]}"
	story, err := Parse(raw, 30)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", story.BodyMarkdown)
}

func TestParseUnrecoverableOutput(t *testing.T) {
	_, err := Parse("I'm sorry, I cannot help with that request.", 30)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnparseable))
	assert.Contains(t, err.Error(), "I'm sorry")

	_, err = Parse("", 30)
	assert.True(t, errors.Is(err, ErrUnparseable))
}

func TestParsePreviewIsBounded(t *testing.T) {
	_, err := Parse(strings.Repeat("x", 5000), 30)
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 400)
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"missing title":     `{"bodyMarkdown":"b","keyPhrases":[]}`,
		"blank body":        `{"title":"t","bodyMarkdown":"   ","keyPhrases":[]}`,
		"missing phrases":   `{"title":"t","bodyMarkdown":"b"}`,
		"null phrases":      `{"title":"t","bodyMarkdown":"b","keyPhrases":null}`,
		"phrases as object": `{"title":"t","bodyMarkdown":"b","keyPhrases":{"phrase":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw, 30)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidStory), "got %v", err)
		})
	}
}

func TestParseAcceptsEmptyPhraseList(t *testing.T) {
	story, err := Parse(`{"title":"t","bodyMarkdown":"b","keyPhrases":[]}`, 30)
	require.NoError(t, err)
	assert.NotNil(t, story.KeyPhrases)
	assert.Empty(t, story.KeyPhrases)
}

func TestParseTruncatesPhrases(t *testing.T) {
	items := make([]string, 0, 45)
	for i := 0; i < 45; i++ {
		items = append(items, fmt.Sprintf(`{"phrase":"p%d","meaningEn":"m","meaningZh":"z","type":"t"}`, i))
	}
	raw := `{"title":"t","bodyMarkdown":"b","keyPhrases":[` + strings.Join(items, ",") + `]}`

	story, err := Parse(raw, 30)
	require.NoError(t, err)
	require.Len(t, story.KeyPhrases, 30)
	assert.Equal(t, "p0", story.KeyPhrases[0].Phrase)
	assert.Equal(t, "p29", story.KeyPhrases[29].Phrase)

	story, err = Parse(raw, 0)
	require.NoError(t, err)
	assert.Len(t, story.KeyPhrases, DefaultMaxKeyPhrases)
}

func TestParseStripsEmphasisFromBody(t *testing.T) {
	story, err := Parse(`{"title":"t","bodyMarkdown":"I *really* need my **keys** and _wallet_.","keyPhrases":[]}`, 30)
	require.NoError(t, err)
	assert.Equal(t, "I really need my keys and wallet.", story.BodyMarkdown)
}
