package storyjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("```JSON {\"a\":1} ```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("  {\"a\":1}  "))
}

func TestExtractFirstObject(t *testing.T) {
	obj, ok := ExtractFirstObject(`noise {"a":"has } and { inside","b":{"c":"\"}"}} trailing {"x":1}`)
	assert.True(t, ok)
	assert.Equal(t, `{"a":"has } and { inside","b":{"c":"\"}"}}`, obj)

	_, ok = ExtractFirstObject(`{"unterminated": {`)
	assert.False(t, ok)

	_, ok = ExtractFirstObject("no braces")
	assert.False(t, ok)
}

func TestEscapeControlChars(t *testing.T) {
	in := "{\n  \"a\": \"x\ny\tz\x01\",\n  \"b\": \"q\\\"\n\"\n}"
	want := "{\n  \"a\": \"x\\ny\\tz\\u0001\",\n  \"b\": \"q\\\"\\n\"\n}"
	assert.Equal(t, want, EscapeControlChars(in))
}

func TestRemoveTrailingCommas(t *testing.T) {
	assert.Equal(t, `{"a":[1,2]}`, RemoveTrailingCommas(`{"a":[1,2,],}`))
	assert.Equal(t, "{\"a\":1}", RemoveTrailingCommas("{\"a\":1,\n}"))
}

func TestQuoteKnownKeys(t *testing.T) {
	assert.Equal(t, `{"title": "x", "keyPhrases": [{"phrase": "p"}]}`,
		QuoteKnownKeys(`{title: "x", keyPhrases: [{phrase: "p"}]}`))
	assert.Equal(t, `{other: 1}`, QuoteKnownKeys(`{other: 1}`))
}
