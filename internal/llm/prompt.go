package llm

import (
	"bytes"
	"fmt"
	"text/template"

	"story-pipeline/internal/models"
)

const systemPrompt = "You are a helpful assistant designed to output JSON only."

var storyPromptTmpl = template.Must(template.New("story").Parse(`Scenario: {{.SeedText}}

Write a casual, realistic daily-life story in spoken American English for English learners.
It should read like talking to a friend, a vlog voice-over or an inner monologue, never like formal writing.

Context
- Scenario: {{.SeedText}}
- Place: {{.PlaceName}}
- Category: {{.CategoryName}}

Style
- Relaxed, natural American English with contractions (I'm, gotta, kinda).
- Short to medium sentences. No teaching tone and no explanations inside the story.
- Describe small physical actions and the everyday objects around the narrator.
- Lean on phrasal verbs, casual idioms and filler expressions.
- 400 to 700 words, paragraphs separated by blank lines.
- Plain text only: no asterisks, underscores, bold, headings, lists or code blocks.

Key phrases
- List 25 to 30 words or short phrases copied verbatim from the story, keeping the exact verb form used.
- Never list full sentences. Check that every phrase really appears in the story.
- meaningEn explains the base form and its meaning, for example "dig around - to search messily".
- meaningZh gives the same explanation in Chinese.
- type is one of: movement, phrasal verb, idiom, object, spoken expression.

Respond with one JSON object and nothing else. Escape line breaks inside strings as \n.
{
  "title": "short, catchy title",
  "bodyMarkdown": "the full story",
  "keyPhrases": [
    {"phrase": "", "meaningEn": "", "meaningZh": "", "type": ""}
  ]
}
`))

// BuildStoryPrompt renders the user prompt for a scenario.
func BuildStoryPrompt(sc models.Scenario) (string, error) {
	var buf bytes.Buffer
	if err := storyPromptTmpl.Execute(&buf, sc); err != nil {
		return "", fmt.Errorf("render story prompt: %w", err)
	}
	return buf.String(), nil
}
