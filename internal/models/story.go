package models

// Scenario is the catalog entry a story is generated from, with the names of
// its place and category resolved.
type Scenario struct {
	ID           string `json:"id"`
	Slug         string `json:"slug"`
	Title        string `json:"title"`
	SeedText     string `json:"seedText"`
	PlaceName    string `json:"placeName"`
	CategoryName string `json:"categoryName"`
}

// KeyPhrase is one vocabulary entry extracted from a generated story.
type KeyPhrase struct {
	Phrase    string `json:"phrase"`
	MeaningEn string `json:"meaningEn"`
	MeaningZh string `json:"meaningZh"`
	Type      string `json:"type"`
}

// GeneratedStory is the validated output of the text model.
type GeneratedStory struct {
	Title        string      `json:"title"`
	BodyMarkdown string      `json:"bodyMarkdown"`
	KeyPhrases   []KeyPhrase `json:"keyPhrases"`
}

// StoryContent is the persisted part of a story. A nil AudioURL leaves any
// existing audio untouched.
type StoryContent struct {
	Title    string
	Body     string
	AudioURL *string
}

// Story is a stored story with its vocabulary.
type Story struct {
	ID         string      `json:"id"`
	Slug       string      `json:"slug"`
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	AudioURL   *string     `json:"audioUrl,omitempty"`
	ScenarioID string      `json:"scenarioId"`
	Vocabulary []KeyPhrase `json:"vocabulary"`
}

// CatalogSeed is one scenario to upsert together with its place and category.
type CatalogSeed struct {
	CategoryKey  string
	CategoryName string
	CategorySlug string
	PlaceKey     string
	PlaceName    string
	PlaceSlug    string
	ScenarioSlug string
	Title        string
	SeedText     string
}
