package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"story-pipeline/internal/config"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/models"
	"story-pipeline/internal/storyjson"
)

// StoryClient generates stories through a streamed chat completion in JSON mode.
type StoryClient struct {
	client      *openai.Client
	apiKey      string
	model       string
	temperature float32
	maxPhrases  int
	log         *logger.Logger
}

func NewStoryClient(cfg config.Config, log *logger.Logger) *StoryClient {
	oc := openai.DefaultConfig(cfg.LLMAPIKey)
	oc.BaseURL = strings.TrimRight(cfg.LLMBaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.LLMTimeout}
	return &StoryClient{
		client:      openai.NewClientWithConfig(oc),
		apiKey:      cfg.LLMAPIKey,
		model:       cfg.StoryModel,
		temperature: cfg.LLMTemperature,
		maxPhrases:  cfg.MaxKeyPhrases,
		log:         log,
	}
}

// GenerateStory asks the model for a story about the scenario and parses the result.
func (c *StoryClient) GenerateStory(ctx context.Context, sc models.Scenario) (*models.GeneratedStory, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("SILICONFLOW_API_KEY: %w", config.ErrNotConfigured)
	}
	if c.model == "" {
		return nil, fmt.Errorf("SILICONFLOW_STORY_MODEL: %w", config.ErrNotConfigured)
	}

	prompt, err := BuildStoryPrompt(sc)
	if err != nil {
		return nil, err
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream:      true,
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("story completion: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read story stream: %w", err)
		}
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
		}
	}

	raw := content.String()
	story, err := storyjson.Parse(raw, c.maxPhrases)
	if err != nil {
		c.log.Warn("story output rejected",
			"scenario_slug", sc.Slug,
			"model", c.model,
			"error", err,
			"raw_preview", storyjson.Preview(raw, 1200),
		)
		return nil, err
	}
	return story, nil
}
