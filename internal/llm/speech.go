package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"story-pipeline/internal/config"
	"story-pipeline/internal/logger"
)

const maxAudioBytes = 64 << 20

var (
	italicMarkers  = regexp.MustCompile(`\*([^*]+)\*`)
	markdownTokens = regexp.MustCompile("[#*_`]")
	extraNewlines  = regexp.MustCompile(`\n{3,}`)
)

// PlainTextForSpeech strips markdown so the narrator does not read symbols aloud.
func PlainTextForSpeech(markdown string) string {
	s := italicMarkers.ReplaceAllString(markdown, "$1")
	s = markdownTokens.ReplaceAllString(s, "")
	s = extraNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// SpeechClient narrates story bodies to mp3.
type SpeechClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	voice      string
	log        *logger.Logger
}

func NewSpeechClient(cfg config.Config, log *logger.Logger) *SpeechClient {
	return &SpeechClient{
		httpClient: &http.Client{Timeout: cfg.LLMTimeout},
		baseURL:    strings.TrimRight(cfg.LLMBaseURL, "/"),
		apiKey:     cfg.LLMAPIKey,
		model:      cfg.TTSModel,
		voice:      cfg.TTSVoice,
		log:        log,
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format"`
	Voice          string `json:"voice,omitempty"`
}

// DefaultVoice is the configured voice, or the built-in "alex" voice for MOSS-TTSD models.
// Empty means the request carries no voice at all.
func (c *SpeechClient) DefaultVoice() string {
	if c.voice != "" {
		return c.voice
	}
	if strings.Contains(c.model, "MOSS-TTSD") {
		return c.model + ":alex"
	}
	return ""
}

// Synthesize returns mp3 audio for the story body. A voice the endpoint rejects
// is dropped and the request repeated once without it.
func (c *SpeechClient) Synthesize(ctx context.Context, body string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("SILICONFLOW_API_KEY: %w", config.ErrNotConfigured)
	}
	if c.model == "" {
		return nil, fmt.Errorf("SILICONFLOW_TTS_MODEL: %w", config.ErrNotConfigured)
	}

	text := PlainTextForSpeech(body)
	voice := c.DefaultVoice()
	audio, err := c.request(ctx, text, voice)

	var se *StatusError
	if err != nil && voice != "" && errors.As(err, &se) &&
		se.StatusCode == http.StatusBadRequest && strings.Contains(se.Body, "Invalid voice") {
		c.log.Warn("tts voice rejected, retrying without voice", "voice", voice, "model", c.model)
		audio, err = c.request(ctx, text, "")
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}

func (c *SpeechClient) request(ctx context.Context, text, voice string) ([]byte, error) {
	payload, err := json.Marshal(speechRequest{
		Model:          c.model,
		Input:          text,
		ResponseFormat: "mp3",
		Voice:          voice,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Op: "tts", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read tts audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("tts returned empty audio")
	}
	return audio, nil
}
