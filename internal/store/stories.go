package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"story-pipeline/internal/models"
)

// UpsertStoryWithVocabulary writes the story for a scenario and its key phrases in one
// transaction. Repeating it for the same scenario updates the same rows. A nil
// content.AudioURL keeps whatever audio the story already has.
func (s *Store) UpsertStoryWithVocabulary(ctx context.Context, scenarioID, slug string, content models.StoryContent, phrases []models.KeyPhrase) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var storyID string
	err = tx.QueryRow(ctx, `
		INSERT INTO stories (id, slug, title, body, audio_url, scenario_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (scenario_id) DO UPDATE
		SET slug = EXCLUDED.slug,
		    title = EXCLUDED.title,
		    body = EXCLUDED.body,
		    audio_url = COALESCE(EXCLUDED.audio_url, stories.audio_url),
		    updated_at = NOW()
		RETURNING id
	`, uuid.New().String(), slug, content.Title, content.Body, content.AudioURL, scenarioID).Scan(&storyID)
	if err != nil {
		return "", fmt.Errorf("upsert story %s: %w", slug, err)
	}

	for _, p := range phrases {
		_, err := tx.Exec(ctx, `
			INSERT INTO vocabulary_items (id, story_id, phrase, meaning_en, meaning_zh, type, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			ON CONFLICT (story_id, phrase) DO UPDATE
			SET meaning_en = EXCLUDED.meaning_en,
			    meaning_zh = EXCLUDED.meaning_zh,
			    type = EXCLUDED.type,
			    updated_at = NOW()
		`, uuid.New().String(), storyID, p.Phrase, p.MeaningEn, p.MeaningZh, p.Type)
		if err != nil {
			return "", fmt.Errorf("upsert vocabulary %q: %w", p.Phrase, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return storyID, nil
}

// UpdateStoryAudioURL sets the audio URL on a scenario's story.
func (s *Store) UpdateStoryAudioURL(ctx context.Context, scenarioID, audioURL string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stories SET audio_url = $2, updated_at = NOW() WHERE scenario_id = $1
	`, scenarioID, audioURL)
	if err != nil {
		return fmt.Errorf("update audio url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update audio url for scenario %s: %w", scenarioID, ErrStoryNotFound)
	}
	return nil
}

// GetStoryByScenario loads a scenario's story with its vocabulary ordered by phrase.
func (s *Store) GetStoryByScenario(ctx context.Context, scenarioID string) (models.Story, error) {
	var st models.Story
	var audio pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, slug, title, body, audio_url, scenario_id FROM stories WHERE scenario_id = $1
	`, scenarioID).Scan(&st.ID, &st.Slug, &st.Title, &st.Body, &audio, &st.ScenarioID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Story{}, fmt.Errorf("scenario %s: %w", scenarioID, ErrStoryNotFound)
	}
	if err != nil {
		return models.Story{}, fmt.Errorf("scan story: %w", err)
	}
	st.AudioURL = textPtr(audio)

	rows, err := s.pool.Query(ctx, `
		SELECT phrase, meaning_en, meaning_zh, type FROM vocabulary_items WHERE story_id = $1 ORDER BY phrase
	`, st.ID)
	if err != nil {
		return models.Story{}, fmt.Errorf("query vocabulary: %w", err)
	}
	defer rows.Close()
	st.Vocabulary = []models.KeyPhrase{}
	for rows.Next() {
		var kp models.KeyPhrase
		if err := rows.Scan(&kp.Phrase, &kp.MeaningEn, &kp.MeaningZh, &kp.Type); err != nil {
			return models.Story{}, fmt.Errorf("scan vocabulary: %w", err)
		}
		st.Vocabulary = append(st.Vocabulary, kp)
	}
	if err := rows.Err(); err != nil {
		return models.Story{}, fmt.Errorf("iterate vocabulary: %w", err)
	}
	return st, nil
}
