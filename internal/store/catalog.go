package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"story-pipeline/internal/models"
)

// SeedCatalog upserts categories, places and scenarios in one transaction and returns
// how many scenarios were written. Re-seeding the same catalog changes nothing but timestamps.
func (s *Store) SeedCatalog(ctx context.Context, seeds []models.CatalogSeed) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	categoryIDs := map[string]string{}
	placeIDs := map[string]string{}
	written := 0

	for _, seed := range seeds {
		categoryID, ok := categoryIDs[seed.CategoryKey]
		if !ok {
			err := tx.QueryRow(ctx, `
				INSERT INTO categories (id, slug, name, source_key)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (source_key) DO UPDATE
				SET slug = EXCLUDED.slug, name = EXCLUDED.name, updated_at = NOW()
				RETURNING id
			`, uuid.New().String(), seed.CategorySlug, seed.CategoryName, seed.CategoryKey).Scan(&categoryID)
			if err != nil {
				return 0, fmt.Errorf("upsert category %s: %w", seed.CategoryKey, err)
			}
			categoryIDs[seed.CategoryKey] = categoryID
		}

		placeKey := seed.CategoryKey + "/" + seed.PlaceKey
		placeID, ok := placeIDs[placeKey]
		if !ok {
			err := tx.QueryRow(ctx, `
				INSERT INTO places (id, slug, name, source_key, category_id)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (category_id, source_key) DO UPDATE
				SET slug = EXCLUDED.slug, name = EXCLUDED.name, updated_at = NOW()
				RETURNING id
			`, uuid.New().String(), seed.PlaceSlug, seed.PlaceName, seed.PlaceKey, categoryID).Scan(&placeID)
			if err != nil {
				return 0, fmt.Errorf("upsert place %s: %w", placeKey, err)
			}
			placeIDs[placeKey] = placeID
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO scenarios (id, slug, title, seed_text, category_id, place_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, clock_timestamp(), clock_timestamp())
			ON CONFLICT (slug) DO UPDATE
			SET title = EXCLUDED.title,
			    seed_text = EXCLUDED.seed_text,
			    category_id = EXCLUDED.category_id,
			    place_id = EXCLUDED.place_id,
			    updated_at = NOW()
		`, uuid.New().String(), seed.ScenarioSlug, seed.Title, seed.SeedText, categoryID, placeID)
		if err != nil {
			return 0, fmt.Errorf("upsert scenario %s: %w", seed.ScenarioSlug, err)
		}
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}
