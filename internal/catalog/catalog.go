// Package catalog turns a scenario bank file into catalog seed rows.
//
// The file is YAML shaped as category key -> place key -> list of seed texts:
//
//	Home:
//	  Bedroom:
//	    - Searching for a lost item
//	FoodAndDining:
//	  Cafe:
//	    - Ordering a custom drink
//
// Document order is preserved, so scenarios are seeded (and later queued) in
// the order they appear.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"gopkg.in/yaml.v3"

	"story-pipeline/internal/models"
)

var displayOverrides = map[string]string{
	"BuildingsAndFacilities": "Buildings & Facilities",
	"StoresAndMarkets":       "Stores & Markets",
	"FoodAndDining":          "Food & Dining",
	"PublicPlaces":           "Public Places",
	"SchoolAcademic":         "School & Academic",
	"WorkOffices":            "Work & Offices",
	"OutdoorsNature":         "Outdoors & Nature",
}

var (
	camelBoundary = regexp.MustCompile(`([a-z])([A-Z])`)
	apostrophes   = regexp.MustCompile(`['’]`)
	nonSlugChars  = regexp.MustCompile(`[^a-z0-9\s-]`)
	whitespaceRun = regexp.MustCompile(`\s+`)
	dashRun       = regexp.MustCompile(`-+`)
)

// DisplayName renders a category key such as "FoodAndDining" for humans.
func DisplayName(key string) string {
	if name, ok := displayOverrides[key]; ok {
		return name
	}
	name := camelBoundary.ReplaceAllString(key, "$1 $2")
	return strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
}

// Slugify lowercases s and reduces it to [a-z0-9-].
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "&", "and")
	s = strings.ReplaceAll(s, "/", " ")
	s = apostrophes.ReplaceAllString(s, "")
	s = nonSlugChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = whitespaceRun.ReplaceAllString(s, "-")
	return dashRun.ReplaceAllString(s, "-")
}

// ShortHash is a stable 6-character base36 digest of s. It is a 32-bit
// multiply-by-31 rolling hash over UTF-16 code units and is not cryptographic.
func ShortHash(s string) string {
	var h int32
	for _, r := range s {
		unit := r
		if r > 0xFFFF {
			unit, _ = utf16.EncodeRune(r)
		}
		h = (h << 5) - h + int32(unit)
	}
	n := int64(h)
	if n < 0 {
		n = -n
	}
	out := strconv.FormatInt(n, 36)
	if len(out) > 6 {
		out = out[:6]
	}
	return out
}

// ScenarioSlug is "{category}-{place}-{hash of seed}".
func ScenarioSlug(categorySlug, placeSlug, seedText string) string {
	return fmt.Sprintf("%s-%s-%s", categorySlug, placeSlug, ShortHash(seedText))
}

func ScenarioTitle(seedText, placeName string) string {
	return fmt.Sprintf("%s (%s)", seedText, placeName)
}

// Load reads and parses a catalog file.
func Load(path string) ([]models.CatalogSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	seeds, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seeds, nil
}

// Parse expands a catalog document into one seed per scenario. Blank seed
// texts are skipped and a repeated seed within a place is kept once.
func Parse(data []byte) ([]models.CatalogSeed, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("catalog line %d: expected a mapping of categories", root.Line)
	}

	var seeds []models.CatalogSeed
	seen := map[string]bool{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		categoryKey := strings.TrimSpace(root.Content[i].Value)
		places := root.Content[i+1]
		if categoryKey == "" {
			return nil, fmt.Errorf("catalog line %d: empty category key", root.Content[i].Line)
		}
		if places.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("catalog line %d: category %q must map places to seed lists", places.Line, categoryKey)
		}
		categoryName := DisplayName(categoryKey)
		categorySlug := Slugify(categoryName)

		for j := 0; j+1 < len(places.Content); j += 2 {
			placeKey := strings.TrimSpace(places.Content[j].Value)
			var texts []string
			if err := places.Content[j+1].Decode(&texts); err != nil {
				return nil, fmt.Errorf("catalog line %d: place %q: %w", places.Content[j+1].Line, placeKey, err)
			}
			placeSlug := Slugify(placeKey)

			for _, text := range texts {
				text = strings.TrimSpace(text)
				if text == "" {
					continue
				}
				slug := ScenarioSlug(categorySlug, placeSlug, text)
				if seen[slug] {
					continue
				}
				seen[slug] = true
				seeds = append(seeds, models.CatalogSeed{
					CategoryKey:  categoryKey,
					CategoryName: categoryName,
					CategorySlug: categorySlug,
					PlaceKey:     placeKey,
					PlaceName:    placeKey,
					PlaceSlug:    placeSlug,
					ScenarioSlug: slug,
					Title:        ScenarioTitle(text, placeKey),
					SeedText:     text,
				})
			}
		}
	}
	return seeds, nil
}
