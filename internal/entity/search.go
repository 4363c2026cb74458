package entity

import (
	"sort"
	"strings"
	"unicode"
)

// Scoring weights for the tiered relevance scheme. The tiers are additive
// across fields but non-overlapping per (word, field) pair, so a word never
// double-counts against the same field.
const (
	scoreExactPrimary   = 100 // full query equals entity id or friendly name
	scoreExactSecondary = 60  // full query equals area name or device name
	scoreWordExact      = 20  // query word equals a word in a searchable field
	scoreWordPartial    = 5   // query word is a prefix/substring of a field word
)

// Result is one ranked search hit.
type Result struct {
	EntityID      string   `json:"entity_id"`
	Score         int      `json:"score"`
	MatchedFields []string `json:"matched_fields"`
	View          View     `json:"view"`
}

// Search scores and ranks entities against a free-text query.
//
// The scheme is deliberately simple and explainable: an exact full-query
// match on id or name dominates (100), exact area/device matches follow (60),
// then per-word exact matches (20) and partial matches (5) accumulate across
// the searchable fields (name, area, device, manufacturer, model, aliases).
//
// If domainFilter is non-empty, entities whose id domain segment differs are
// excluded before scoring. Zero-scoring entities are dropped. The result is
// fully materialised, sorted by score descending with a stable tie-break on
// entity id ascending.
func Search(views []View, query, domainFilter string) []Result {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	words := tokenize(q)

	results := make([]Result, 0, 16)
	for _, v := range views {
		if domainFilter != "" && v.Domain() != domainFilter {
			continue
		}
		score, matched := scoreEntity(v, q, words)
		if score == 0 {
			continue
		}
		results = append(results, Result{
			EntityID:      v.EntityID,
			Score:         score,
			MatchedFields: matched,
			View:          v,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].EntityID < results[j].EntityID
	})
	return results
}

// Search is a convenience wrapper scoring the cache's current contents.
func (c *Cache) Search(query, domainFilter string) []Result {
	return Search(c.Views(), query, domainFilter)
}

// scoreEntity computes the additive tier score for one entity.
func scoreEntity(v View, query string, words []string) (int, []string) {
	score := 0
	matched := make(map[string]struct{})

	// Fields consumed by the exact tiers are excluded from the word tiers
	// for this entity, to avoid double counting.
	consumed := make(map[string]struct{})

	name := strings.ToLower(v.FriendlyName())
	area := strings.ToLower(v.AreaName)
	device := strings.ToLower(v.DeviceName)

	// ===== Exact full-query tiers =====

	if query == strings.ToLower(v.EntityID) || query == name {
		score += scoreExactPrimary
		if query == strings.ToLower(v.EntityID) {
			matched["entity_id"] = struct{}{}
		}
		if query == name {
			matched["name"] = struct{}{}
			consumed["name"] = struct{}{}
		}
	}
	if area != "" && query == area {
		score += scoreExactSecondary
		matched["area"] = struct{}{}
		consumed["area"] = struct{}{}
	}
	if device != "" && query == device {
		score += scoreExactSecondary
		matched["device"] = struct{}{}
		consumed["device"] = struct{}{}
	}

	// ===== Per-word tiers =====

	fields := []struct {
		name  string
		value string
	}{
		{"name", name},
		{"area", area},
		{"device", device},
		{"manufacturer", strings.ToLower(v.Manufacturer)},
		{"model", strings.ToLower(v.Model)},
		{"aliases", strings.ToLower(strings.Join(v.Aliases, " "))},
	}

	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if _, ok := consumed[f.name]; ok {
			continue
		}
		fieldWords := tokenize(f.value)
		for _, w := range words {
			if s := scoreWord(w, fieldWords); s > 0 {
				score += s
				matched[f.name] = struct{}{}
			}
		}
	}

	return score, sortedKeys(matched)
}

// scoreWord scores one query word against one field's words: exact word
// match wins, else prefix/substring, else nothing.
func scoreWord(word string, fieldWords []string) int {
	partial := false
	for _, fw := range fieldWords {
		if fw == word {
			return scoreWordExact
		}
		if strings.Contains(fw, word) {
			partial = true
		}
	}
	if partial {
		return scoreWordPartial
	}
	return 0
}

// tokenize splits text into lower-cased words on any non-alphanumeric rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
