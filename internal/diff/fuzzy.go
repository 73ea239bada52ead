package diff

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/rpattn/recon/internal/domain"
)

// DefaultFuzzyThreshold is the minimum similarity for two key values to align.
const DefaultFuzzyThreshold = 0.85

// fuzzyHints mark grain columns likely to hold free-text identifiers.
var fuzzyHints = []string{"name", "customer", "entity", "description"}

// FuzzyOptions selects the columns and threshold for key alignment.
type FuzzyOptions struct {
	// Columns lists the grain columns to align; empty selects them by name.
	Columns   []string
	Threshold float64
}

// Similarity is 1 minus the Levenshtein distance over the longer length,
// computed case-insensitively on trimmed values.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// FuzzyColumns picks the string grain columns whose names suggest free text.
func FuzzyColumns(rel *domain.Relation, grain []string) []string {
	var out []string
	for _, col := range grain {
		lower := strings.ToLower(col)
		for _, hint := range fuzzyHints {
			if strings.Contains(lower, hint) && isTextColumn(rel, col) {
				out = append(out, col)
				break
			}
		}
	}
	return out
}

func isTextColumn(rel *domain.Relation, col string) bool {
	pos := rel.ColumnIndex(col)
	if pos < 0 {
		return false
	}
	seen := false
	for _, row := range rel.Rows {
		if row[pos] == nil {
			continue
		}
		if _, ok := row[pos].(string); !ok {
			return false
		}
		seen = true
	}
	return seen
}

// FuzzyAlign rewrites key values of b to the most similar value of a when the
// similarity reaches the threshold. Values that already occur in a are never
// rewritten. b is modified in place.
func FuzzyAlign(a, b *domain.Relation, grain []string, opts FuzzyOptions) ([]domain.FuzzyMatch, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	columns := opts.Columns
	if len(columns) == 0 {
		columns = FuzzyColumns(a, grain)
	}

	var matches []domain.FuzzyMatch
	for _, col := range columns {
		posA := a.ColumnIndex(col)
		if posA < 0 {
			return nil, domain.ErrColumnNotFound(col, "fuzzy key of A", a.Columns)
		}
		posB := b.ColumnIndex(col)
		if posB < 0 {
			return nil, domain.ErrColumnNotFound(col, "fuzzy key of B", b.Columns)
		}

		known := map[string]struct{}{}
		var candidates []string
		for _, row := range a.Rows {
			if s, ok := row[posA].(string); ok {
				if _, dup := known[s]; !dup {
					known[s] = struct{}{}
					candidates = append(candidates, s)
				}
			}
		}
		sort.Strings(candidates)

		rewrites := map[string]string{}
		for _, row := range b.Rows {
			value, ok := row[posB].(string)
			if !ok {
				continue
			}
			if _, exact := known[value]; exact {
				continue
			}
			target, done := rewrites[value]
			if !done {
				best, score := bestMatch(value, candidates)
				if score >= threshold {
					target = best
					matches = append(matches, domain.FuzzyMatch{Column: col, ValueB: value, MatchedA: best, Similarity: score})
				}
				rewrites[value] = target
			}
			if target != "" {
				row[posB] = target
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Column != matches[j].Column {
			return matches[i].Column < matches[j].Column
		}
		return matches[i].ValueB < matches[j].ValueB
	})
	return matches, nil
}

// bestMatch returns the most similar candidate; ties keep the first in sorted order.
func bestMatch(value string, candidates []string) (string, float64) {
	best, score := "", -1.0
	for _, candidate := range candidates {
		if s := Similarity(value, candidate); s > score {
			best, score = candidate, s
		}
	}
	return best, score
}
