package diff

import (
	"github.com/rpattn/recon/internal/domain"
)

// CompareOptions combines value comparison and optional fuzzy key alignment.
type CompareOptions struct {
	Options
	Fuzzy        bool
	FuzzyColumns []string
	// FuzzyThreshold defaults to DefaultFuzzyThreshold.
	FuzzyThreshold float64
}

// Compare aligns fuzzy keys when enabled, then runs the population and data diffs.
// b may be modified by fuzzy alignment.
func Compare(a, b *domain.Relation, grain []string, opts CompareOptions) (domain.ComparisonResult, error) {
	result := domain.ComparisonResult{Grain: append([]string(nil), grain...)}
	if opts.Fuzzy {
		matches, err := FuzzyAlign(a, b, grain, FuzzyOptions{Columns: opts.FuzzyColumns, Threshold: opts.FuzzyThreshold})
		if err != nil {
			return domain.ComparisonResult{}, err
		}
		result.FuzzyMatches = matches
	}

	idxA, err := indexKeys(a, grain, "A")
	if err != nil {
		return domain.ComparisonResult{}, err
	}
	idxB, err := indexKeys(b, grain, "B")
	if err != nil {
		return domain.ComparisonResult{}, err
	}
	result.Population = populationFromIndexes(idxA, idxB)

	data, err := dataFromIndexes(a, b, idxA, idxB, opts.Options)
	if err != nil {
		return domain.ComparisonResult{}, err
	}
	result.Data = data
	return result, nil
}
