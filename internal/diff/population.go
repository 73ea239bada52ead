// Package diff compares two grain-aligned relations.
package diff

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/domain"
)

// keyIndex groups the row positions of a relation by grain key.
type keyIndex struct {
	keys  map[string][]int
	parts map[string][]string
}

func indexKeys(rel *domain.Relation, grain []string, side string) (keyIndex, error) {
	positions, err := rel.ColumnIndexes("grain of "+side, grain...)
	if err != nil {
		return keyIndex{}, err
	}
	idx := keyIndex{keys: make(map[string][]int, rel.Len()), parts: make(map[string][]string, rel.Len())}
	for i, row := range rel.Rows {
		parts := make([]string, len(positions))
		for j, pos := range positions {
			parts[j] = KeyText(row[pos])
		}
		id := domain.JoinKey(parts)
		if _, seen := idx.keys[id]; !seen {
			idx.parts[id] = parts
		}
		idx.keys[id] = append(idx.keys[id], i)
	}
	return idx, nil
}

// KeyText renders a grain cell so that numerically equal keys compare equal.
func KeyText(value any) string {
	switch value.(type) {
	case int64, int, decimal.Decimal:
		if d, ok := domain.ToDecimal(value); ok {
			return d.String()
		}
	}
	return domain.FormatValue(value)
}

// sortedIDs orders composite keys part by part.
func (k keyIndex) sortedIDs(ids []string) []string {
	sort.Slice(ids, func(i, j int) bool {
		return compareParts(k.parts[ids[i]], k.parts[ids[j]]) < 0
	})
	return ids
}

func compareParts(a, b []string) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if c := comparePart(a[i], b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	return 0
}

// comparePart orders numeric parts numerically and ahead of text parts.
func comparePart(a, b string) int {
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	switch {
	case errA == nil && errB == nil:
		if c := da.Cmp(db); c != 0 {
			return c
		}
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

func (k keyIndex) duplicates() []domain.DuplicateKey {
	var ids []string
	for id, rows := range k.keys {
		if len(rows) > 1 {
			ids = append(ids, id)
		}
	}
	out := make([]domain.DuplicateKey, 0, len(ids))
	for _, id := range k.sortedIDs(ids) {
		out = append(out, domain.DuplicateKey{Key: k.parts[id], Count: len(k.keys[id])})
	}
	return out
}

// PopulationDiff compares the distinct grain keys of a and b. Keys are
// reported sorted; duplicates list keys occurring more than once per side.
func PopulationDiff(a, b *domain.Relation, grain []string) (domain.PopulationDiff, error) {
	idxA, err := indexKeys(a, grain, "A")
	if err != nil {
		return domain.PopulationDiff{}, err
	}
	idxB, err := indexKeys(b, grain, "B")
	if err != nil {
		return domain.PopulationDiff{}, err
	}
	return populationFromIndexes(idxA, idxB), nil
}

func populationFromIndexes(idxA, idxB keyIndex) domain.PopulationDiff {
	var missing, extra []string
	common := 0
	for id := range idxA.keys {
		if _, ok := idxB.keys[id]; ok {
			common++
		} else {
			missing = append(missing, id)
		}
	}
	for id := range idxB.keys {
		if _, ok := idxA.keys[id]; !ok {
			extra = append(extra, id)
		}
	}

	out := domain.PopulationDiff{
		MissingInB:  make([][]string, 0, len(missing)),
		ExtraInB:    make([][]string, 0, len(extra)),
		CommonCount: common,
		DuplicatesA: idxA.duplicates(),
		DuplicatesB: idxB.duplicates(),
	}
	for _, id := range idxA.sortedIDs(missing) {
		out.MissingInB = append(out.MissingInB, idxA.parts[id])
	}
	for _, id := range idxB.sortedIDs(extra) {
		out.ExtraInB = append(out.ExtraInB, idxB.parts[id])
	}
	return out
}
