// Package drilldown locates where two rule executions diverge and attributes
// mismatched values to their source tables.
package drilldown

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/diff"
	"github.com/rpattn/recon/internal/domain"
)

// KeySet is a list of grain keys to focus on, aligned with Grain.
type KeySet struct {
	Grain []string
	Keys  [][]string
	// Aliases lists other names a grain column may carry in a trace, such as
	// the system column a canonical key was renamed from.
	Aliases map[string][]string
	// Canonical converts raw values of a trace column to canonical key values.
	Canonical map[string]func(any) any
}

// column returns the position of grain column col in rel, trying aliases.
func (k KeySet) column(rel *domain.Relation, col string) int {
	if pos := rel.ColumnIndex(col); pos >= 0 {
		return pos
	}
	for _, alias := range k.Aliases[col] {
		if pos := rel.ColumnIndex(alias); pos >= 0 {
			return pos
		}
	}
	return -1
}

// FindDivergence walks both traces in lock step and returns the first step
// whose rows for the given keys differ. A differing row count is reported
// before any value comparison. When no step differs the divergence is placed
// at the final aggregation.
func FindDivergence(traceA, traceB []domain.ExecutionStep, keys KeySet, precision int) domain.DivergencePoint {
	return findDivergence(traceA, traceB, keys, keys, precision)
}

func findDivergence(traceA, traceB []domain.ExecutionStep, keysA, keysB KeySet, precision int) domain.DivergencePoint {
	tolerance := diff.Tolerance(precision)
	steps := len(traceA)
	if len(traceB) < steps {
		steps = len(traceB)
	}

	for i := 0; i < steps; i++ {
		stepA, stepB := traceA[i], traceB[i]
		point := domain.DivergencePoint{
			StepIndex: i + 1,
			StepA:     describe(stepA),
			StepB:     describe(stepB),
		}

		if stepA.Snapshot == nil || stepB.Snapshot == nil {
			point.RowsA, point.RowsB = stepA.RowCount, stepB.RowCount
			if point.RowsA != point.RowsB {
				point.Type = domain.DivergenceRowCount
				return point
			}
			continue
		}

		relA := filterToKeys(stepA.Snapshot, keysA)
		relB := filterToKeys(stepB.Snapshot, keysB)
		point.RowsA, point.RowsB = relA.Len(), relB.Len()
		if point.RowsA != point.RowsB {
			point.Type = domain.DivergenceRowCount
			point.Detail = fmt.Sprintf("%d rows in A, %d rows in B", point.RowsA, point.RowsB)
			return point
		}
		if !sameColumnSet(relA.Columns, relB.Columns) {
			continue
		}
		if cols := differingColumns(relA, relB, tolerance); len(cols) > 0 {
			point.Type = domain.DivergenceValue
			point.Columns = cols
			point.Detail = domain.DiffRelations(
				fmt.Sprintf("A step %d", point.StepIndex), relA,
				fmt.Sprintf("B step %d", point.StepIndex), relB)
			return point
		}
	}

	point := domain.DivergencePoint{StepIndex: steps, Type: domain.DivergenceFinalAggregation}
	if steps > 0 {
		point.StepA = describe(traceA[steps-1])
		point.StepB = describe(traceB[steps-1])
		point.RowsA = traceA[steps-1].RowCount
		point.RowsB = traceB[steps-1].RowCount
	}
	return point
}

func describe(step domain.ExecutionStep) string {
	if step.Operation == nil {
		return ""
	}
	return step.Operation.Describe()
}

// filterToKeys keeps rows matching any key on the grain columns present in
// rel. A relation carrying none of the grain columns is returned unfiltered.
func filterToKeys(rel *domain.Relation, keys KeySet) *domain.Relation {
	var positions, parts []int
	for i, col := range keys.Grain {
		if pos := keys.column(rel, col); pos >= 0 {
			positions = append(positions, pos)
			parts = append(parts, i)
		}
	}
	if len(positions) == 0 || len(keys.Keys) == 0 {
		return rel
	}

	wanted := make(map[string]struct{}, len(keys.Keys))
	for _, key := range keys.Keys {
		cells := make([]string, len(parts))
		for j, part := range parts {
			if part < len(key) {
				cells[j] = key[part]
			}
		}
		wanted[domain.JoinKey(cells)] = struct{}{}
	}

	out := domain.NewRelation(rel.Name, rel.Columns)
	for _, row := range rel.Rows {
		cells := make([]string, len(positions))
		for j, pos := range positions {
			value := row[pos]
			if canonical := keys.Canonical[rel.Columns[pos]]; canonical != nil {
				value = canonical(value)
			}
			cells[j] = diff.KeyText(value)
		}
		if _, ok := wanted[domain.JoinKey(cells)]; ok {
			out.Append(row)
		}
	}
	return out
}

func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, col := range a {
		seen[col] = struct{}{}
	}
	for _, col := range b {
		if _, ok := seen[col]; !ok {
			return false
		}
	}
	return true
}

// differingColumns compares the rows of two relations with the same column
// set after sorting both. Numeric cells match within tolerance.
func differingColumns(a, b *domain.Relation, tolerance decimal.Decimal) []string {
	columns := append([]string(nil), a.Columns...)
	sort.Strings(columns)
	rowsA := projectSorted(a, columns)
	rowsB := projectSorted(b, columns)

	differing := map[string]struct{}{}
	for i := range rowsA {
		for j, col := range columns {
			if !cellsMatch(rowsA[i][j], rowsB[i][j], tolerance) {
				differing[col] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(differing))
	for _, col := range columns {
		if _, ok := differing[col]; ok {
			out = append(out, col)
		}
	}
	return out
}

func projectSorted(rel *domain.Relation, columns []string) []domain.Row {
	positions := make([]int, len(columns))
	for i, col := range columns {
		positions[i] = rel.ColumnIndex(col)
	}
	rows := make([]domain.Row, len(rel.Rows))
	keys := make([]string, len(rel.Rows))
	for i, row := range rel.Rows {
		projected := make(domain.Row, len(positions))
		text := make([]string, len(positions))
		for j, pos := range positions {
			projected[j] = row[pos]
			text[j] = diff.KeyText(row[pos])
		}
		rows[i] = projected
		keys[i] = strings.Join(text, "\x1f")
	}
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return keys[order[i]] < keys[order[j]] })
	sorted := make([]domain.Row, len(rows))
	for i, idx := range order {
		sorted[i] = rows[idx]
	}
	return sorted
}

func cellsMatch(a, b any, tolerance decimal.Decimal) bool {
	if domain.IsNull(a) || domain.IsNull(b) {
		return domain.IsNull(a) && domain.IsNull(b)
	}
	da, okA := domain.ToDecimal(a)
	db, okB := domain.ToDecimal(b)
	if okA && okB {
		return da.Sub(db).Abs().LessThanOrEqual(tolerance)
	}
	return domain.FormatValue(a) == domain.FormatValue(b)
}
