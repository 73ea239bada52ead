package diff

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/domain"
)

// Options configures the value comparison.
type Options struct {
	MetricA    string
	MetricB    string
	Precision  int
	NullPolicy domain.NullPolicy
}

// Tolerance returns 10^-precision.
func Tolerance(precision int) decimal.Decimal {
	return decimal.New(1, int32(-precision))
}

// DataDiff compares metric values over the keys present on both sides. Rows
// sharing a key on one side are summed first, so matches plus mismatches
// always equals the common key count. A key mismatches when the absolute
// difference is strictly greater than the tolerance.
func DataDiff(a, b *domain.Relation, grain []string, opts Options) (domain.DataDiff, error) {
	idxA, err := indexKeys(a, grain, "A")
	if err != nil {
		return domain.DataDiff{}, err
	}
	idxB, err := indexKeys(b, grain, "B")
	if err != nil {
		return domain.DataDiff{}, err
	}
	return dataFromIndexes(a, b, idxA, idxB, opts)
}

func dataFromIndexes(a, b *domain.Relation, idxA, idxB keyIndex, opts Options) (domain.DataDiff, error) {
	metricA := a.ColumnIndex(opts.MetricA)
	if metricA < 0 {
		return domain.DataDiff{}, domain.ErrColumnNotFound(opts.MetricA, "metric of A", a.Columns)
	}
	metricB := b.ColumnIndex(opts.MetricB)
	if metricB < 0 {
		return domain.DataDiff{}, domain.ErrColumnNotFound(opts.MetricB, "metric of B", b.Columns)
	}

	tolerance := Tolerance(opts.Precision)
	out := domain.DataDiff{Tolerance: tolerance, Details: []domain.MismatchDetail{}}

	var common []string
	for id := range idxA.keys {
		if _, ok := idxB.keys[id]; ok {
			common = append(common, id)
		}
	}
	for _, id := range idxA.sortedIDs(common) {
		valueA, err := sumMetric(a, idxA.keys[id], metricA, opts.MetricA)
		if err != nil {
			return domain.DataDiff{}, err
		}
		valueB, err := sumMetric(b, idxB.keys[id], metricB, opts.MetricB)
		if err != nil {
			return domain.DataDiff{}, err
		}

		detail, mismatch := compareValues(valueA, valueB, tolerance, opts.NullPolicy)
		if !mismatch {
			out.Matches++
			continue
		}
		detail.Key = idxA.parts[id]
		out.Mismatches++
		out.Details = append(out.Details, detail)
	}
	return out, nil
}

// sumMetric adds the metric over rows; nil when every value is null.
func sumMetric(rel *domain.Relation, rows []int, pos int, column string) (*decimal.Decimal, error) {
	var total *decimal.Decimal
	for _, i := range rows {
		cell := rel.Rows[i][pos]
		if domain.IsNull(cell) {
			continue
		}
		d, ok := domain.ToDecimal(cell)
		if !ok {
			return nil, fmt.Errorf("metric %s: value %q is not numeric", column, domain.FormatValue(cell))
		}
		if total == nil {
			total = &d
			continue
		}
		sum := total.Add(d)
		total = &sum
	}
	return total, nil
}

func compareValues(a, b *decimal.Decimal, tolerance decimal.Decimal, policy domain.NullPolicy) (domain.MismatchDetail, bool) {
	detail := domain.MismatchDetail{MetricA: a, MetricB: b}
	if policy == domain.NullStrict && (a == nil || b == nil) {
		return detail, !(a == nil && b == nil)
	}
	va, vb := decimal.Zero, decimal.Zero
	if a != nil {
		va = *a
	}
	if b != nil {
		vb = *b
	}
	detail.Diff = va.Sub(vb)
	detail.AbsDiff = detail.Diff.Abs()
	return detail, detail.AbsDiff.GreaterThan(tolerance)
}
