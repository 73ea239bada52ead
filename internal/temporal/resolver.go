// Package temporal applies as-of filtering to scanned tables.
package temporal

import (
	"time"

	"github.com/rpattn/recon/internal/domain"
)

// Resolver filters time-varying tables to an as-of date.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Apply returns the rows of rel visible at asOf. Event tables keep every row
// stamped at or before asOf; snapshot tables keep only the rows of the latest
// snapshot taken at or before asOf. Rows with a null or unparseable time are
// dropped. A nil asOf or a table without a time column leaves rel unchanged.
func (r *Resolver) Apply(rel *domain.Relation, table domain.Table, asOf *time.Time) (*domain.Relation, error) {
	if asOf == nil || table.TimeColumn == "" || rel == nil {
		return rel, nil
	}
	pos := rel.ColumnIndex(table.TimeColumn)
	if pos < 0 {
		return nil, domain.ErrColumnNotFound(table.TimeColumn, "time column of "+table.Name, rel.Columns)
	}
	cutoff := endOfDay(*asOf)

	times := make([]time.Time, len(rel.Rows))
	valid := make([]bool, len(rel.Rows))
	var latest time.Time
	for i, row := range rel.Rows {
		ts, ok := domain.ToTime(row[pos])
		if !ok || ts.After(cutoff) {
			continue
		}
		times[i], valid[i] = ts, true
		if ts.After(latest) {
			latest = ts
		}
	}

	out := &domain.Relation{Name: rel.Name, Columns: rel.Columns, Rows: make([]domain.Row, 0, len(rel.Rows))}
	for i, row := range rel.Rows {
		if !valid[i] {
			continue
		}
		if table.TimeSemantics == domain.TimeSemanticsSnapshot && !times[i].Equal(latest) {
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// endOfDay widens a date-only as-of value so that timestamps later on the same day are kept.
func endOfDay(t time.Time) time.Time {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Add(24*time.Hour - time.Nanosecond)
	}
	return t
}
