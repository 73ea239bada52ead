// Package identity normalizes system-specific key columns to canonical keys.
package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rpattn/recon/internal/domain"
)

// TableLoader supplies mapping tables.
type TableLoader interface {
	Load(ctx context.Context, name string) (*domain.Relation, error)
}

// Stats summarizes one applied key mapping.
type Stats struct {
	Column    string `json:"column"`
	Canonical string `json:"canonical"`
	Mapped    int    `json:"mapped"`
	Unmapped  int    `json:"unmapped"`
}

// Resolver applies the key mappings declared for a system.
type Resolver struct {
	metadata *domain.Metadata
	tables   TableLoader
	logger   *slog.Logger
}

// NewResolver creates an identity resolver. tables may be nil when no mapping
// declares a mapping table.
func NewResolver(md *domain.Metadata, tables TableLoader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{metadata: md, tables: tables, logger: logger}
}

// Resolve rewrites every mapped key column of rel present in the relation:
// values pass through the normalizers, then through the mapping table if one
// is declared, and the column is renamed to its canonical key. Values without
// a mapping-table entry keep their normalized form and are counted as unmapped.
// rel is modified in place and returned.
func (r *Resolver) Resolve(ctx context.Context, system string, rel *domain.Relation) (*domain.Relation, []Stats, error) {
	var stats []Stats
	rel.Columns = append([]string(nil), rel.Columns...)
	for _, mapping := range r.metadata.KeyMappingsFor(system) {
		pos := rel.ColumnIndex(mapping.Column)
		if pos < 0 {
			continue
		}
		if other := rel.ColumnIndex(mapping.Canonical); other >= 0 && other != pos {
			return nil, nil, domain.ErrValidation("cannot rename %s.%s to %q: column already exists", system, mapping.Column, mapping.Canonical)
		}

		key, err := r.keyFunc(ctx, mapping)
		if err != nil {
			return nil, nil, err
		}

		stat := Stats{Column: mapping.Column, Canonical: mapping.Canonical}
		for _, row := range rel.Rows {
			value, mapped := key(row[pos])
			row[pos] = value
			if mapped {
				stat.Mapped++
			} else {
				stat.Unmapped++
			}
		}
		rel.Columns[pos] = mapping.Canonical

		if stat.Unmapped > 0 {
			r.logger.Warn("unmapped key values", "system", system, "column", mapping.Column, "canonical", mapping.Canonical, "unmapped", stat.Unmapped)
		}
		stats = append(stats, stat)
	}
	return rel, stats, nil
}

// KeyFunc converts one raw key cell to its canonical value and reports
// whether the value was mapped.
type KeyFunc func(value any) (any, bool)

// Canonicalizer is the conversion Resolve applies to one system key column.
type Canonicalizer struct {
	Column    string
	Canonical string
	Key       KeyFunc
}

// Canonicalizers returns the conversions Resolve would apply for a system, so
// relations that were never resolved can be matched against canonical keys.
func (r *Resolver) Canonicalizers(ctx context.Context, system string) ([]Canonicalizer, error) {
	mappings := r.metadata.KeyMappingsFor(system)
	out := make([]Canonicalizer, 0, len(mappings))
	for _, mapping := range mappings {
		key, err := r.keyFunc(ctx, mapping)
		if err != nil {
			return nil, err
		}
		out = append(out, Canonicalizer{Column: mapping.Column, Canonical: mapping.Canonical, Key: key})
	}
	return out, nil
}

func (r *Resolver) keyFunc(ctx context.Context, mapping domain.KeyMapping) (KeyFunc, error) {
	normalize, err := Chain(mapping.Normalizers)
	if err != nil {
		return nil, err
	}
	lookup, err := r.lookupFor(ctx, mapping, normalize)
	if err != nil {
		return nil, err
	}
	return func(value any) (any, bool) {
		if domain.IsNull(value) {
			return nil, false
		}
		normalized := normalize(domain.FormatValue(value))
		if lookup == nil {
			return normalized, true
		}
		target, ok := lookup[normalized]
		if !ok {
			return normalized, false
		}
		return target, true
	}, nil
}

// CanonicalColumns renames the mapped columns of a system in a column list,
// such as a rule's grain.
func (r *Resolver) CanonicalColumns(system string, columns []string) []string {
	out := append([]string(nil), columns...)
	for _, mapping := range r.metadata.KeyMappingsFor(system) {
		for i, col := range out {
			if col == mapping.Column {
				out[i] = mapping.Canonical
			}
		}
	}
	return out
}

func (r *Resolver) lookupFor(ctx context.Context, mapping domain.KeyMapping, normalize Normalizer) (map[string]string, error) {
	if mapping.MappingTable == "" {
		return nil, nil
	}
	if r.tables == nil {
		return nil, fmt.Errorf("key mapping %s.%s needs table %s but no loader is configured", mapping.System, mapping.Column, mapping.MappingTable)
	}
	table, err := r.tables.Load(ctx, mapping.MappingTable)
	if err != nil {
		return nil, fmt.Errorf("load mapping table %s: %w", mapping.MappingTable, err)
	}
	idx, err := table.ColumnIndexes("mapping table "+mapping.MappingTable, mapping.MappingSource, mapping.MappingTarget)
	if err != nil {
		return nil, err
	}

	lookup := make(map[string]string, table.Len())
	for _, row := range table.Rows {
		if domain.IsNull(row[idx[0]]) || domain.IsNull(row[idx[1]]) {
			continue
		}
		key := normalize(domain.FormatValue(row[idx[0]]))
		target := domain.FormatValue(row[idx[1]])
		if existing, dup := lookup[key]; dup && existing != target {
			return nil, domain.ErrValidation("mapping table %s maps %q to both %q and %q", mapping.MappingTable, key, existing, target)
		}
		lookup[key] = target
	}
	return lookup, nil
}
