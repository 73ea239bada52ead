// Package tableloader deduplicates table reads within one query.
package tableloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/graph-gophers/dataloader"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/recon/internal/domain"
)

// Source reads the full contents of a declared table.
type Source interface {
	Load(ctx context.Context, table domain.Table) (*domain.Relation, error)
}

// Sources dispatches to the file or Postgres source named by a table's metadata.
type Sources struct {
	Files    Source
	Postgres Source
}

func (s Sources) Load(ctx context.Context, table domain.Table) (*domain.Relation, error) {
	switch table.Source {
	case domain.SourcePostgres:
		if s.Postgres == nil {
			return nil, domain.ErrValidation("table %q is declared on postgres but no database is configured", table.Name)
		}
		return s.Postgres.Load(ctx, table)
	case domain.SourceFile, "":
		if s.Files == nil {
			return nil, domain.ErrValidation("no file source configured for table %q", table.Name)
		}
		return s.Files.Load(ctx, table)
	default:
		return nil, domain.ErrValidation("table %q has unknown source %q", table.Name, table.Source)
	}
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, table domain.Table) (*domain.Relation, error)

func (f SourceFunc) Load(ctx context.Context, table domain.Table) (*domain.Relation, error) {
	return f(ctx, table)
}

// maxParallelReads bounds concurrent reads within one batch.
const maxParallelReads = 4

// TableLoader batches and caches table reads for the lifetime of one query, so
// that both systems' pipelines and the drilldown share a single read per table.
// Every caller receives its own copy of the relation.
type TableLoader struct {
	Loader   *dataloader.Loader
	metadata *domain.Metadata

	mu    sync.Mutex
	reads map[string]int
}

// New creates a loader over the given metadata snapshot and source.
func New(md *domain.Metadata, source Source) *TableLoader {
	tl := &TableLoader{metadata: md, reads: map[string]int{}}

	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelReads)
		for i, key := range keys {
			i, name := i, key.String()
			g.Go(func() error {
				table, ok := md.Table(name)
				if !ok {
					results[i] = &dataloader.Result{Error: &domain.TableNotFoundError{Table: name}}
					return nil
				}
				tl.countRead(name)
				rel, err := source.Load(gctx, table)
				results[i] = &dataloader.Result{Data: rel, Error: err}
				return nil
			})
		}
		_ = g.Wait()
		return results
	}

	tl.Loader = dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(2*time.Millisecond))
	return tl
}

func (l *TableLoader) countRead(name string) {
	l.mu.Lock()
	l.reads[name]++
	l.mu.Unlock()
}

// Reads reports how many times the source was hit for a table.
func (l *TableLoader) Reads(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads[name]
}

// Metadata returns the snapshot the loader resolves table names against.
func (l *TableLoader) Metadata() *domain.Metadata {
	return l.metadata
}

// Load returns a private copy of the named table.
func (l *TableLoader) Load(ctx context.Context, name string) (*domain.Relation, error) {
	thunk := l.Loader.Load(ctx, dataloader.StringKey(name))
	data, err := thunk()
	if err != nil {
		return nil, err
	}
	rel, ok := data.(*domain.Relation)
	if !ok || rel == nil {
		return nil, fmt.Errorf("table %s: loader returned no relation", name)
	}
	return rel.Clone(), nil
}

// LoadMany loads several tables, issuing every request before waiting so they share a batch.
func (l *TableLoader) LoadMany(ctx context.Context, names []string) ([]*domain.Relation, error) {
	thunks := make([]dataloader.Thunk, len(names))
	for i, name := range names {
		thunks[i] = l.Loader.Load(ctx, dataloader.StringKey(name))
	}
	out := make([]*domain.Relation, len(names))
	for i, thunk := range thunks {
		data, err := thunk()
		if err != nil {
			return nil, err
		}
		rel, ok := data.(*domain.Relation)
		if !ok || rel == nil {
			return nil, fmt.Errorf("table %s: loader returned no relation", names[i])
		}
		out[i] = rel.Clone()
	}
	return out, nil
}

type ctxKey string

const tableLoaderKey ctxKey = "tableLoader"

// WithLoader stores a loader in the context.
func WithLoader(ctx context.Context, l *TableLoader) context.Context {
	return context.WithValue(ctx, tableLoaderKey, l)
}

// FromContext retrieves the loader stored by WithLoader.
func FromContext(ctx context.Context) *TableLoader {
	if l, ok := ctx.Value(tableLoaderKey).(*TableLoader); ok {
		return l
	}
	return nil
}
