package tableloader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/recon/internal/domain"
)

func testMetadata(t *testing.T) *domain.Metadata {
	t.Helper()
	md, err := domain.NewMetadata(domain.MetadataSpec{
		Tables: []domain.Table{
			{Name: "loans", System: "core", Path: "loans.csv"},
			{Name: "fees", System: "core", Path: "fees.csv"},
			{Name: "remote", System: "core", Source: domain.SourcePostgres},
		},
	})
	require.NoError(t, err)
	return md
}

func TestLoaderDeduplicatesReads(t *testing.T) {
	var calls atomic.Int32
	source := SourceFunc(func(ctx context.Context, table domain.Table) (*domain.Relation, error) {
		calls.Add(1)
		rel := domain.NewRelation(table.Name, []string{"id"})
		rel.Append(domain.Row{"a"})
		return rel, nil
	})
	tl := New(testMetadata(t), Sources{Files: source})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := tl.Load(context.Background(), "loans")
			assert.NoError(t, err)
			assert.Equal(t, 1, rel.Len())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, tl.Reads("loans"))
}

func TestLoaderReturnsPrivateCopies(t *testing.T) {
	source := SourceFunc(func(ctx context.Context, table domain.Table) (*domain.Relation, error) {
		rel := domain.NewRelation(table.Name, []string{"id"})
		rel.Append(domain.Row{"a"})
		return rel, nil
	})
	tl := New(testMetadata(t), Sources{Files: source})

	first, err := tl.Load(context.Background(), "loans")
	require.NoError(t, err)
	first.Rows[0][0] = "mutated"

	second, err := tl.Load(context.Background(), "loans")
	require.NoError(t, err)
	assert.Equal(t, "a", second.Rows[0][0])
}

func TestLoaderErrors(t *testing.T) {
	source := SourceFunc(func(ctx context.Context, table domain.Table) (*domain.Relation, error) {
		return nil, &domain.MissingSourceError{Table: table.Name, Path: table.Path}
	})
	tl := New(testMetadata(t), Sources{Files: source})

	_, err := tl.Load(context.Background(), "unknown")
	var notFound *domain.TableNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = tl.Load(context.Background(), "fees")
	var missing *domain.MissingSourceError
	require.ErrorAs(t, err, &missing)

	_, err = tl.Load(context.Background(), "remote")
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestLoadMany(t *testing.T) {
	source := SourceFunc(func(ctx context.Context, table domain.Table) (*domain.Relation, error) {
		return domain.NewRelation(table.Name, []string{"id"}), nil
	})
	tl := New(testMetadata(t), Sources{Files: source})

	rels, err := tl.LoadMany(context.Background(), []string{"fees", "loans"})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, "fees", rels[0].Name)
	assert.Equal(t, "loans", rels[1].Name)
}

func TestContextRoundTrip(t *testing.T) {
	tl := New(testMetadata(t), Sources{})
	ctx := WithLoader(context.Background(), tl)
	assert.Same(t, tl, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
