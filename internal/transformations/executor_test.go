package transformations

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/domain"
)

type memoryLoader map[string]*domain.Relation

func (m memoryLoader) Load(ctx context.Context, name string) (*domain.Relation, error) {
	rel, ok := m[name]
	if !ok {
		return nil, &domain.MissingSourceError{Table: name, Path: name + ".csv"}
	}
	return rel.Clone(), nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testMetadata(t *testing.T) *domain.Metadata {
	t.Helper()
	md, err := domain.NewMetadata(domain.MetadataSpec{
		Tables: []domain.Table{
			{Name: "loans", System: "core", PrimaryKey: []string{"loan_id"}},
			{Name: "fees", System: "core", PrimaryKey: []string{"fee_id"}},
			{Name: "balances", System: "core", PrimaryKey: []string{"loan_id", "as_of"}, TimeColumn: "as_of", TimeSemantics: domain.TimeSemanticsSnapshot},
			{Name: "adjustments", System: "core", PrimaryKey: []string{"adj_id"}, Optional: true,
				Columns: []domain.ColumnSchema{{Name: "adj_id"}, {Name: "loan_id"}, {Name: "amount"}}},
			{Name: "ghost", System: "core", PrimaryKey: []string{"id"}},
		},
	})
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}
	return md
}

func testTables() memoryLoader {
	loans := domain.NewRelation("loans", []string{"loan_id", "balance", "status"})
	loans.Append(domain.Row{"L1", dec("100"), "active"})
	loans.Append(domain.Row{"L2", dec("50"), "active"})
	loans.Append(domain.Row{"L3", dec("30"), "closed"})

	fees := domain.NewRelation("fees", []string{"fee_id", "loan_id", "amount"})
	fees.Append(domain.Row{"F1", "L1", dec("5")})
	fees.Append(domain.Row{"F2", "L1", dec("2.5")})
	fees.Append(domain.Row{"F3", "L2", dec("1")})

	balances := domain.NewRelation("balances", []string{"loan_id", "as_of", "balance"})
	balances.Append(domain.Row{"L1", "2024-01-31", dec("100")})
	balances.Append(domain.Row{"L1", "2024-02-29", dec("90")})
	balances.Append(domain.Row{"L2", "2024-02-29", dec("40")})

	return memoryLoader{"loans": loans, "fees": fees, "balances": balances}
}

func outstandingPlan() domain.ExecutionPlan {
	return domain.ExecutionPlan{
		RuleID: "core_outstanding",
		Metric: "outstanding",
		Grain:  []string{"loan_id"},
		Pipeline: []domain.Operation{
			domain.Scan{Table: "loans"},
			domain.Scan{Table: "fees"},
			domain.Join{Table: "fees", Keys: []domain.KeyPair{{Left: "loan_id", Right: "loan_id"}}, Type: domain.JoinLeft},
			domain.Filter{Predicate: "status = 'active'"},
			domain.Derive{Expression: "balance - COALESCE(amount, 0)", Alias: "net"},
			domain.Group{By: []string{"loan_id"}, Aggregations: []domain.Aggregation{{Func: domain.AggSum, Column: "net", Alias: "outstanding"}}},
			domain.Select{Columns: []domain.SelectColumn{{Column: "loan_id"}, {Column: "outstanding"}}},
		},
	}
}

func TestExecutor_PipelineWithTrace(t *testing.T) {
	executor := NewExecutor(testMetadata(t), testTables(), Config{}, nil)

	result, err := executor.Execute(context.Background(), outstandingPlan(), Options{Trace: true, Snapshots: true})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	rel := result.Relation
	if !reflect.DeepEqual(rel.Columns, []string{"loan_id", "outstanding"}) {
		t.Fatalf("unexpected columns %v", rel.Columns)
	}
	if rel.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", rel.Len())
	}
	if rel.Rows[0][0] != "L1" || !rel.Rows[0][1].(decimal.Decimal).Equal(dec("192.5")) {
		t.Fatalf("unexpected first row %v", rel.Rows[0])
	}
	if rel.Rows[1][0] != "L2" || !rel.Rows[1][1].(decimal.Decimal).Equal(dec("49")) {
		t.Fatalf("unexpected second row %v", rel.Rows[1])
	}

	wantCounts := []int{3, 3, 4, 3, 3, 2, 2}
	if len(result.Trace) != len(wantCounts) {
		t.Fatalf("expected %d trace steps, got %d", len(wantCounts), len(result.Trace))
	}
	for i, step := range result.Trace {
		if step.Index != i+1 {
			t.Fatalf("step %d has index %d", i, step.Index)
		}
		if step.RowCount != wantCounts[i] {
			t.Fatalf("step %d: expected %d rows, got %d", step.Index, wantCounts[i], step.RowCount)
		}
		if step.Snapshot == nil || step.Snapshot.Len() != step.RowCount {
			t.Fatalf("step %d: snapshot missing or inconsistent", step.Index)
		}
	}

	joinCols := result.Trace[2].Columns
	if !reflect.DeepEqual(joinCols, []string{"loan_id", "balance", "status", "fee_id", "amount"}) {
		t.Fatalf("unexpected join columns %v", joinCols)
	}
	if result.RunID.String() == "" {
		t.Fatalf("expected run id")
	}
}

func TestExecutor_Deterministic(t *testing.T) {
	executor := NewExecutor(testMetadata(t), testTables(), Config{}, nil)
	first, err := executor.Execute(context.Background(), outstandingPlan(), Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := executor.Execute(context.Background(), outstandingPlan(), Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(first.Relation, second.Relation) {
		t.Fatalf("results differ:\n%v\n%v", first.Relation, second.Relation)
	}
	if first.Trace != nil {
		t.Fatalf("trace recorded without Trace option")
	}
}

func TestExecutor_JoinExplosionGuard(t *testing.T) {
	build := func(matches int) memoryLoader {
		left := domain.NewRelation("loans", []string{"loan_id"})
		left.Append(domain.Row{"L1"})
		right := domain.NewRelation("fees", []string{"fee_id", "loan_id"})
		for i := 0; i < matches; i++ {
			right.Append(domain.Row{int64(i), "L1"})
		}
		return memoryLoader{"loans": left, "fees": right}
	}
	plan := domain.ExecutionPlan{
		RuleID: "fanout",
		Pipeline: []domain.Operation{
			domain.Scan{Table: "loans"},
			domain.Join{Table: "fees", Keys: []domain.KeyPair{{Left: "loan_id", Right: "loan_id"}}, Type: domain.JoinInner},
		},
	}

	t.Run("at the limit", func(t *testing.T) {
		result, err := NewExecutor(testMetadata(t), build(10), Config{}, nil).Execute(context.Background(), plan, Options{})
		if err != nil {
			t.Fatalf("expected join at 10x to succeed, got %v", err)
		}
		if result.Relation.Len() != 10 {
			t.Fatalf("expected 10 rows, got %d", result.Relation.Len())
		}
	})

	t.Run("beyond the limit", func(t *testing.T) {
		result, err := NewExecutor(testMetadata(t), build(11), Config{}, nil).Execute(context.Background(), plan, Options{})
		var explosion *domain.JoinExplosionError
		if !errors.As(err, &explosion) {
			t.Fatalf("expected JoinExplosionError, got %v", err)
		}
		if explosion.ResultRows != 11 || explosion.LeftRows != 1 || explosion.Factor != 10 {
			t.Fatalf("unexpected explosion details %+v", explosion)
		}
		var execErr *domain.ExecutionError
		if !errors.As(err, &execErr) || execErr.Step != 2 {
			t.Fatalf("expected error wrapped at step 2, got %v", err)
		}
		if result.Relation != nil {
			t.Fatalf("exploded relation must not be returned")
		}
	})

	t.Run("custom factor", func(t *testing.T) {
		_, err := NewExecutor(testMetadata(t), build(3), Config{JoinExplosionFactor: 2}, nil).Execute(context.Background(), plan, Options{})
		var explosion *domain.JoinExplosionError
		if !errors.As(err, &explosion) {
			t.Fatalf("expected JoinExplosionError, got %v", err)
		}
	})
}

func TestExecutor_MissingSources(t *testing.T) {
	missingPlan := func(table string) domain.ExecutionPlan {
		return domain.ExecutionPlan{RuleID: "r", Pipeline: []domain.Operation{domain.Scan{Table: table}}}
	}

	_, err := NewExecutor(testMetadata(t), testTables(), Config{}, nil).Execute(context.Background(), missingPlan("ghost"), Options{})
	var missing *domain.MissingSourceError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSourceError, got %v", err)
	}

	result, err := NewExecutor(testMetadata(t), testTables(), Config{}, nil).Execute(context.Background(), missingPlan("adjustments"), Options{})
	if err != nil {
		t.Fatalf("optional table should scan as empty, got %v", err)
	}
	if result.Relation.Len() != 0 || len(result.Warnings) != 1 {
		t.Fatalf("expected empty relation with one warning, got %d rows and %v", result.Relation.Len(), result.Warnings)
	}
	if !reflect.DeepEqual(result.Relation.Columns, []string{"adj_id", "loan_id", "amount"}) {
		t.Fatalf("expected declared columns, got %v", result.Relation.Columns)
	}

	result, err = NewExecutor(testMetadata(t), testTables(), Config{AllowMissingSources: true}, nil).Execute(context.Background(), missingPlan("ghost"), Options{})
	if err != nil {
		t.Fatalf("allow_missing_sources should scan as empty, got %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected a warning, got %v", result.Warnings)
	}

	_, err = NewExecutor(testMetadata(t), testTables(), Config{}, nil).Execute(context.Background(), missingPlan("undeclared"), Options{})
	var notFound *domain.TableNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TableNotFoundError, got %v", err)
	}
}

func TestExecutor_AsOfSnapshot(t *testing.T) {
	plan := domain.ExecutionPlan{RuleID: "r", Pipeline: []domain.Operation{domain.Scan{Table: "balances"}}}
	executor := NewExecutor(testMetadata(t), testTables(), Config{}, nil)

	asOf := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	result, err := executor.Execute(context.Background(), plan, Options{AsOf: &asOf})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Relation.Len() != 2 {
		t.Fatalf("expected the 2 rows of the latest snapshot, got %d", result.Relation.Len())
	}

	result, err = executor.Execute(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Relation.Len() != 3 {
		t.Fatalf("expected all rows without as-of, got %d", result.Relation.Len())
	}
}

func TestExecutor_ColumnNotFound(t *testing.T) {
	plan := domain.ExecutionPlan{
		RuleID: "r",
		Pipeline: []domain.Operation{
			domain.Scan{Table: "loans"},
			domain.Group{By: []string{"branch"}, Aggregations: []domain.Aggregation{{Func: domain.AggSum, Column: "balance", Alias: "b"}}},
		},
	}
	_, err := NewExecutor(testMetadata(t), testTables(), Config{}, nil).Execute(context.Background(), plan, Options{})
	var colErr *domain.ColumnNotFoundError
	if !errors.As(err, &colErr) {
		t.Fatalf("expected ColumnNotFoundError, got %v", err)
	}
	if colErr.Column != "branch" || len(colErr.Available) != 3 {
		t.Fatalf("unexpected error details %+v", colErr)
	}
}

func TestExecutor_UsesLoaderOverride(t *testing.T) {
	executor := NewExecutor(testMetadata(t), memoryLoader{}, Config{}, nil)
	plan := domain.ExecutionPlan{RuleID: "r", Pipeline: []domain.Operation{domain.Scan{Table: "loans"}}}

	result, err := executor.Execute(context.Background(), plan, Options{Loader: testTables()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Relation.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", result.Relation.Len())
	}
}
