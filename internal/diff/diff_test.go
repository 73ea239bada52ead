package diff

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/recon/internal/domain"
)

func loans(name string, rows ...domain.Row) *domain.Relation {
	rel := domain.NewRelation(name, []string{"loan_id", "balance"})
	for _, row := range rows {
		rel.Append(row)
	}
	return rel
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func opts(precision int) Options {
	return Options{MetricA: "balance", MetricB: "balance", Precision: precision, NullPolicy: domain.NullAsZero}
}

func TestPopulationAndDataDiff(t *testing.T) {
	a := loans("a", domain.Row{"loan1", dec("100")}, domain.Row{"loan2", dec("50")})
	b := loans("b", domain.Row{"loan1", dec("100")}, domain.Row{"loan3", dec("30")})

	result, err := Compare(a, b, []string{"loan_id"}, CompareOptions{Options: opts(2)})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"loan2"}}, result.Population.MissingInB)
	assert.Equal(t, [][]string{{"loan3"}}, result.Population.ExtraInB)
	assert.Equal(t, 1, result.Population.CommonCount)
	assert.Equal(t, 1, result.Data.Matches)
	assert.Equal(t, 0, result.Data.Mismatches)
	assert.Empty(t, result.Data.Details)
	assert.Empty(t, result.Population.DuplicatesA)
}

func TestDataDiffMismatch(t *testing.T) {
	a := loans("a", domain.Row{"loan1", dec("100.02")})
	b := loans("b", domain.Row{"loan1", dec("100.00")})

	data, err := DataDiff(a, b, []string{"loan_id"}, opts(2))
	require.NoError(t, err)

	require.Equal(t, 1, data.Mismatches)
	detail := data.Details[0]
	assert.Equal(t, []string{"loan1"}, detail.Key)
	assert.True(t, detail.Diff.Equal(dec("0.02")), detail.Diff.String())
	assert.True(t, detail.AbsDiff.Equal(dec("0.02")))
	assert.True(t, data.Tolerance.Equal(dec("0.01")))
}

func TestToleranceBoundary(t *testing.T) {
	cases := []struct {
		b        string
		mismatch int
	}{
		{b: "100.01", mismatch: 0},
		{b: "100.0100001", mismatch: 1},
		{b: "99.99", mismatch: 0},
		{b: "99.9899999", mismatch: 1},
	}
	for _, tc := range cases {
		a := loans("a", domain.Row{"loan1", dec("100")})
		b := loans("b", domain.Row{"loan1", dec(tc.b)})
		data, err := DataDiff(a, b, []string{"loan_id"}, opts(2))
		require.NoError(t, err)
		assert.Equal(t, tc.mismatch, data.Mismatches, tc.b)
	}
}

func TestCountsAreConserved(t *testing.T) {
	a := loans("a",
		domain.Row{"l1", int64(1)}, domain.Row{"l2", int64(2)}, domain.Row{"l3", int64(3)},
		domain.Row{"l4", int64(4)}, domain.Row{"l5", nil})
	b := loans("b",
		domain.Row{"l2", int64(2)}, domain.Row{"l3", int64(30)}, domain.Row{"l5", int64(0)},
		domain.Row{"l6", int64(6)})

	ab, err := Compare(a, b, []string{"loan_id"}, CompareOptions{Options: opts(2)})
	require.NoError(t, err)
	ba, err := Compare(b, a, []string{"loan_id"}, CompareOptions{Options: opts(2)})
	require.NoError(t, err)

	assert.Equal(t, 5, ab.Population.CommonCount+len(ab.Population.MissingInB))
	assert.Equal(t, 4, ab.Population.CommonCount+len(ab.Population.ExtraInB))
	assert.Equal(t, ab.Population.CommonCount, ab.Data.Matches+ab.Data.Mismatches)

	assert.Equal(t, ab.Population.MissingInB, ba.Population.ExtraInB)
	assert.Equal(t, ab.Population.ExtraInB, ba.Population.MissingInB)
	assert.Equal(t, ab.Data.Mismatches, ba.Data.Mismatches)
	assert.Equal(t, ab.MismatchedKeys(), ba.MismatchedKeys())
	assert.True(t, ab.Data.Details[0].Diff.Equal(ba.Data.Details[0].Diff.Neg()))
}

func TestDuplicateKeysAreSummed(t *testing.T) {
	a := loans("a", domain.Row{"l1", int64(60)}, domain.Row{"l1", int64(40)})
	b := loans("b", domain.Row{"l1", int64(100)})

	result, err := Compare(a, b, []string{"loan_id"}, CompareOptions{Options: opts(0)})
	require.NoError(t, err)
	assert.Equal(t, []domain.DuplicateKey{{Key: []string{"l1"}, Count: 2}}, result.Population.DuplicatesA)
	assert.Empty(t, result.Population.DuplicatesB)
	assert.Equal(t, 1, result.Population.CommonCount)
	assert.Equal(t, 1, result.Data.Matches)
}

func TestNullPolicies(t *testing.T) {
	a := loans("a", domain.Row{"l1", nil}, domain.Row{"l2", nil})
	b := loans("b", domain.Row{"l1", int64(0)}, domain.Row{"l2", nil})

	zero, err := DataDiff(a, b, []string{"loan_id"}, opts(2))
	require.NoError(t, err)
	assert.Equal(t, 2, zero.Matches)

	strict := opts(2)
	strict.NullPolicy = domain.NullStrict
	data, err := DataDiff(a, b, []string{"loan_id"}, strict)
	require.NoError(t, err)
	assert.Equal(t, 1, data.Matches)
	require.Equal(t, 1, data.Mismatches)
	assert.Equal(t, []string{"l1"}, data.Details[0].Key)
	assert.Nil(t, data.Details[0].MetricA)
	require.NotNil(t, data.Details[0].MetricB)
}

func TestNumericKeysAlign(t *testing.T) {
	a := loans("a", domain.Row{int64(5), int64(1)})
	b := loans("b", domain.Row{dec("5.00"), int64(1)})

	pop, err := PopulationDiff(a, b, []string{"loan_id"})
	require.NoError(t, err)
	assert.Equal(t, 1, pop.CommonCount)
	assert.Empty(t, pop.MissingInB)
}

func TestCompositeKeysSorted(t *testing.T) {
	rel := func(name string, keys ...[2]string) *domain.Relation {
		r := domain.NewRelation(name, []string{"loan_id", "month", "balance"})
		for _, k := range keys {
			r.Append(domain.Row{k[0], k[1], int64(1)})
		}
		return r
	}
	a := rel("a", [2]string{"l2", "2024-02"}, [2]string{"l1", "2024-03"}, [2]string{"l1", "2024-01"})
	b := rel("b")

	pop, err := PopulationDiff(a, b, []string{"loan_id", "month"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"l1", "2024-01"}, {"l1", "2024-03"}, {"l2", "2024-02"}}, pop.MissingInB)
}

func TestNumericKeysSortNumerically(t *testing.T) {
	a := loans("a",
		domain.Row{int64(10), int64(1)},
		domain.Row{"x1", int64(1)},
		domain.Row{int64(9), int64(1)},
		domain.Row{int64(100), int64(1)})
	b := loans("b")

	pop, err := PopulationDiff(a, b, []string{"loan_id"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"9"}, {"10"}, {"100"}, {"x1"}}, pop.MissingInB)
}

func TestMissingColumns(t *testing.T) {
	a := loans("a")
	b := domain.NewRelation("b", []string{"id", "balance"})

	_, err := PopulationDiff(a, b, []string{"loan_id"})
	var notFound *domain.ColumnNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = DataDiff(a, a, []string{"loan_id"}, Options{MetricA: "amount", MetricB: "balance"})
	require.ErrorAs(t, err, &notFound)
}

func TestNonNumericMetric(t *testing.T) {
	a := loans("a", domain.Row{"l1", "abc"})
	b := loans("b", domain.Row{"l1", int64(1)})
	_, err := DataDiff(a, b, []string{"loan_id"}, opts(2))
	require.Error(t, err)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity(" ACME Corp", "acme corp"))
	assert.InDelta(t, 0.9, Similarity("acme corpx", "acme corpy"), 1e-9)
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
	assert.Equal(t, 1.0, Similarity("", ""))
}

func TestFuzzyAlignment(t *testing.T) {
	a := domain.NewRelation("a", []string{"customer_name", "balance"})
	a.Append(domain.Row{"Acme Holdings Ltd", int64(100)})
	a.Append(domain.Row{"Globex Corporation", int64(50)})

	b := domain.NewRelation("b", []string{"customer_name", "balance"})
	b.Append(domain.Row{"ACME Holdings Ltd.", int64(100)})
	b.Append(domain.Row{"Globex Corporation", int64(50)})
	b.Append(domain.Row{"Initech", int64(10)})

	grain := []string{"customer_name"}
	result, err := Compare(a, b, grain, CompareOptions{Options: opts(2), Fuzzy: true})
	require.NoError(t, err)

	require.Len(t, result.FuzzyMatches, 1)
	match := result.FuzzyMatches[0]
	assert.Equal(t, "customer_name", match.Column)
	assert.Equal(t, "ACME Holdings Ltd.", match.ValueB)
	assert.Equal(t, "Acme Holdings Ltd", match.MatchedA)
	assert.GreaterOrEqual(t, match.Similarity, DefaultFuzzyThreshold)

	assert.Equal(t, 2, result.Population.CommonCount)
	assert.Equal(t, [][]string{{"Initech"}}, result.Population.ExtraInB)
	assert.Equal(t, 2, result.Data.Matches)

	plain, err := Compare(a, withUnalignedName(b), grain, CompareOptions{Options: opts(2)})
	require.NoError(t, err)
	assert.Empty(t, plain.FuzzyMatches)
}

func withUnalignedName(rel *domain.Relation) *domain.Relation {
	out := rel.Clone()
	out.Rows[0][0] = "ACME Holdings Ltd."
	return out
}

func TestFuzzyColumnsHeuristic(t *testing.T) {
	rel := domain.NewRelation("a", []string{"loan_id", "customer_name", "entity_code"})
	rel.Append(domain.Row{"l1", "Acme", int64(4)})
	assert.Equal(t, []string{"customer_name"}, FuzzyColumns(rel, []string{"loan_id", "customer_name", "entity_code"}))
}

func TestFuzzyThresholdRespected(t *testing.T) {
	a := domain.NewRelation("a", []string{"customer_name"})
	a.Append(domain.Row{"abcd"})
	b := domain.NewRelation("b", []string{"customer_name"})
	b.Append(domain.Row{"abce"})

	matches, err := FuzzyAlign(a, b, []string{"customer_name"}, FuzzyOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, "abce", b.Rows[0][0])

	matches, err = FuzzyAlign(a, b, []string{"customer_name"}, FuzzyOptions{Threshold: 0.75})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "abcd", b.Rows[0][0])
}
