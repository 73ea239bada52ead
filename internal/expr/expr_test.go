package expr

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/recon/internal/domain"
)

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"a + b * c", "(a + (b * c))"},
		{"(a + b) * c", "((a + b) * c)"},
		{"-a - b", "((-a) - b)"},
		{"a = 1 AND b > 2 OR c IS NULL", "(((a = 1) AND (b > 2)) OR (c IS NULL))"},
		{"NOT status IN ('open', 'closed')", "(NOT (status IN ('open', 'closed')))"},
		{"x NOT BETWEEN 1 AND 5", "(x NOT BETWEEN 1 AND 5)"},
		{"sum(balance) - SUM(fees)", "(SUM(balance) - SUM(fees))"},
		{"COUNT(*)", "COUNT(*)"},
		{`"end" <> 'it''s'`, `("end" != 'it''s')`},
		{"loans.balance >= 10.50", "(loans.balance >= 10.5)"},
		{"CASE WHEN a > 0 THEN a ELSE 0 END", "CASE WHEN (a > 0) THEN a ELSE 0 END"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			e, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.String())

			again, err := Parse(e.String())
			require.NoError(t, err)
			assert.Equal(t, e.String(), again.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{"", "a +", "SUM(a", "a b", "'open", "x IS 5", "CASE END", "a ! b"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			var exprErr *domain.ExpressionError
			require.True(t, errors.As(err, &exprErr), "expected ExpressionError, got %v", err)
		})
	}
}

func TestColumnsAndAggregates(t *testing.T) {
	e := MustParse("SUM(principal + interest) - COUNT(*) + COALESCE(fee, 0) * principal")

	assert.Equal(t, []string{"principal", "interest", "fee"}, Columns(e))

	aggs := Aggregates(e)
	require.Len(t, aggs, 2)
	assert.Equal(t, "SUM", aggs[0].Name)
	assert.Equal(t, "COUNT", aggs[1].Name)

	replaced := ReplaceAggregates(e, func(call *FuncCall) Expr {
		return &ColumnRef{Name: "agg_" + call.Name}
	})
	assert.Equal(t, "((agg_SUM - agg_COUNT) + (COALESCE(fee, 0) * principal))", replaced.String())
}

func TestEval(t *testing.T) {
	columns := []string{"balance", "fee", "status", "opened"}
	row := domain.Row{decimal.RequireFromString("100.25"), nil, "open", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}

	tests := []struct {
		input string
		want  any
	}{
		{"balance - COALESCE(fee, 0)", decimal.RequireFromString("100.25")},
		{"balance + fee", nil},
		{"balance / 0", nil},
		{"ROUND(balance, 1)", decimal.RequireFromString("100.3")},
		{"ABS(0 - balance)", decimal.RequireFromString("100.25")},
		{"status = 'open'", true},
		{"UPPER(status)", "OPEN"},
		{"fee IS NULL", true},
		{"fee > 1", nil},
		{"fee > 1 OR status = 'open'", true},
		{"fee > 1 AND status = 'open'", nil},
		{"status IN ('closed', 'open')", true},
		{"opened >= '2024-01-01'", true},
		{"opened BETWEEN '2024-01-01' AND '2024-02-01'", false},
		{"balance > '99'", true},
		{"CASE WHEN status = 'open' THEN 1 ELSE 0 END", decimal.NewFromInt(1)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			prog, err := Compile(tt.input, columns)
			require.NoError(t, err)
			got, err := prog.Eval(row)
			require.NoError(t, err)
			if want, ok := tt.want.(decimal.Decimal); ok {
				gotDec, ok := got.(decimal.Decimal)
				require.True(t, ok, "expected decimal, got %T", got)
				assert.True(t, want.Equal(gotDec), "want %s got %s", want, gotDec)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBindRejectsUnknownColumnsAndAggregates(t *testing.T) {
	_, err := Compile("missing + 1", []string{"a", "b"})
	var colErr *domain.ColumnNotFoundError
	require.True(t, errors.As(err, &colErr))
	assert.Equal(t, "missing", colErr.Column)
	assert.Equal(t, []string{"a", "b"}, colErr.Available)

	_, err = Compile("SUM(a)", []string{"a"})
	var exprErr *domain.ExpressionError
	require.True(t, errors.As(err, &exprErr))

	_, err = Compile("NOPE(a)", []string{"a"})
	require.True(t, errors.As(err, &exprErr))
}

func TestMatchesTreatsNullAsFalse(t *testing.T) {
	prog, err := Compile("amount > 10", []string{"amount"})
	require.NoError(t, err)

	ok, err := prog.Matches(domain.Row{nil})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = prog.Matches(domain.Row{int64(11)})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestColumnLookupIsCaseInsensitive(t *testing.T) {
	prog, err := Compile("Balance * 2", []string{"balance"})
	require.NoError(t, err)
	got, err := prog.Eval(domain.Row{int64(4)})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(8).Equal(got.(decimal.Decimal)))
}
