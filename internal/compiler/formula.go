package compiler

import (
	"fmt"

	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/expr"
)

// aggregation is the Group step of a formula plus the Derive steps around it.
type aggregation struct {
	pre          []domain.Operation
	aggregations []domain.Aggregation
	post         []domain.Operation
	aggregate    domain.AggregateFunc
}

// compileFormula splits a formula into row-level derivations, the aggregations
// of its aggregate calls, and a final derivation combining them. A formula
// without any aggregate call is summed.
func compileFormula(formula, metric string, grain []string) (aggregation, error) {
	parsed, err := expr.Parse(formula)
	if err != nil {
		return aggregation{}, err
	}

	calls := expr.Aggregates(parsed)
	if len(calls) == 0 {
		call := &expr.FuncCall{Name: string(domain.AggSum), Args: []expr.Expr{parsed}}
		parsed, calls = call, []*expr.FuncCall{call}
	}
	for _, call := range calls {
		if len(call.Args) != 1 {
			return aggregation{}, domain.ErrExpression(formula, "%s takes exactly one argument", call.Name)
		}
		if nested := expr.Aggregates(call.Args[0]); len(nested) > 0 {
			return aggregation{}, domain.ErrExpression(formula, "nested aggregate %s inside %s", nested[0].Name, call.Name)
		}
	}

	for _, col := range grain {
		if col == metric {
			return aggregation{}, domain.ErrValidation("metric %q collides with a grain column", metric)
		}
	}

	var out aggregation
	if top, ok := parsed.(*expr.FuncCall); ok && expr.IsAggregate(top) {
		fn, _ := domain.ParseAggregateFunc(top.Name)
		agg, derive, err := aggregateInput(formula, top, fn, metric, metric+"_input")
		if err != nil {
			return aggregation{}, err
		}
		if derive != nil {
			out.pre = append(out.pre, *derive)
		}
		out.aggregations = []domain.Aggregation{agg}
		out.aggregate = fn
		return out, nil
	}

	aliases := make(map[*expr.FuncCall]string, len(calls))
	additive := true
	for i, call := range calls {
		fn, _ := domain.ParseAggregateFunc(call.Name)
		additive = additive && fn.Additive()
		alias := fmt.Sprintf("%s_agg%d", metric, i+1)
		agg, derive, err := aggregateInput(formula, call, fn, alias, fmt.Sprintf("%s_input%d", metric, i+1))
		if err != nil {
			return aggregation{}, err
		}
		if derive != nil {
			out.pre = append(out.pre, *derive)
		}
		out.aggregations = append(out.aggregations, agg)
		aliases[call] = alias
	}

	combined := expr.ReplaceAggregates(parsed, func(call *expr.FuncCall) expr.Expr {
		return &expr.ColumnRef{Name: aliases[call]}
	})
	out.post = []domain.Operation{domain.Derive{Expression: combined.String(), Alias: metric}}
	if additive && isLinear(combined) {
		out.aggregate = domain.AggSum
	}
	return out, nil
}

// aggregateInput aggregates a bare column directly and derives any other argument first.
func aggregateInput(formula string, call *expr.FuncCall, fn domain.AggregateFunc, alias, inputAlias string) (domain.Aggregation, *domain.Derive, error) {
	switch arg := call.Args[0].(type) {
	case *expr.Star:
		if fn != domain.AggCount {
			return domain.Aggregation{}, nil, domain.ErrExpression(formula, "* is only valid in COUNT(*)")
		}
		return domain.Aggregation{Func: fn, Column: "*", Alias: alias}, nil, nil
	case *expr.ColumnRef:
		return domain.Aggregation{Func: fn, Column: arg.Name, Alias: alias}, nil, nil
	default:
		derive := &domain.Derive{Expression: arg.String(), Alias: inputAlias}
		return domain.Aggregation{Func: fn, Column: inputAlias, Alias: alias}, derive, nil
	}
}

// isLinear reports whether e only adds, subtracts or negates column references,
// so that partial results combine by summation.
func isLinear(e expr.Expr) bool {
	switch n := e.(type) {
	case *expr.ColumnRef:
		return true
	case *expr.UnaryExpr:
		return n.Op == "-" && isLinear(n.Expr)
	case *expr.BinaryExpr:
		return (n.Op == "+" || n.Op == "-") && isLinear(n.Left) && isLinear(n.Right)
	default:
		return false
	}
}
