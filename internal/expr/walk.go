package expr

import "github.com/rpattn/recon/internal/domain"

// Walk visits expr and its children depth-first. Returning false from fn
// skips the children of the current node.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case *UnaryExpr:
		Walk(n.Expr, fn)
	case *BinaryExpr:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *FuncCall:
		for _, arg := range n.Args {
			Walk(arg, fn)
		}
	case *IsNullExpr:
		Walk(n.Expr, fn)
	case *InExpr:
		Walk(n.Expr, fn)
		for _, item := range n.List {
			Walk(item, fn)
		}
	case *BetweenExpr:
		Walk(n.Expr, fn)
		Walk(n.Low, fn)
		Walk(n.High, fn)
	case *CaseExpr:
		for _, w := range n.Whens {
			Walk(w.Cond, fn)
			Walk(w.Result, fn)
		}
		Walk(n.Else, fn)
	}
}

// Columns returns the distinct column names referenced by expr in order of appearance.
func Columns(e Expr) []string {
	var cols []string
	seen := map[string]struct{}{}
	Walk(e, func(node Expr) bool {
		if ref, ok := node.(*ColumnRef); ok {
			if _, dup := seen[ref.Name]; !dup {
				seen[ref.Name] = struct{}{}
				cols = append(cols, ref.Name)
			}
		}
		return true
	})
	return cols
}

// IsAggregate reports whether the call is one of the aggregate functions.
func IsAggregate(call *FuncCall) bool {
	_, ok := domain.ParseAggregateFunc(call.Name)
	return ok
}

// Aggregates returns the outermost aggregate calls in expr, in order of appearance.
func Aggregates(e Expr) []*FuncCall {
	var calls []*FuncCall
	Walk(e, func(node Expr) bool {
		if call, ok := node.(*FuncCall); ok && IsAggregate(call) {
			calls = append(calls, call)
			return false
		}
		return true
	})
	return calls
}

// ReplaceAggregates returns a copy of expr where every outermost aggregate call
// is replaced by the result of fn.
func ReplaceAggregates(e Expr, fn func(*FuncCall) Expr) Expr {
	switch n := e.(type) {
	case *FuncCall:
		if IsAggregate(n) {
			return fn(n)
		}
		args := make([]Expr, len(n.Args))
		for i, arg := range n.Args {
			args[i] = ReplaceAggregates(arg, fn)
		}
		return &FuncCall{Name: n.Name, Args: args}
	case *UnaryExpr:
		return &UnaryExpr{Op: n.Op, Expr: ReplaceAggregates(n.Expr, fn)}
	case *BinaryExpr:
		return &BinaryExpr{Left: ReplaceAggregates(n.Left, fn), Op: n.Op, Right: ReplaceAggregates(n.Right, fn)}
	case *IsNullExpr:
		return &IsNullExpr{Expr: ReplaceAggregates(n.Expr, fn), Not: n.Not}
	case *InExpr:
		list := make([]Expr, len(n.List))
		for i, item := range n.List {
			list[i] = ReplaceAggregates(item, fn)
		}
		return &InExpr{Expr: ReplaceAggregates(n.Expr, fn), List: list, Not: n.Not}
	case *BetweenExpr:
		return &BetweenExpr{
			Expr: ReplaceAggregates(n.Expr, fn),
			Low:  ReplaceAggregates(n.Low, fn),
			High: ReplaceAggregates(n.High, fn),
			Not:  n.Not,
		}
	case *CaseExpr:
		out := &CaseExpr{Whens: make([]WhenClause, len(n.Whens))}
		for i, w := range n.Whens {
			out.Whens[i] = WhenClause{Cond: ReplaceAggregates(w.Cond, fn), Result: ReplaceAggregates(w.Result, fn)}
		}
		if n.Else != nil {
			out.Else = ReplaceAggregates(n.Else, fn)
		}
		return out
	default:
		return e
	}
}
