package expr

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/domain"
)

// Program is an expression bound to the column layout of a relation.
type Program struct {
	source string
	expr   Expr
	slots  map[string]int
}

// Bind resolves every column referenced by expr against columns. Unknown
// columns fail with *domain.ColumnNotFoundError; aggregate calls are rejected.
func Bind(e Expr, columns []string) (*Program, error) {
	rel := domain.Relation{Columns: columns}
	prog := &Program{source: e.String(), expr: e, slots: map[string]int{}}
	var bindErr error
	Walk(e, func(node Expr) bool {
		if bindErr != nil {
			return false
		}
		switch n := node.(type) {
		case *ColumnRef:
			pos := rel.ColumnIndex(n.Name)
			if pos < 0 {
				bindErr = domain.ErrColumnNotFound(n.Name, "expression "+prog.source, columns)
				return false
			}
			prog.slots[n.Name] = pos
		case *FuncCall:
			if IsAggregate(n) {
				bindErr = domain.ErrExpression(prog.source, "aggregate %s is not allowed here", n.Name)
				return false
			}
			if _, ok := scalarFuncs[n.Name]; !ok {
				bindErr = domain.ErrExpression(prog.source, "unknown function %s", n.Name)
				return false
			}
		case *Star:
			bindErr = domain.ErrExpression(prog.source, "* is only valid in COUNT(*)")
			return false
		}
		return true
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return prog, nil
}

// Compile parses and binds in one step.
func Compile(source string, columns []string) (*Program, error) {
	e, err := Parse(source)
	if err != nil {
		return nil, err
	}
	return Bind(e, columns)
}

// Eval evaluates the program against one row.
func (p *Program) Eval(row domain.Row) (any, error) {
	return p.eval(p.expr, row)
}

// Matches evaluates the program as a predicate; null and false both reject the row.
func (p *Program) Matches(row domain.Row) (bool, error) {
	v, err := p.Eval(row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	return ok && b, nil
}

func (p *Program) eval(e Expr, row domain.Row) (any, error) {
	switch n := e.(type) {
	case *Literal:
		return n.Value, nil
	case *ColumnRef:
		pos := p.slots[n.Name]
		if pos >= len(row) {
			return nil, nil
		}
		return row[pos], nil
	case *UnaryExpr:
		v, err := p.eval(n.Expr, row)
		if err != nil {
			return nil, err
		}
		if n.Op == "NOT" {
			return not(v), nil
		}
		if domain.IsNull(v) {
			return nil, nil
		}
		d, ok := domain.ToDecimal(v)
		if !ok {
			return nil, p.errorf("cannot negate %v", v)
		}
		return d.Neg(), nil
	case *BinaryExpr:
		return p.evalBinary(n, row)
	case *FuncCall:
		args := make([]any, len(n.Args))
		for i, arg := range n.Args {
			v, err := p.eval(arg, row)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return scalarFuncs[n.Name](p, args)
	case *IsNullExpr:
		v, err := p.eval(n.Expr, row)
		if err != nil {
			return nil, err
		}
		return domain.IsNull(v) != n.Not, nil
	case *InExpr:
		return p.evalIn(n, row)
	case *BetweenExpr:
		return p.evalBetween(n, row)
	case *CaseExpr:
		for _, w := range n.Whens {
			cond, err := p.eval(w.Cond, row)
			if err != nil {
				return nil, err
			}
			if b, ok := cond.(bool); ok && b {
				return p.eval(w.Result, row)
			}
		}
		if n.Else == nil {
			return nil, nil
		}
		return p.eval(n.Else, row)
	default:
		return nil, p.errorf("unsupported expression %T", e)
	}
}

func (p *Program) errorf(format string, args ...any) error {
	return domain.ErrExpression(p.source, format, args...)
}

func (p *Program) evalBinary(n *BinaryExpr, row domain.Row) (any, error) {
	left, err := p.eval(n.Left, row)
	if err != nil {
		return nil, err
	}
	right, err := p.eval(n.Right, row)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "AND":
		return and(left, right), nil
	case "OR":
		return or(left, right), nil
	case "=", "!=", "<", "<=", ">", ">=":
		if domain.IsNull(left) || domain.IsNull(right) {
			return nil, nil
		}
		cmp := compare(left, right)
		switch n.Op {
		case "=":
			return cmp == 0, nil
		case "!=":
			return cmp != 0, nil
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	}

	if domain.IsNull(left) || domain.IsNull(right) {
		return nil, nil
	}
	a, okA := domain.ToDecimal(left)
	b, okB := domain.ToDecimal(right)
	if !okA || !okB {
		return nil, p.errorf("non-numeric operand for %s: %v, %v", n.Op, left, right)
	}
	switch n.Op {
	case "+":
		return a.Add(b), nil
	case "-":
		return a.Sub(b), nil
	case "*":
		return a.Mul(b), nil
	case "/":
		if b.IsZero() {
			return nil, nil
		}
		return a.Div(b), nil
	case "%":
		if b.IsZero() {
			return nil, nil
		}
		return a.Mod(b), nil
	default:
		return nil, p.errorf("unsupported operator %s", n.Op)
	}
}

func (p *Program) evalIn(n *InExpr, row domain.Row) (any, error) {
	v, err := p.eval(n.Expr, row)
	if err != nil {
		return nil, err
	}
	if domain.IsNull(v) {
		return nil, nil
	}
	for _, item := range n.List {
		candidate, err := p.eval(item, row)
		if err != nil {
			return nil, err
		}
		if !domain.IsNull(candidate) && compare(v, candidate) == 0 {
			return !n.Not, nil
		}
	}
	return n.Not, nil
}

func (p *Program) evalBetween(n *BetweenExpr, row domain.Row) (any, error) {
	v, err := p.eval(n.Expr, row)
	if err != nil {
		return nil, err
	}
	low, err := p.eval(n.Low, row)
	if err != nil {
		return nil, err
	}
	high, err := p.eval(n.High, row)
	if err != nil {
		return nil, err
	}
	if domain.IsNull(v) || domain.IsNull(low) || domain.IsNull(high) {
		return nil, nil
	}
	inside := compare(v, low) >= 0 && compare(v, high) <= 0
	return inside != n.Not, nil
}

// compare orders two non-null values. A time compared with a string parses the
// string as a timestamp; a number compared with a numeric string compares numerically.
func compare(a, b any) int {
	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime || bTime {
		at, okA := domain.ToTime(a)
		bt, okB := domain.ToTime(b)
		if okA && okB {
			return at.Compare(bt)
		}
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aStr != bStr {
		ad, okA := domain.ToDecimal(a)
		bd, okB := domain.ToDecimal(b)
		if okA && okB {
			return ad.Cmp(bd)
		}
	}
	return domain.CompareValues(a, b)
}

func truth(v any) (value bool, known bool) {
	b, ok := v.(bool)
	return b, ok
}

func not(v any) any {
	b, ok := truth(v)
	if !ok {
		return nil
	}
	return !b
}

func and(a, b any) any {
	av, aok := truth(a)
	bv, bok := truth(b)
	if (aok && !av) || (bok && !bv) {
		return false
	}
	if !aok || !bok {
		return nil
	}
	return true
}

func or(a, b any) any {
	av, aok := truth(a)
	bv, bok := truth(b)
	if (aok && av) || (bok && bv) {
		return true
	}
	if !aok || !bok {
		return nil
	}
	return false
}

type scalarFunc func(p *Program, args []any) (any, error)

var scalarFuncs = map[string]scalarFunc{
	"COALESCE": func(_ *Program, args []any) (any, error) {
		for _, arg := range args {
			if !domain.IsNull(arg) {
				return arg, nil
			}
		}
		return nil, nil
	},
	"ABS": func(p *Program, args []any) (any, error) {
		if len(args) != 1 {
			return nil, p.errorf("ABS expects 1 argument, got %d", len(args))
		}
		if domain.IsNull(args[0]) {
			return nil, nil
		}
		d, ok := domain.ToDecimal(args[0])
		if !ok {
			return nil, p.errorf("ABS of non-numeric value %v", args[0])
		}
		return d.Abs(), nil
	},
	"ROUND": func(p *Program, args []any) (any, error) {
		if len(args) < 1 || len(args) > 2 {
			return nil, p.errorf("ROUND expects 1 or 2 arguments, got %d", len(args))
		}
		if domain.IsNull(args[0]) {
			return nil, nil
		}
		d, ok := domain.ToDecimal(args[0])
		if !ok {
			return nil, p.errorf("ROUND of non-numeric value %v", args[0])
		}
		places := decimal.Zero
		if len(args) == 2 {
			if places, ok = domain.ToDecimal(args[1]); !ok {
				return nil, p.errorf("ROUND places must be numeric")
			}
		}
		return d.Round(int32(places.IntPart())), nil
	},
	"UPPER": stringFunc("UPPER", strings.ToUpper),
	"LOWER": stringFunc("LOWER", strings.ToLower),
	"TRIM":  stringFunc("TRIM", strings.TrimSpace),
}

func stringFunc(name string, fn func(string) string) scalarFunc {
	return func(p *Program, args []any) (any, error) {
		if len(args) != 1 {
			return nil, p.errorf("%s expects 1 argument, got %d", name, len(args))
		}
		if args[0] == nil {
			return nil, nil
		}
		return fn(domain.FormatValue(args[0])), nil
	}
}
