package expr

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Expr is a parsed expression node. String renders an equivalent expression
// that parses back to the same tree.
type Expr interface {
	String() string
	exprNode()
}

// Literal is a constant: nil, string, decimal.Decimal or bool.
type Literal struct {
	Value any
}

// ColumnRef names an input column.
type ColumnRef struct {
	Name string
}

// Star is the * argument of COUNT(*).
type Star struct{}

// UnaryExpr applies "-" or "NOT" to an operand.
type UnaryExpr struct {
	Op   string
	Expr Expr
}

// BinaryExpr applies an arithmetic, comparison or logical operator.
type BinaryExpr struct {
	Left  Expr
	Op    string
	Right Expr
}

// FuncCall is a scalar function or aggregate call. Name is upper-cased.
type FuncCall struct {
	Name string
	Args []Expr
}

// IsNullExpr is "expr IS [NOT] NULL".
type IsNullExpr struct {
	Expr Expr
	Not  bool
}

// InExpr is "expr [NOT] IN (list)".
type InExpr struct {
	Expr Expr
	List []Expr
	Not  bool
}

// BetweenExpr is "expr [NOT] BETWEEN low AND high".
type BetweenExpr struct {
	Expr Expr
	Low  Expr
	High Expr
	Not  bool
}

// WhenClause is one branch of a CASE expression.
type WhenClause struct {
	Cond   Expr
	Result Expr
}

// CaseExpr is a searched CASE expression.
type CaseExpr struct {
	Whens []WhenClause
	Else  Expr
}

func (*Literal) exprNode()     {}
func (*ColumnRef) exprNode()   {}
func (*Star) exprNode()        {}
func (*UnaryExpr) exprNode()   {}
func (*BinaryExpr) exprNode()  {}
func (*FuncCall) exprNode()    {}
func (*IsNullExpr) exprNode()  {}
func (*InExpr) exprNode()      {}
func (*BetweenExpr) exprNode() {}
func (*CaseExpr) exprNode()    {}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case decimal.Decimal:
		return v.String()
	default:
		return "NULL"
	}
}

func (c *ColumnRef) String() string {
	if isBareIdent(c.Name) {
		return c.Name
	}
	return `"` + c.Name + `"`
}

func (*Star) String() string { return "*" }

func (u *UnaryExpr) String() string {
	if u.Op == "NOT" {
		return "(NOT " + u.Expr.String() + ")"
	}
	return "(" + u.Op + u.Expr.String() + ")"
}

func (b *BinaryExpr) String() string {
	return "(" + b.Left.String() + " " + b.Op + " " + b.Right.String() + ")"
}

func (f *FuncCall) String() string {
	args := make([]string, len(f.Args))
	for i, arg := range f.Args {
		args[i] = arg.String()
	}
	return f.Name + "(" + strings.Join(args, ", ") + ")"
}

func (e *IsNullExpr) String() string {
	if e.Not {
		return "(" + e.Expr.String() + " IS NOT NULL)"
	}
	return "(" + e.Expr.String() + " IS NULL)"
}

func (e *InExpr) String() string {
	items := make([]string, len(e.List))
	for i, item := range e.List {
		items[i] = item.String()
	}
	op := " IN ("
	if e.Not {
		op = " NOT IN ("
	}
	return "(" + e.Expr.String() + op + strings.Join(items, ", ") + "))"
}

func (e *BetweenExpr) String() string {
	op := " BETWEEN "
	if e.Not {
		op = " NOT BETWEEN "
	}
	return "(" + e.Expr.String() + op + e.Low.String() + " AND " + e.High.String() + ")"
}

func (e *CaseExpr) String() string {
	var b strings.Builder
	b.WriteString("CASE")
	for _, w := range e.Whens {
		b.WriteString(" WHEN ")
		b.WriteString(w.Cond.String())
		b.WriteString(" THEN ")
		b.WriteString(w.Result.String())
	}
	if e.Else != nil {
		b.WriteString(" ELSE ")
		b.WriteString(e.Else.String())
	}
	b.WriteString(" END")
	return b.String()
}

func isBareIdent(name string) bool {
	if name == "" {
		return false
	}
	if _, reserved := keywords[strings.ToUpper(name)]; reserved {
		return false
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case isIdentStart(ch):
		case isDigit(ch) && i > 0:
		case ch == '.' && i > 0 && i < len(name)-1 && isIdentStart(name[i+1]):
		default:
			return false
		}
	}
	return true
}
