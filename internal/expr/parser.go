package expr

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/domain"
)

// parser is a Pratt parser over the token stream.
type parser struct {
	lexer  *lexer
	input  string
	token  token
	peek   token
	errors []string
}

// Parse parses a single expression. Failures are reported as *domain.ExpressionError.
func Parse(input string) (Expr, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, domain.ErrExpression(input, "empty expression")
	}

	p := &parser{lexer: newLexer(trimmed), input: input}
	p.next()
	p.next()

	expr := p.parseExpression(precedenceNone + 1)
	if len(p.errors) == 0 && p.token.typ != tokenEOF {
		p.errorf("unexpected %q after expression", p.token.literal)
	}
	if len(p.errors) > 0 {
		return nil, domain.ErrExpression(input, "%s", p.errors[0])
	}
	return expr, nil
}

// MustParse parses an expression and panics on error. Intended for constants and tests.
func MustParse(input string) Expr {
	expr, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return expr
}

func (p *parser) next() {
	p.token = p.peek
	p.peek = p.lexer.nextToken()
}

func (p *parser) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf("at offset %d: ", p.token.pos)+fmt.Sprintf(format, args...))
}

func (p *parser) expect(tt tokenType, what string) bool {
	if p.token.typ != tt {
		p.errorf("expected %s, found %q", what, p.tokenText())
		return false
	}
	p.next()
	return true
}

func (p *parser) tokenText() string {
	if p.token.typ == tokenEOF {
		return "end of input"
	}
	return p.token.literal
}

func (p *parser) parseExpression(minPrecedence int) Expr {
	left := p.parsePrefix()
	if left == nil {
		return nil
	}
	for len(p.errors) == 0 {
		prec := p.infixPrecedence()
		if prec == precedenceNone || prec < minPrecedence {
			break
		}
		left = p.parseInfix(left, prec)
		if left == nil {
			return nil
		}
	}
	return left
}

func (p *parser) parsePrefix() Expr {
	switch p.token.typ {
	case tokenNot:
		p.next()
		operand := p.parseExpression(precedenceNot)
		if operand == nil {
			return nil
		}
		return &UnaryExpr{Op: "NOT", Expr: operand}
	case tokenMinus:
		p.next()
		operand := p.parseExpression(precedenceUnary)
		if operand == nil {
			return nil
		}
		return &UnaryExpr{Op: "-", Expr: operand}
	case tokenPlus:
		p.next()
		return p.parseExpression(precedenceUnary)
	default:
		return p.parsePrimary()
	}
}

func (p *parser) parsePrimary() Expr {
	tok := p.token
	switch tok.typ {
	case tokenNumber:
		p.next()
		d, err := decimal.NewFromString(tok.literal)
		if err != nil {
			p.errorf("invalid number %q", tok.literal)
			return nil
		}
		return &Literal{Value: d}
	case tokenString:
		p.next()
		return &Literal{Value: tok.literal}
	case tokenTrue:
		p.next()
		return &Literal{Value: true}
	case tokenFalse:
		p.next()
		return &Literal{Value: false}
	case tokenNull:
		p.next()
		return &Literal{Value: nil}
	case tokenStar:
		p.next()
		return &Star{}
	case tokenCase:
		return p.parseCase()
	case tokenLParen:
		p.next()
		inner := p.parseExpression(precedenceNone + 1)
		if inner == nil || !p.expect(tokenRParen, "')'") {
			return nil
		}
		return inner
	case tokenIdent:
		p.next()
		if p.token.typ == tokenLParen && !tok.quoted {
			return p.parseCall(tok.literal)
		}
		return &ColumnRef{Name: tok.literal}
	case tokenIllegal:
		p.errorf("%s", tok.literal)
		return nil
	default:
		p.errorf("unexpected %q", p.tokenText())
		return nil
	}
}

func (p *parser) parseCall(name string) Expr {
	p.next() // consume (
	call := &FuncCall{Name: strings.ToUpper(name)}
	if p.token.typ == tokenRParen {
		p.next()
		return call
	}
	for {
		arg := p.parseExpression(precedenceNone + 1)
		if arg == nil {
			return nil
		}
		call.Args = append(call.Args, arg)
		if p.token.typ == tokenComma {
			p.next()
			continue
		}
		if !p.expect(tokenRParen, "')'") {
			return nil
		}
		return call
	}
}

func (p *parser) parseCase() Expr {
	p.next() // consume CASE
	expr := &CaseExpr{}
	for p.token.typ == tokenWhen {
		p.next()
		cond := p.parseExpression(precedenceNone + 1)
		if cond == nil || !p.expect(tokenThen, "THEN") {
			return nil
		}
		result := p.parseExpression(precedenceNone + 1)
		if result == nil {
			return nil
		}
		expr.Whens = append(expr.Whens, WhenClause{Cond: cond, Result: result})
	}
	if len(expr.Whens) == 0 {
		p.errorf("CASE requires at least one WHEN")
		return nil
	}
	if p.token.typ == tokenElse {
		p.next()
		expr.Else = p.parseExpression(precedenceNone + 1)
		if expr.Else == nil {
			return nil
		}
	}
	if !p.expect(tokenEnd, "END") {
		return nil
	}
	return expr
}

func (p *parser) infixPrecedence() int {
	switch p.token.typ {
	case tokenOr:
		return precedenceOr
	case tokenAnd:
		return precedenceAnd
	case tokenEq, tokenNe, tokenLt, tokenGt, tokenLe, tokenGe, tokenIs, tokenIn, tokenBetween:
		return precedenceComparison
	case tokenNot:
		if p.peek.typ == tokenIn || p.peek.typ == tokenBetween {
			return precedenceComparison
		}
		return precedenceNone
	case tokenPlus, tokenMinus:
		return precedenceAddition
	case tokenStar, tokenSlash, tokenMod:
		return precedenceMultiply
	default:
		return precedenceNone
	}
}

func (p *parser) parseInfix(left Expr, prec int) Expr {
	switch p.token.typ {
	case tokenIs:
		p.next()
		not := false
		if p.token.typ == tokenNot {
			not = true
			p.next()
		}
		if !p.expect(tokenNull, "NULL after IS") {
			return nil
		}
		return &IsNullExpr{Expr: left, Not: not}
	case tokenNot:
		p.next()
		if p.token.typ == tokenIn {
			p.next()
			return p.parseIn(left, true)
		}
		p.next()
		return p.parseBetween(left, true)
	case tokenIn:
		p.next()
		return p.parseIn(left, false)
	case tokenBetween:
		p.next()
		return p.parseBetween(left, false)
	case tokenAnd:
		p.next()
		return p.binary(left, "AND", prec)
	case tokenOr:
		p.next()
		return p.binary(left, "OR", prec)
	default:
		op := p.token.literal
		p.next()
		return p.binary(left, op, prec)
	}
}

func (p *parser) binary(left Expr, op string, prec int) Expr {
	right := p.parseExpression(prec + 1)
	if right == nil {
		if len(p.errors) == 0 {
			p.errorf("missing right operand for %s", op)
		}
		return nil
	}
	return &BinaryExpr{Left: left, Op: op, Right: right}
}

func (p *parser) parseIn(left Expr, not bool) Expr {
	if !p.expect(tokenLParen, "'(' after IN") {
		return nil
	}
	in := &InExpr{Expr: left, Not: not}
	for {
		item := p.parseExpression(precedenceNone + 1)
		if item == nil {
			return nil
		}
		in.List = append(in.List, item)
		if p.token.typ == tokenComma {
			p.next()
			continue
		}
		if !p.expect(tokenRParen, "')'") {
			return nil
		}
		return in
	}
}

func (p *parser) parseBetween(left Expr, not bool) Expr {
	low := p.parseExpression(precedenceComparison + 1)
	if low == nil || !p.expect(tokenAnd, "AND in BETWEEN") {
		return nil
	}
	high := p.parseExpression(precedenceComparison + 1)
	if high == nil {
		return nil
	}
	return &BetweenExpr{Expr: left, Low: low, High: high, Not: not}
}
