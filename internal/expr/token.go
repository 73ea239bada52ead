// Package expr parses and evaluates the expression language used by rule
// formulas, filter conditions and derived columns.
//
// The grammar is a small SQL-flavoured subset: arithmetic, comparisons,
// AND/OR/NOT, IS [NOT] NULL, [NOT] IN, [NOT] BETWEEN, CASE WHEN, scalar
// functions (COALESCE, ABS, ROUND, UPPER, LOWER, TRIM) and the aggregate
// calls SUM, COUNT, AVG, MIN and MAX, which are only meaningful in formulas.
package expr

import "strings"

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIllegal

	tokenIdent
	tokenNumber
	tokenString

	tokenPlus
	tokenMinus
	tokenStar
	tokenSlash
	tokenMod
	tokenEq
	tokenNe
	tokenLt
	tokenGt
	tokenLe
	tokenGe
	tokenComma
	tokenLParen
	tokenRParen

	tokenAnd
	tokenOr
	tokenNot
	tokenIs
	tokenNull
	tokenIn
	tokenBetween
	tokenTrue
	tokenFalse
	tokenCase
	tokenWhen
	tokenThen
	tokenElse
	tokenEnd
)

var keywords = map[string]tokenType{
	"AND":     tokenAnd,
	"OR":      tokenOr,
	"NOT":     tokenNot,
	"IS":      tokenIs,
	"NULL":    tokenNull,
	"IN":      tokenIn,
	"BETWEEN": tokenBetween,
	"TRUE":    tokenTrue,
	"FALSE":   tokenFalse,
	"CASE":    tokenCase,
	"WHEN":    tokenWhen,
	"THEN":    tokenThen,
	"ELSE":    tokenElse,
	"END":     tokenEnd,
}

func lookupIdent(ident string) tokenType {
	if tt, ok := keywords[strings.ToUpper(ident)]; ok {
		return tt
	}
	return tokenIdent
}

type token struct {
	typ     tokenType
	literal string
	pos     int
	// quoted marks identifiers written in double quotes, which never match keywords.
	quoted bool
}

// Precedence levels for Pratt parsing.
const (
	precedenceNone = iota
	precedenceOr
	precedenceAnd
	precedenceNot
	precedenceComparison
	precedenceAddition
	precedenceMultiply
	precedenceUnary
)
