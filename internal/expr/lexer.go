package expr

import (
	"strings"
	"unicode"
)

// lexer tokenizes expression input.
type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *lexer) nextToken() token {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}

	start := l.pos
	var tok token
	switch l.ch {
	case 0:
		return token{typ: tokenEOF, pos: start}
	case '+':
		tok = token{typ: tokenPlus, literal: "+"}
	case '-':
		tok = token{typ: tokenMinus, literal: "-"}
	case '*':
		tok = token{typ: tokenStar, literal: "*"}
	case '/':
		tok = token{typ: tokenSlash, literal: "/"}
	case '%':
		tok = token{typ: tokenMod, literal: "%"}
	case ',':
		tok = token{typ: tokenComma, literal: ","}
	case '(':
		tok = token{typ: tokenLParen, literal: "("}
	case ')':
		tok = token{typ: tokenRParen, literal: ")"}
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
		}
		tok = token{typ: tokenEq, literal: "="}
	case '!':
		if l.peekChar() != '=' {
			tok = token{typ: tokenIllegal, literal: "!"}
			break
		}
		l.readChar()
		tok = token{typ: tokenNe, literal: "!="}
	case '<':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok = token{typ: tokenLe, literal: "<="}
		case '>':
			l.readChar()
			tok = token{typ: tokenNe, literal: "!="}
		default:
			tok = token{typ: tokenLt, literal: "<"}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = token{typ: tokenGe, literal: ">="}
		} else {
			tok = token{typ: tokenGt, literal: ">"}
		}
	case '\'':
		return l.readString(start)
	case '"', '`':
		return l.readQuotedIdent(start)
	default:
		if isDigit(l.ch) || (l.ch == '.' && isDigit(l.peekChar())) {
			return token{typ: tokenNumber, literal: l.readNumber(), pos: start}
		}
		if isIdentStart(l.ch) {
			ident := l.readIdent()
			return token{typ: lookupIdent(ident), literal: ident, pos: start}
		}
		tok = token{typ: tokenIllegal, literal: string(l.ch)}
	}
	tok.pos = start
	l.readChar()
	return tok
}

func (l *lexer) readString(start int) token {
	var b strings.Builder
	l.readChar()
	for {
		switch l.ch {
		case 0:
			return token{typ: tokenIllegal, literal: "unterminated string", pos: start}
		case '\'':
			if l.peekChar() == '\'' {
				b.WriteByte('\'')
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return token{typ: tokenString, literal: b.String(), pos: start}
		default:
			b.WriteByte(l.ch)
			l.readChar()
		}
	}
}

func (l *lexer) readQuotedIdent(start int) token {
	quote := l.ch
	l.readChar()
	from := l.pos
	for l.ch != quote {
		if l.ch == 0 {
			return token{typ: tokenIllegal, literal: "unterminated identifier", pos: start}
		}
		l.readChar()
	}
	ident := l.input[from:l.pos]
	l.readChar()
	return token{typ: tokenIdent, literal: ident, pos: start, quoted: true}
}

func (l *lexer) readNumber() string {
	from := l.pos
	seenDot := false
	for isDigit(l.ch) || (l.ch == '.' && !seenDot) {
		if l.ch == '.' {
			seenDot = true
		}
		l.readChar()
	}
	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if isDigit(next) || next == '+' || next == '-' {
			l.readChar()
			l.readChar()
			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}
	return l.input[from:l.pos]
}

// readIdent reads a bare identifier. Dots are allowed so that qualified
// names such as loans.balance stay a single column reference.
func (l *lexer) readIdent() string {
	from := l.pos
	for isIdentStart(l.ch) || isDigit(l.ch) || (l.ch == '.' && isIdentStart(l.peekChar())) {
		l.readChar()
	}
	return l.input[from:l.pos]
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch < 0x80 && unicode.IsLetter(rune(ch))) || ch >= 0x80
}
