package formula

import (
	"strconv"
	"strings"
	"unicode"
)

// tokenKind tags the lexical class of a token.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokSeries // $identifier
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokDot
)

// token is one lexical unit of a formula.
type token struct {
	kind tokenKind
	text string  // raw text (identifier name, operator, string content)
	num  float64 // parsed value for tokNumber
	pos  int     // byte offset in the source, for error messages
}

// lexer walks formula text rune by rune.
type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

// next returns the next token, or a CompileError for malformed input.
func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	ch := l.input[l.pos]

	switch {
	case isIdentStart(ch):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}, nil

	case ch >= '0' && ch <= '9':
		for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		text := l.input[start:l.pos]
		num, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, compileErrorf("malformed number %q at offset %d", text, start)
		}
		return token{kind: tokNumber, text: text, num: num, pos: start}, nil

	case ch == '"':
		l.pos++
		end := strings.IndexByte(l.input[l.pos:], '"')
		if end < 0 {
			return token{}, compileErrorf("unterminated string at offset %d", start)
		}
		text := l.input[l.pos : l.pos+end]
		l.pos += end + 1
		return token{kind: tokString, text: text, pos: start}, nil

	case ch == '$':
		l.pos++
		idStart := l.pos
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		if l.pos == idStart {
			return token{}, compileErrorf("expected series identifier after '$' at offset %d", start)
		}
		return token{kind: tokSeries, text: l.input[idStart:l.pos], pos: start}, nil

	case ch == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case ch == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case ch == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case ch == '.':
		l.pos++
		return token{kind: tokDot, text: ".", pos: start}, nil

	case strings.IndexByte("+-*/", ch) >= 0:
		l.pos++
		return token{kind: tokOp, text: string(ch), pos: start}, nil

	case ch == '<' || ch == '>':
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
		}
		return token{kind: tokOp, text: l.input[start:l.pos], pos: start}, nil

	case ch == '=' || ch == '!':
		l.pos++
		if l.pos >= len(l.input) || l.input[l.pos] != '=' {
			return token{}, compileErrorf("unexpected character %q at offset %d", ch, start)
		}
		l.pos++
		return token{kind: tokOp, text: l.input[start:l.pos], pos: start}, nil
	}

	return token{}, compileErrorf("unexpected character %q at offset %d", ch, start)
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
