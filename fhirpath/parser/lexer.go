package parser

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

const eof = -1

// TokenType is the type of a lexical token.
type TokenType uint8

const (
	TokenEOF TokenType = iota
	TokenError

	TokenIdentifier // name, also keywords like and, div or true
	TokenDelimited  // `name`
	TokenString     // 'text'
	TokenNumber     // 12, 1.5
	TokenLongNumber // 12L
	TokenTemporal   // @2020-01-01, @2020-01-01T10:00, @T10:00
	TokenVariable   // $this, $index, $total
	TokenConstant   // %

	TokenDot          // .
	TokenComma        // ,
	TokenParenOpen    // (
	TokenParenClose   // )
	TokenBracketOpen  // [
	TokenBracketClose // ]
	TokenBraceOpen    // {
	TokenBraceClose   // }

	TokenPlus         // +
	TokenMinus        // -
	TokenMult         // *
	TokenDiv          // /
	TokenConcat       // &
	TokenPipe         // |
	TokenEqual        // =
	TokenNotEqual     // !=
	TokenEquivalent   // ~
	TokenNotEquiv     // !~
	TokenLess         // <
	TokenLessEqual    // <=
	TokenGreater      // >
	TokenGreaterEqual // >=
)

var tokenNames = map[TokenType]string{
	TokenEOF:          "(eof)",
	TokenError:        "(error)",
	TokenIdentifier:   "(identifier)",
	TokenDelimited:    "(delimited identifier)",
	TokenString:       "(string)",
	TokenNumber:       "(number)",
	TokenLongNumber:   "(long number)",
	TokenTemporal:     "(date/time)",
	TokenVariable:     "(variable)",
	TokenConstant:     "%",
	TokenDot:          ".",
	TokenComma:        ",",
	TokenParenOpen:    "(",
	TokenParenClose:   ")",
	TokenBracketOpen:  "[",
	TokenBracketClose: "]",
	TokenBraceOpen:    "{",
	TokenBraceClose:   "}",
	TokenPlus:         "+",
	TokenMinus:        "-",
	TokenMult:         "*",
	TokenDiv:          "/",
	TokenConcat:       "&",
	TokenPipe:         "|",
	TokenEqual:        "=",
	TokenNotEqual:     "!=",
	TokenEquivalent:   "~",
	TokenNotEquiv:     "!~",
	TokenLess:         "<",
	TokenLessEqual:    "<=",
	TokenGreater:      ">",
	TokenGreaterEqual: ">=",
}

func (tt TokenType) String() string {
	if name, ok := tokenNames[tt]; ok {
		return name
	}
	return fmt.Sprintf("TokenType(%d)", int(tt))
}

// Token is a lexical token. Position is the byte offset of its first character.
type Token struct {
	Type     TokenType
	Value    string
	Position int
}

var symbols1 = map[rune]TokenType{
	'.': TokenDot,
	',': TokenComma,
	'(': TokenParenOpen,
	')': TokenParenClose,
	'[': TokenBracketOpen,
	']': TokenBracketClose,
	'{': TokenBraceOpen,
	'}': TokenBraceClose,
	'+': TokenPlus,
	'-': TokenMinus,
	'*': TokenMult,
	'/': TokenDiv,
	'&': TokenConcat,
	'|': TokenPipe,
	'=': TokenEqual,
	'~': TokenEquivalent,
	'<': TokenLess,
	'>': TokenGreater,
	'%': TokenConstant,
}

type runeTokenPair struct {
	r  rune
	tt TokenType
}

var symbols2 = map[rune][]runeTokenPair{
	'!': {{'=', TokenNotEqual}, {'~', TokenNotEquiv}},
	'<': {{'=', TokenLessEqual}},
	'>': {{'=', TokenGreaterEqual}},
}

// temporalPattern matches the body of date, date time and time literals after the @.
var temporalPattern = regexp.MustCompile(
	`^(?:T\d{2}(?::\d{2}(?::\d{2}(?:\.\d+)?)?)?` +
		`|\d{4}(?:-\d{2}(?:-\d{2})?)?(?:T(?:\d{2}(?::\d{2}(?::\d{2}(?:\.\d+)?)?)?(?:Z|[+-]\d{2}:\d{2})?)?)?)`,
)

// Lexer converts a FHIRPath expression into a sequence of tokens.
// The implementation is based on Rob Pike's "Lexical Scanning in Go" technique.
type Lexer struct {
	input   string
	start   int
	current int
	width   int
	err     *lexError
}

type lexError struct {
	message  string
	position int
}

func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// Next returns the next token. At the end of the input Next returns
// TokenEOF for all subsequent calls.
func (l *Lexer) Next() Token {
	l.skipWhitespaceAndComments()
	if l.err != nil {
		return Token{Type: TokenError, Value: l.err.message, Position: l.err.position}
	}

	ch := l.nextRune()
	if ch == eof {
		return Token{Type: TokenEOF, Position: l.current}
	}

	if pairs, ok := symbols2[ch]; ok {
		for _, pair := range pairs {
			if l.acceptRune(pair.r) {
				return l.newToken(pair.tt)
			}
		}
	}
	if tt, ok := symbols1[ch]; ok {
		return l.newToken(tt)
	}

	switch {
	case ch == '\'':
		return l.scanQuoted(ch, TokenString, "unterminated string literal")
	case ch == '`':
		return l.scanQuoted(ch, TokenDelimited, "unterminated delimited identifier")
	case ch == '@':
		return l.scanTemporal()
	case ch == '$':
		if !l.acceptAll(isIdentifierRune) {
			return l.error("expected variable name after $")
		}
		return l.newPrefixedToken(TokenVariable)
	case isDigit(ch):
		l.backup()
		return l.scanNumber()
	case isIdentifierStart(ch):
		l.acceptAll(isIdentifierRune)
		return l.newToken(TokenIdentifier)
	}
	return l.error(fmt.Sprintf("unexpected character %q", ch))
}

// scanQuoted reads up to the closing quote. The opening quote has already
// been consumed and is not part of the token value. Escape sequences are kept.
func (l *Lexer) scanQuoted(quote rune, tt TokenType, unterminated string) Token {
Loop:
	for {
		switch l.nextRune() {
		case quote:
			break Loop
		case '\\':
			if r := l.nextRune(); r != eof {
				break
			}
			fallthrough
		case eof:
			return l.error(unterminated)
		}
	}

	l.backup()
	t := l.newPrefixedToken(tt)
	l.acceptRune(quote)
	l.ignore()
	return t
}

// scanNumber reads an integer or decimal, optionally followed by L.
func (l *Lexer) scanNumber() Token {
	l.acceptAll(isDigit)
	dot := l.current
	if l.acceptRune('.') {
		if !l.acceptAll(isDigit) {
			// e.g. 1.toString(), the dot starts an invocation
			l.current = dot
		}
		return l.newToken(TokenNumber)
	}
	if l.acceptRune('L') {
		t := l.newToken(TokenLongNumber)
		t.Value = t.Value[:len(t.Value)-1]
		return t
	}
	return l.newToken(TokenNumber)
}

// scanTemporal reads a date, date time or time literal. The @ has already
// been consumed and is not part of the token value.
func (l *Lexer) scanTemporal() Token {
	m := temporalPattern.FindString(l.input[l.current:])
	if m == "" {
		return l.error("invalid date/time literal")
	}
	l.current += len(m)
	return l.newPrefixedToken(TokenTemporal)
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		l.acceptAll(isWhitespace)
		l.ignore()

		rest := l.input[l.current:]
		switch {
		case len(rest) >= 2 && rest[:2] == "//":
			for r := l.nextRune(); r != eof && r != '\n'; r = l.nextRune() {
			}
			l.ignore()
		case len(rest) >= 2 && rest[:2] == "/*":
			start := l.current
			l.current += 2
			for {
				r := l.nextRune()
				if r == eof {
					l.err = &lexError{message: "unclosed comment", position: start}
					return
				}
				if r == '*' && l.acceptRune('/') {
					break
				}
			}
			l.ignore()
		default:
			return
		}
	}
}

func (l *Lexer) error(message string) Token {
	if l.err == nil {
		l.err = &lexError{message: message, position: l.start}
	}
	return Token{Type: TokenError, Value: l.err.message, Position: l.err.position}
}

func (l *Lexer) newToken(tt TokenType) Token {
	t := Token{
		Type:     tt,
		Value:    l.input[l.start:l.current],
		Position: l.start,
	}
	l.width = 0
	l.start = l.current
	return t
}

// newPrefixedToken is newToken without the single byte prefix ($, @ or a
// quote) in the value. The position still points at the prefix.
func (l *Lexer) newPrefixedToken(tt TokenType) Token {
	t := l.newToken(tt)
	t.Value = t.Value[1:]
	return t
}

func (l *Lexer) nextRune() rune {
	if l.current >= len(l.input) {
		l.width = 0
		return eof
	}
	r, w := utf8.DecodeRuneInString(l.input[l.current:])
	l.width = w
	l.current += w
	return r
}

func (l *Lexer) backup() {
	l.current -= l.width
}

func (l *Lexer) ignore() {
	l.start = l.current
}

func (l *Lexer) acceptRune(r rune) bool {
	return l.accept(func(c rune) bool {
		return c == r
	})
}

func (l *Lexer) accept(isValid func(rune) bool) bool {
	if isValid(l.nextRune()) {
		return true
	}
	l.backup()
	return false
}

func (l *Lexer) acceptAll(isValid func(rune) bool) bool {
	var matched bool
	for l.accept(isValid) {
		matched = true
	}
	return matched
}

func isWhitespace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	default:
		return false
	}
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isIdentifierStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentifierRune(r rune) bool {
	return isIdentifierStart(r) || isDigit(r)
}
