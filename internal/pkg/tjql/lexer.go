package tjql

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIllegal
	TokenIdent
	TokenString // "double quoted"
	TokenTime   // 'single quoted'
	TokenNumber
	TokenRegex // /pattern/
	TokenLParen
	TokenRParen
	TokenWhere
	TokenAnd
	TokenOr
	TokenNot
	TokenEq  // =
	TokenNeq // !=
	TokenGt  // >
	TokenGte // >=
	TokenLt  // <
	TokenLte // <=
)

var tokenNames = map[TokenType]string{
	TokenEOF:     "end of input",
	TokenIllegal: "illegal token",
	TokenIdent:   "identifier",
	TokenString:  "string",
	TokenTime:    "time literal",
	TokenNumber:  "number",
	TokenRegex:   "regex",
	TokenLParen:  "'('",
	TokenRParen:  "')'",
	TokenWhere:   "WHERE",
	TokenAnd:     "AND",
	TokenOr:      "OR",
	TokenNot:     "NOT",
	TokenEq:      "'='",
	TokenNeq:     "'!='",
	TokenGt:      "'>'",
	TokenGte:     "'>='",
	TokenLt:      "'<'",
	TokenLte:     "'<='",
}

func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "unknown"
}

// Token represents a lexical token.
// For TokenIllegal, Value holds the reason.
type Token struct {
	Type  TokenType
	Value string
	Pos   int // Byte offset of the first character
}

// Lexer tokenizes filter input.
type Lexer struct {
	input string
	pos   int
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input, pos: 0}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: len(l.input)}
	}

	start := l.pos
	ch := l.input[l.pos]

	switch ch {
	case '(':
		l.pos++
		return Token{Type: TokenLParen, Value: "(", Pos: start}
	case ')':
		l.pos++
		return Token{Type: TokenRParen, Value: ")", Pos: start}
	case '=':
		l.pos++
		return Token{Type: TokenEq, Value: "=", Pos: start}
	case '!':
		if l.peek(1) == '=' {
			l.pos += 2
			return Token{Type: TokenNeq, Value: "!=", Pos: start}
		}
		l.pos++
		return Token{Type: TokenIllegal, Value: "unexpected character '!'", Pos: start}
	case '>':
		if l.peek(1) == '=' {
			l.pos += 2
			return Token{Type: TokenGte, Value: ">=", Pos: start}
		}
		l.pos++
		return Token{Type: TokenGt, Value: ">", Pos: start}
	case '<':
		if l.peek(1) == '=' {
			l.pos += 2
			return Token{Type: TokenLte, Value: "<=", Pos: start}
		}
		l.pos++
		return Token{Type: TokenLt, Value: "<", Pos: start}
	case '"':
		return l.readString()
	case '\'':
		return l.readTime()
	case '/':
		return l.readRegex()
	}

	if isDigit(ch) || (ch == '-' && isDigit(l.peek(1))) {
		return l.readNumber()
	}

	r, size := utf8.DecodeRuneInString(l.input[l.pos:])
	if isIdentStart(r) {
		return l.readIdent()
	}

	l.pos += size
	return Token{Type: TokenIllegal, Value: "unexpected character " + quoteRune(r), Pos: start}
}

func (l *Lexer) peek(n int) byte {
	if l.pos+n < len(l.input) {
		return l.input[l.pos+n]
	}
	return 0
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		r, size := utf8.DecodeRuneInString(l.input[l.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		l.pos += size
	}
}

// readString reads a double-quoted string. \" and \\ are escapes; any other
// backslash is kept as written.
func (l *Lexer) readString() Token {
	start := l.pos
	l.pos++ // skip opening quote

	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '"':
			l.pos++
			return Token{Type: TokenString, Value: b.String(), Pos: start}
		case ch == '\\' && (l.peek(1) == '"' || l.peek(1) == '\\'):
			b.WriteByte(l.peek(1))
			l.pos += 2
		default:
			b.WriteByte(ch)
			l.pos++
		}
	}
	return Token{Type: TokenIllegal, Value: "unterminated string", Pos: start}
}

// readTime reads a single-quoted time literal body.
func (l *Lexer) readTime() Token {
	start := l.pos
	end := strings.IndexByte(l.input[l.pos+1:], '\'')
	if end < 0 {
		l.pos = len(l.input)
		return Token{Type: TokenIllegal, Value: "unterminated time literal", Pos: start}
	}
	value := l.input[l.pos+1 : l.pos+1+end]
	l.pos += end + 2
	return Token{Type: TokenTime, Value: value, Pos: start}
}

// readRegex reads /pattern/. Only \/ is unescaped; every other escape is
// left for the regex engine.
func (l *Lexer) readRegex() Token {
	start := l.pos
	l.pos++ // skip opening slash

	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '/':
			l.pos++
			return Token{Type: TokenRegex, Value: b.String(), Pos: start}
		case ch == '\\' && l.peek(1) == '/':
			b.WriteByte('/')
			l.pos += 2
		case ch == '\\' && l.pos+1 < len(l.input):
			b.WriteByte(ch)
			b.WriteByte(l.input[l.pos+1])
			l.pos += 2
		default:
			b.WriteByte(ch)
			l.pos++
		}
	}
	return Token{Type: TokenIllegal, Value: "unterminated regex", Pos: start}
}

func (l *Lexer) readNumber() Token {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '.' && isDigit(l.peek(1)) {
		l.pos++
		for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.pos++
		}
	}
	return Token{Type: TokenNumber, Value: l.input[start:l.pos], Pos: start}
}

func (l *Lexer) readIdent() Token {
	start := l.pos
	for l.pos < len(l.input) {
		r, size := utf8.DecodeRuneInString(l.input[l.pos:])
		if !isIdentChar(r) {
			break
		}
		l.pos += size
	}
	value := l.input[start:l.pos]

	// Check for keywords
	upper := strings.ToUpper(value)
	switch upper {
	case "WHERE":
		return Token{Type: TokenWhere, Value: upper, Pos: start}
	case "AND":
		return Token{Type: TokenAnd, Value: upper, Pos: start}
	case "OR":
		return Token{Type: TokenOr, Value: upper, Pos: start}
	case "NOT":
		return Token{Type: TokenNot, Value: upper, Pos: start}
	}

	return Token{Type: TokenIdent, Value: value, Pos: start}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

// isIdentChar also accepts ':' and '.', which appear in journal property
// names such as p:processName.
func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == ':' || r == '.'
}

func quoteRune(r rune) string {
	return "'" + string(r) + "'"
}
