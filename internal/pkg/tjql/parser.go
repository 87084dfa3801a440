// Package tjql implements the filter language used to select journal
// records:
//
//	WHERE time > 'now-1d' AND (event = "PROC" OR Txt=/ping/)
//
// A bare /pattern/ is shorthand for a regex search over the raw record text.
package tjql

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// ParseError reports a syntax error at a byte offset of the filter input.
type ParseError struct {
	Message string
	Offset  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at offset %d", e.Message, e.Offset)
}

// absoluteLayouts are tried in order for absolute time literals.
var absoluteLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

var timeUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// Parser parses filter expressions into an AST.
type Parser struct {
	input   string
	lexer   *Lexer
	current Token
}

// Parse parses the input string and returns the AST root node.
// An empty (or blank) input yields a nil node, which matches everything.
func Parse(input string) (Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	p := &Parser{input: input, lexer: NewLexer(input)}
	p.advance()

	// Bare /pattern/ shorthand.
	if p.current.Type == TokenRegex {
		next := *p.lexer
		if tok := next.NextToken(); tok.Type == TokenEOF {
			return RegexMatch{Pattern: p.current.Value, Pos: p.current.Pos}, nil
		}
	}

	if p.current.Type == TokenWhere {
		p.advance()
	}

	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, p.unexpected()
	}
	return node, nil
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
}

func (p *Parser) errorf(pos int, format string, args ...interface{}) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...), Offset: pos}
}

// unexpected builds the error for the current token.
func (p *Parser) unexpected() *ParseError {
	switch p.current.Type {
	case TokenIllegal:
		return p.errorf(p.current.Pos, "%s", p.current.Value)
	case TokenEOF:
		return p.errorf(p.current.Pos, "unexpected end of input")
	default:
		return p.errorf(p.current.Pos, "unexpected %s %q", p.current.Type, p.current.Value)
	}
}

// parseOr handles OR expressions (lowest precedence).
func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.current.Type == TokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}

	return left, nil
}

// parseAnd handles AND expressions.
func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.current.Type == TokenAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}

	return left, nil
}

// parseNot handles NOT expressions.
func (p *Parser) parseNot() (Node, error) {
	if p.current.Type == TokenNot {
		p.advance()
		expr, err := p.parseNot() // NOT is right-associative
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: expr}, nil
	}
	return p.parsePrimary()
}

// parsePrimary handles (expr), /regex/ and comparisons.
func (p *Parser) parsePrimary() (Node, error) {
	switch p.current.Type {
	case TokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			if p.current.Type == TokenIllegal {
				return nil, p.unexpected()
			}
			return nil, p.errorf(p.current.Pos, "expected ')' but found %s", p.current.Type)
		}
		p.advance()
		return expr, nil

	case TokenRegex:
		node := RegexMatch{Pattern: p.current.Value, Pos: p.current.Pos}
		p.advance()
		return node, nil

	case TokenIdent:
		return p.parseComparison()

	case TokenEOF:
		return nil, p.errorf(p.current.Pos, "expected expression but found end of input")

	default:
		return nil, p.unexpected()
	}
}

// parseComparison parses `field op literal` and `field = /regex/`.
func (p *Parser) parseComparison() (Node, error) {
	field := p.current.Value
	pos := p.current.Pos
	p.advance()

	var op Op
	switch p.current.Type {
	case TokenEq:
		op = OpEq
	case TokenNeq:
		op = OpNeq
	case TokenGt:
		op = OpGt
	case TokenGte:
		op = OpGte
	case TokenLt:
		op = OpLt
	case TokenLte:
		op = OpLte
	case TokenIllegal:
		return nil, p.unexpected()
	default:
		return nil, p.errorf(p.current.Pos, "expected comparison operator after %q but found %s", field, p.current.Type)
	}
	opPos := p.current.Pos
	p.advance()

	tok := p.current
	switch tok.Type {
	case TokenRegex:
		if op != OpEq {
			return nil, p.errorf(opPos, "regex literal requires '=' but found %q", op)
		}
		p.advance()
		return RegexMatch{Field: field, Pattern: tok.Value, Pos: pos}, nil

	case TokenString:
		p.advance()
		return Comparison{Field: field, Op: op, Value: Literal{Kind: LiteralString, Text: tok.Value, Pos: tok.Pos}, Pos: pos}, nil

	case TokenNumber:
		n, err := cast.ToFloat64E(tok.Value)
		if err != nil {
			return nil, p.errorf(tok.Pos, "invalid number %q", tok.Value)
		}
		p.advance()
		return Comparison{Field: field, Op: op, Value: Literal{Kind: LiteralNumber, Text: tok.Value, Number: n, Pos: tok.Pos}, Pos: pos}, nil

	case TokenTime:
		lit, err := parseTimeLiteral(tok.Value, tok.Pos)
		if err != nil {
			return nil, err
		}
		p.advance()
		return Comparison{Field: field, Op: op, Value: lit, Pos: pos}, nil

	case TokenEOF:
		return nil, p.errorf(tok.Pos, "expected literal but found end of input")

	case TokenIllegal:
		return nil, p.unexpected()

	default:
		return nil, p.errorf(tok.Pos, "expected literal but found %s %q", tok.Type, tok.Value)
	}
}

// parseTimeLiteral interprets the body of a 'single quoted' literal:
// now, now-1d, now+2h or an absolute date/time.
func parseTimeLiteral(text string, pos int) (Literal, error) {
	lit := Literal{Text: text, Pos: pos}

	compact := strings.ToLower(strings.Join(strings.Fields(text), ""))
	if strings.HasPrefix(compact, "now") {
		offset, ok := parseRelative(compact[len("now"):])
		if !ok {
			return lit, &ParseError{Message: fmt.Sprintf("invalid relative time %q", text), Offset: pos}
		}
		lit.Kind = LiteralRelativeTime
		lit.Offset = offset
		return lit, nil
	}

	if _, err := parseAbsolute(text, time.UTC); err != nil {
		return lit, &ParseError{Message: fmt.Sprintf("invalid time literal %q", text), Offset: pos}
	}
	lit.Kind = LiteralAbsoluteTime
	return lit, nil
}

// parseRelative parses "", "-1d", "+30m".
func parseRelative(s string) (time.Duration, bool) {
	if s == "" {
		return 0, true
	}
	if len(s) < 3 || (s[0] != '-' && s[0] != '+') {
		return 0, false
	}
	unit, ok := timeUnits[s[len(s)-1]]
	if !ok {
		return 0, false
	}
	digits := s[1 : len(s)-1]
	for i := 0; i < len(digits); i++ {
		if !isDigit(digits[i]) {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n > math.MaxInt64/int64(unit) {
		return 0, false
	}
	d := time.Duration(n) * unit
	if s[0] == '-' {
		d = -d
	}
	return d, true
}

func parseAbsolute(text string, loc *time.Location) (time.Time, error) {
	text = strings.TrimSpace(text)
	var firstErr error
	for _, layout := range absoluteLayouts {
		t, err := time.ParseInLocation(layout, text, loc)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
