package tjql

import (
	"errors"
	"testing"
	"time"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{`event = "PROC"`, []TokenType{TokenIdent, TokenEq, TokenString, TokenEOF}},
		{"WHERE a AND b OR NOT c", []TokenType{TokenWhere, TokenIdent, TokenAnd, TokenIdent, TokenOr, TokenNot, TokenIdent, TokenEOF}},
		{"where x and y", []TokenType{TokenWhere, TokenIdent, TokenAnd, TokenIdent, TokenEOF}},
		{"a != 1", []TokenType{TokenIdent, TokenNeq, TokenNumber, TokenEOF}},
		{"a>=1.5 b<=-2 c>3 d<4", []TokenType{
			TokenIdent, TokenGte, TokenNumber,
			TokenIdent, TokenLte, TokenNumber,
			TokenIdent, TokenGt, TokenNumber,
			TokenIdent, TokenLt, TokenNumber, TokenEOF,
		}},
		{"time > 'now-1d'", []TokenType{TokenIdent, TokenGt, TokenTime, TokenEOF}},
		{"Txt=/ping/", []TokenType{TokenIdent, TokenEq, TokenRegex, TokenEOF}},
		{"(a)", []TokenType{TokenLParen, TokenIdent, TokenRParen, TokenEOF}},
		{"p:processName = x", []TokenType{TokenIdent, TokenEq, TokenIdent, TokenEOF}},
		{"a ! b", []TokenType{TokenIdent, TokenIllegal, TokenIdent, TokenEOF}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			for i, expected := range tt.expected {
				tok := lexer.NextToken()
				if tok.Type != expected {
					t.Errorf("token %d: expected %v, got %v (%q)", i, expected, tok.Type, tok.Value)
				}
			}
		})
	}
}

func TestLexerLiteralValues(t *testing.T) {
	tests := []struct {
		input string
		typ   TokenType
		value string
	}{
		{`"he said \"hi\""`, TokenString, `he said "hi"`},
		{`"back\\slash"`, TokenString, `back\slash`},
		{`"keep \d"`, TokenString, `keep \d`},
		{`/a\/b/`, TokenRegex, `a/b`},
		{`/\d+\s/`, TokenRegex, `\d+\s`},
		{`'now - 2h'`, TokenTime, `now - 2h`},
		{`-12.5`, TokenNumber, `-12.5`},
		{`Контекст`, TokenIdent, `Контекст`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tok := NewLexer(tt.input).NextToken()
			if tok.Type != tt.typ || tok.Value != tt.value {
				t.Errorf("got %v %q, want %v %q", tok.Type, tok.Value, tt.typ, tt.value)
			}
		})
	}
}

func TestParseComparison(t *testing.T) {
	tests := []struct {
		input string
		check func(Node) bool
	}{
		{
			input: `event = "PROC"`,
			check: func(n Node) bool {
				c, ok := n.(Comparison)
				return ok && c.Field == "event" && c.Op == OpEq && c.Value.Kind == LiteralString && c.Value.Text == "PROC"
			},
		},
		{
			input: `WHERE duration >= 1000`,
			check: func(n Node) bool {
				c, ok := n.(Comparison)
				return ok && c.Field == "duration" && c.Op == OpGte && c.Value.Kind == LiteralNumber && c.Value.Number == 1000
			},
		},
		{
			input: `time > 'now-1d'`,
			check: func(n Node) bool {
				c, ok := n.(Comparison)
				return ok && c.Value.Kind == LiteralRelativeTime && c.Value.Offset == -24*time.Hour
			},
		},
		{
			input: `time < 'NOW+2w'`,
			check: func(n Node) bool {
				c, ok := n.(Comparison)
				return ok && c.Value.Kind == LiteralRelativeTime && c.Value.Offset == 14*24*time.Hour
			},
		},
		{
			input: `time >= 'now'`,
			check: func(n Node) bool {
				c, ok := n.(Comparison)
				return ok && c.Value.Kind == LiteralRelativeTime && c.Value.Offset == 0
			},
		},
		{
			input: `time >= '2024-01-15 12:30:00'`,
			check: func(n Node) bool {
				c, ok := n.(Comparison)
				return ok && c.Value.Kind == LiteralAbsoluteTime && c.Value.Text == "2024-01-15 12:30:00"
			},
		},
		{
			input: `Txt=/ping/`,
			check: func(n Node) bool {
				r, ok := n.(RegexMatch)
				return ok && r.Field == "Txt" && r.Pattern == "ping"
			},
		},
		{
			input: `/fail/`,
			check: func(n Node) bool {
				r, ok := n.(RegexMatch)
				return ok && r.Field == "" && r.Pattern == "fail"
			},
		},
		{
			input: `  /a b/  `,
			check: func(n Node) bool {
				r, ok := n.(RegexMatch)
				return ok && r.Field == "" && r.Pattern == "a b"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			node, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if !tt.check(node) {
				t.Errorf("check failed for input %q, got: %+v", tt.input, node)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	for _, input := range []string{"", "   ", "\t\n"} {
		node, err := Parse(input)
		if err != nil || node != nil {
			t.Errorf("Parse(%q) = %v, %v; want nil, nil", input, node, err)
		}
	}
}

func TestParsePrecedence(t *testing.T) {
	// NOT binds tighter than AND, AND tighter than OR.
	node, err := Parse(`a = 1 OR NOT b = 2 AND c = 3`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	or, ok := node.(BinaryExpr)
	if !ok || or.Op != "OR" {
		t.Fatalf("expected OR at root, got %+v", node)
	}
	and, ok := or.Right.(BinaryExpr)
	if !ok || and.Op != "AND" {
		t.Fatalf("expected AND on right, got %+v", or.Right)
	}
	if _, ok := and.Left.(NotExpr); !ok {
		t.Errorf("expected NOT as left operand of AND, got %+v", and.Left)
	}
}

func TestParseParentheses(t *testing.T) {
	node, err := Parse(`WHERE time > 'now-1d' AND (event = "PROC" OR Txt=/ping/)`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	bin, ok := node.(BinaryExpr)
	if !ok || bin.Op != "AND" {
		t.Fatalf("expected AND at root, got %+v", node)
	}

	rightBin, ok := bin.Right.(BinaryExpr)
	if !ok || rightBin.Op != "OR" {
		t.Errorf("expected OR on right, got %+v", bin.Right)
	}
}

func TestParseMixedRegexShorthand(t *testing.T) {
	node, err := Parse(`/fail/ AND event = "EXCP"`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	bin, ok := node.(BinaryExpr)
	if !ok {
		t.Fatalf("expected BinaryExpr, got %+v", node)
	}
	if r, ok := bin.Left.(RegexMatch); !ok || r.Field != "" {
		t.Errorf("expected raw regex on the left, got %+v", bin.Left)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input  string
		offset int
	}{
		{"WHERE time >", 12},
		{"WHERE", 5},
		{"event", 5},
		{`event "PROC"`, 6},
		{`event = "PROC`, 8},
		{`(event = "PROC"`, 15},
		{`event = "PROC")`, 14},
		{`a = 1 AND`, 9},
		{`a = 1 b = 2`, 6},
		{`Txt = /ping`, 6},
		{`Txt != /ping/`, 4},
		{`time > 'yesterday'`, 7},
		{`time > 'now-1x'`, 7},
		{`time > 'now-1`, 7},
		{`time > 'now-200000d'`, 7},
		{`time > 'now+99999999999999999999s'`, 7},
		{`a ! b`, 2},
		{`a = #`, 4},
		{`= "x"`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			node, err := Parse(tt.input)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got node=%+v err=%v", node, err)
			}
			if pe.Offset != tt.offset {
				t.Errorf("offset = %d, want %d (%s)", pe.Offset, tt.offset, pe.Message)
			}
		})
	}
}
