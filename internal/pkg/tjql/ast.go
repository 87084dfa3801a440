package tjql

import "time"

// Node is the interface implemented by all AST nodes.
type Node interface {
	node() // marker method
}

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "!="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// LiteralKind tells how a Literal is interpreted.
type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralNumber
	LiteralRelativeTime
	LiteralAbsoluteTime
)

func (k LiteralKind) String() string {
	switch k {
	case LiteralString:
		return "string"
	case LiteralNumber:
		return "number"
	case LiteralRelativeTime:
		return "relative time"
	case LiteralAbsoluteTime:
		return "absolute time"
	default:
		return "unknown"
	}
}

// Literal is the right-hand side of a comparison.
type Literal struct {
	Kind   LiteralKind
	Text   string        // Unescaped source text
	Number float64       // LiteralNumber
	Offset time.Duration // LiteralRelativeTime: signed offset from "now"
	Pos    int
}

// IsTime reports whether the literal denotes an instant.
func (l Literal) IsTime() bool {
	return l.Kind == LiteralRelativeTime || l.Kind == LiteralAbsoluteTime
}

// Comparison is `field op literal`.
type Comparison struct {
	Field string
	Op    Op
	Value Literal
	Pos   int
}

func (Comparison) node() {}

// RegexMatch is `field = /pattern/`.
// An empty Field means the raw record text (the bare `/pattern/` form).
type RegexMatch struct {
	Field   string
	Pattern string
	Pos     int
}

func (RegexMatch) node() {}

// BinaryExpr represents a binary logical expression (AND, OR).
type BinaryExpr struct {
	Op    string // "AND" or "OR"
	Left  Node
	Right Node
}

func (BinaryExpr) node() {}

// NotExpr represents a NOT expression that negates its inner expression.
type NotExpr struct {
	Expr Node
}

func (NotExpr) node() {}
