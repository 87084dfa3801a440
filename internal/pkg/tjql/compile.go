package tjql

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/coffersTech/techlog/internal/model"
)

// Reserved pseudo-fields; they shadow properties of the same name.
const (
	FieldTime     = "time"
	FieldEvent    = "event"
	FieldDuration = "duration"
	FieldText     = "text"
)

// CompileErrorKind classifies a CompileError.
type CompileErrorKind int

const (
	BadRegex CompileErrorKind = iota + 1
	BadField
)

func (k CompileErrorKind) String() string {
	switch k {
	case BadRegex:
		return "bad regex"
	case BadField:
		return "bad field"
	default:
		return "unknown"
	}
}

// CompileError reports a well-formed expression that cannot be evaluated.
type CompileError struct {
	Kind    CompileErrorKind
	Field   string
	Pattern string
	Reason  string
	Offset  int
}

func (e *CompileError) Error() string {
	switch e.Kind {
	case BadRegex:
		return fmt.Sprintf("bad regex /%s/: %s", e.Pattern, e.Reason)
	default:
		return fmt.Sprintf("bad field %q: %s", e.Field, e.Reason)
	}
}

// Compiler turns an AST into a Predicate.
// The zero value uses time.Now and the local time zone.
type Compiler struct {
	Now      func() time.Time
	Location *time.Location // For absolute time literals
}

// Compile compiles node with the default Compiler.
func Compile(node Node) (*Predicate, error) {
	return Compiler{}.Compile(node)
}

// CompileString parses and compiles a filter string.
// The returned error is a *ParseError or a *CompileError.
func CompileString(input string) (*Predicate, error) {
	return Compiler{}.CompileString(input)
}

// CompileString parses and compiles a filter string.
func (c Compiler) CompileString(input string) (*Predicate, error) {
	node, err := Parse(input)
	if err != nil {
		return nil, err
	}
	return c.Compile(node)
}

// Compile resolves literals and regexes once and returns a reusable
// predicate. Relative time literals are anchored to a single "now" taken
// here; it does not move while the predicate is in use.
func (c Compiler) Compile(node Node) (*Predicate, error) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}

	b := builder{now: now, loc: loc}
	p := &Predicate{compiledAt: now}
	if node == nil {
		return p, nil
	}
	root, err := b.build(node)
	if err != nil {
		return nil, err
	}
	p.root = root
	return p, nil
}

// Predicate is an immutable compiled filter, safe for concurrent use.
type Predicate struct {
	root       *cnode
	compiledAt time.Time
}

// MatchAll is a predicate that accepts every record.
var MatchAll = &Predicate{}

// CompiledAt returns the instant relative time literals were resolved against.
func (p *Predicate) CompiledAt() time.Time {
	return p.compiledAt
}

// Match reports whether r satisfies the filter.
func (p *Predicate) Match(r *model.Record) bool {
	if p == nil || p.root == nil {
		return true // No filter means match all
	}
	return p.root.eval(r)
}

type nodeKind uint8

const (
	kindAnd nodeKind = iota
	kindOr
	kindNot
	kindTime     // time op instant
	kindDuration // duration op number
	kindNumber   // field op number
	kindString   // field op string
	kindRegex    // field =~ pattern
)

type fieldKind uint8

const (
	fieldProperty fieldKind = iota
	fieldTime
	fieldEvent
	fieldDuration
	fieldText
)

type fieldRef struct {
	kind fieldKind
	name string // property name for fieldProperty
}

// cnode is one node of the compiled tree; kind selects which fields apply.
type cnode struct {
	kind        nodeKind
	left, right *cnode // And/Or; left alone for Not
	field       fieldRef
	op          Op
	instant     time.Time
	number      float64
	text        string
	re          *regexp.Regexp
}

type builder struct {
	now time.Time
	loc *time.Location
}

func (b *builder) build(node Node) (*cnode, error) {
	switch n := node.(type) {
	case BinaryExpr:
		left, err := b.build(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := b.build(n.Right)
		if err != nil {
			return nil, err
		}
		kind := kindAnd
		if n.Op == "OR" {
			kind = kindOr
		}
		return &cnode{kind: kind, left: left, right: right}, nil

	case NotExpr:
		inner, err := b.build(n.Expr)
		if err != nil {
			return nil, err
		}
		return &cnode{kind: kindNot, left: inner}, nil

	case RegexMatch:
		re, err := regexp.Compile(n.Pattern)
		if err != nil {
			return nil, &CompileError{Kind: BadRegex, Field: n.Field, Pattern: n.Pattern, Reason: regexReason(err), Offset: n.Pos}
		}
		field := fieldRef{kind: fieldText}
		if n.Field != "" {
			field = resolveField(n.Field)
		}
		return &cnode{kind: kindRegex, field: field, re: re}, nil

	case Comparison:
		return b.buildComparison(n)

	default:
		return nil, fmt.Errorf("tjql: unknown node type %T", node)
	}
}

func (b *builder) buildComparison(n Comparison) (*cnode, error) {
	field := resolveField(n.Field)
	badField := func(reason string) error {
		return &CompileError{Kind: BadField, Field: n.Field, Reason: reason, Offset: n.Pos}
	}

	switch {
	case n.Value.IsTime():
		if field.kind != fieldTime {
			return nil, badField("time literals only compare with the time field")
		}
		instant, err := b.resolveTime(n.Value)
		if err != nil {
			return nil, badField(err.Error())
		}
		return &cnode{kind: kindTime, field: field, op: n.Op, instant: instant}, nil

	case field.kind == fieldTime:
		return nil, badField("the time field compares only with time literals such as 'now-1h'")

	case field.kind == fieldDuration:
		if n.Value.Kind != LiteralNumber {
			return nil, badField("the duration field compares only with numbers")
		}
		return &cnode{kind: kindDuration, field: field, op: n.Op, number: n.Value.Number}, nil

	case n.Value.Kind == LiteralNumber:
		return &cnode{kind: kindNumber, field: field, op: n.Op, number: n.Value.Number}, nil

	default:
		return &cnode{kind: kindString, field: field, op: n.Op, text: n.Value.Text}, nil
	}
}

func (b *builder) resolveTime(lit Literal) (time.Time, error) {
	if lit.Kind == LiteralRelativeTime {
		return b.now.Add(lit.Offset), nil
	}
	return parseAbsolute(lit.Text, b.loc)
}

// ParseInstant resolves the body of a time literal, such as now-1d or
// 2024-01-15 10:00:00, to an instant.
func ParseInstant(text string, now time.Time, loc *time.Location) (time.Time, error) {
	lit, err := parseTimeLiteral(text, 0)
	if err != nil {
		return time.Time{}, err
	}
	b := builder{now: now, loc: loc}
	return b.resolveTime(lit)
}

func resolveField(name string) fieldRef {
	switch strings.ToLower(name) {
	case FieldTime:
		return fieldRef{kind: fieldTime}
	case FieldEvent:
		return fieldRef{kind: fieldEvent}
	case FieldDuration:
		return fieldRef{kind: fieldDuration}
	case FieldText:
		return fieldRef{kind: fieldText}
	default:
		return fieldRef{kind: fieldProperty, name: name}
	}
}

// regexReason strips the "error parsing regexp: " prefix.
func regexReason(err error) string {
	msg := err.Error()
	return strings.TrimPrefix(msg, "error parsing regexp: ")
}

func (n *cnode) eval(r *model.Record) bool {
	switch n.kind {
	case kindAnd:
		return n.left.eval(r) && n.right.eval(r)
	case kindOr:
		return n.left.eval(r) || n.right.eval(r)
	case kindNot:
		return !n.left.eval(r)
	case kindTime:
		return compareResult(r.Timestamp.Compare(n.instant), n.op)
	case kindDuration:
		if !r.HasDuration {
			return false
		}
		return compareFloat(float64(r.Duration), n.number, n.op)
	case kindNumber:
		v, ok := fieldValue(n.field, r)
		if !ok {
			return false
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return false
		}
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return compareFloat(f, n.number, n.op)
	case kindString:
		v, ok := fieldValue(n.field, r)
		if !ok {
			return false
		}
		return compareResult(strings.Compare(v, n.text), n.op)
	case kindRegex:
		v, ok := fieldValue(n.field, r)
		if !ok {
			return false
		}
		return n.re.MatchString(v)
	default:
		return false
	}
}

// fieldValue returns the textual value of a field; ok is false when the
// record does not have it.
func fieldValue(f fieldRef, r *model.Record) (string, bool) {
	switch f.kind {
	case fieldTime:
		return r.Timestamp.Format(model.TimeLayout), true
	case fieldEvent:
		return r.Event, true
	case fieldDuration:
		if !r.HasDuration {
			return "", false
		}
		return r.DurationText(), true
	case fieldText:
		return r.Raw, true
	default:
		return r.Properties.Get(f.name)
	}
}

func compareFloat(a, b float64, op Op) bool {
	switch {
	case a < b:
		return compareResult(-1, op)
	case a > b:
		return compareResult(1, op)
	default:
		return compareResult(0, op)
	}
}

// compareResult maps a three-way comparison result onto op.
func compareResult(c int, op Op) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	default:
		return false
	}
}
