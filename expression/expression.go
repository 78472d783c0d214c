// Package expression is a small sandboxed evaluator for attribute-value
// expressions used by derived schemas, pull templates and mandatory conditions.
//
// Expressions only see the fields exposed by their Context; there is no access
// to the host program. Supported syntax:
//
//	'literal' "literal" 42 true false null
//	fieldName                       resolves to the field's values, empty when unknown
//	a + b                           string concatenation, absent when any operand is
//	                                absent; use default() to supply a fallback
//	a == b, a != b, !a, a && b, a || b
//	fn(args...)                     see Functions
package expression

import (
	"fmt"
	"strings"
	"sync"
)

// Value is the abstract result of an evaluation: an ordered list of strings.
// An empty Value means "absent".
type Value []string

func (v Value) IsEmpty() bool {
	for _, s := range v {
		if s != "" {
			return false
		}
	}
	return true
}

// String returns the first value, or "" when absent.
func (v Value) String() string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Truthy reports whether the value counts as true in a condition.
func (v Value) Truthy() bool {
	if v.IsEmpty() {
		return false
	}
	switch strings.ToLower(v.String()) {
	case "false", "0", "no", "off":
		return false
	}
	return true
}

func boolValue(b bool) Value {
	if b {
		return Value{"true"}
	}
	return Value{"false"}
}

// Context supplies field values to an expression.
type Context interface {
	Lookup(name string) ([]string, bool)
}

// MapContext is a Context backed by an attribute map.
type MapContext map[string][]string

func (m MapContext) Lookup(name string) ([]string, bool) {
	v, ok := m[name]
	return v, ok
}

// Expr is a parsed expression.
type Expr interface {
	Eval(ctx Context) Value
}

var parsed sync.Map // source -> Expr

// Parse compiles src. Results are cached, so repeated parsing of the same
// mapping or template expression is cheap.
func Parse(src string) (Expr, error) {
	if cached, ok := parsed.Load(src); ok {
		return cached.(Expr), nil
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("expression %q: unexpected %q at %d", src, p.peek().text, p.peek().pos)
	}
	parsed.Store(src, expr)
	return expr, nil
}

// Eval parses and evaluates src against ctx.
func Eval(src string, ctx Context) (Value, error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return expr.Eval(ctx), nil
}

// Condition evaluates src as a boolean. An empty condition is false.
func Condition(src string, ctx Context) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return false, nil
	}
	v, err := Eval(src, ctx)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

type literal struct {
	value Value
}

func (l literal) Eval(Context) Value { return l.value }

type field struct {
	name string
}

func (f field) Eval(ctx Context) Value {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Lookup(f.name)
	if !ok {
		return nil
	}
	return append(Value(nil), v...)
}

type concat struct {
	parts []Expr
}

func (c concat) Eval(ctx Context) Value {
	args := make([]Value, len(c.parts))
	for i, p := range c.parts {
		args[i] = p.Eval(ctx)
	}
	return fnConcat(args)
}

type not struct {
	operand Expr
}

func (n not) Eval(ctx Context) Value {
	return boolValue(!n.operand.Eval(ctx).Truthy())
}

type compare struct {
	left, right Expr
	negate      bool
}

func (c compare) Eval(ctx Context) Value {
	eq := c.left.Eval(ctx).String() == c.right.Eval(ctx).String()
	return boolValue(eq != c.negate)
}

type logical struct {
	left, right Expr
	and         bool
}

func (l logical) Eval(ctx Context) Value {
	left := l.left.Eval(ctx).Truthy()
	if l.and {
		return boolValue(left && l.right.Eval(ctx).Truthy())
	}
	return boolValue(left || l.right.Eval(ctx).Truthy())
}

type call struct {
	name string
	fn   Function
	args []Expr
}

func (c call) Eval(ctx Context) Value {
	args := make([]Value, len(c.args))
	for i, a := range c.args {
		args[i] = a.Eval(ctx)
	}
	return c.fn(args)
}
