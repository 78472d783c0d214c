package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/text/unicode/norm"
)

// Filter is a search predicate in the internal query language. Connectors render
// it into their native syntax (LDAP string, SQL WHERE clause); the identity store
// evaluates it directly with Match.
type Filter interface {
	String() string
	Match(attrs map[string][]string) bool
}

// Logical operators
type AndFilter struct {
	Parts []Filter
}

func And(filters ...Filter) Filter {
	return AndFilter{Parts: compact(filters)}
}

func (f AndFilter) String() string {
	var parts []string
	for _, p := range f.Parts {
		parts = append(parts, p.String())
	}
	return "(&" + strings.Join(parts, "") + ")"
}

func (f AndFilter) Match(attrs map[string][]string) bool {
	for _, p := range f.Parts {
		if !p.Match(attrs) {
			return false
		}
	}
	return true
}

type OrFilter struct {
	Parts []Filter
}

func Or(filters ...Filter) Filter {
	return OrFilter{Parts: compact(filters)}
}

func (f OrFilter) String() string {
	var parts []string
	for _, p := range f.Parts {
		parts = append(parts, p.String())
	}
	return "(|" + strings.Join(parts, "") + ")"
}

func (f OrFilter) Match(attrs map[string][]string) bool {
	for _, p := range f.Parts {
		if p.Match(attrs) {
			return true
		}
	}
	return false
}

type NotFilter struct {
	Part Filter
}

func Not(f Filter) Filter {
	return NotFilter{Part: f}
}

func (f NotFilter) String() string {
	return "(!" + f.Part.String() + ")"
}

func (f NotFilter) Match(attrs map[string][]string) bool {
	return !f.Part.Match(attrs)
}

// EqFilter matches when any value of Attr equals Value, compared in NFC and
// without regard to case, the way the identity store enforces uniqueness.
type EqFilter struct {
	Attr  string
	Value string
}

func Eq(attr, value string) Filter {
	return EqFilter{Attr: attr, Value: value}
}

func (f EqFilter) String() string {
	return "(" + f.Attr + "=" + ldap.EscapeFilter(f.Value) + ")"
}

func (f EqFilter) Match(attrs map[string][]string) bool {
	want := norm.NFC.String(f.Value)
	for _, v := range lookup(attrs, f.Attr) {
		if strings.EqualFold(norm.NFC.String(v), want) {
			return true
		}
	}
	return false
}

type PresentFilter struct {
	Attr string
}

func Present(attr string) Filter {
	return PresentFilter{Attr: attr}
}

func (f PresentFilter) String() string {
	return "(" + f.Attr + "=*)"
}

func (f PresentFilter) Match(attrs map[string][]string) bool {
	return len(lookup(attrs, f.Attr)) > 0
}

// GeFilter compares integer-valued attributes, used for change sequence numbers.
type GeFilter struct {
	Attr  string
	Value int64
}

func Ge(attr string, value int64) Filter {
	return GeFilter{Attr: attr, Value: value}
}

func (f GeFilter) String() string {
	return fmt.Sprintf("(%s>=%d)", f.Attr, f.Value)
}

func (f GeFilter) Match(attrs map[string][]string) bool {
	for _, v := range lookup(attrs, f.Attr) {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil && n >= f.Value {
			return true
		}
	}
	return false
}

// All matches every record. It renders as the LDAP "any object" filter.
type AllFilter struct{}

func All() Filter {
	return AllFilter{}
}

func (AllFilter) String() string {
	return "(objectClass=*)"
}

func (AllFilter) Match(map[string][]string) bool {
	return true
}

// Rename returns a copy of f with every attribute name passed through rename.
// Connectors use it to map reserved names onto native attributes.
func Rename(f Filter, rename func(attr string) string) Filter {
	switch f := f.(type) {
	case AndFilter:
		return AndFilter{Parts: renameAll(f.Parts, rename)}
	case OrFilter:
		return OrFilter{Parts: renameAll(f.Parts, rename)}
	case NotFilter:
		return NotFilter{Part: Rename(f.Part, rename)}
	case EqFilter:
		return EqFilter{Attr: rename(f.Attr), Value: f.Value}
	case PresentFilter:
		return PresentFilter{Attr: rename(f.Attr)}
	case GeFilter:
		return GeFilter{Attr: rename(f.Attr), Value: f.Value}
	}
	return f
}

func renameAll(parts []Filter, rename func(string) string) []Filter {
	out := make([]Filter, len(parts))
	for i, p := range parts {
		out[i] = Rename(p, rename)
	}
	return out
}

// attribute names are compared case-insensitively, as directories do
func lookup(attrs map[string][]string, name string) []string {
	if v, ok := attrs[name]; ok {
		return v
	}
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func compact(filters []Filter) []Filter {
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}
