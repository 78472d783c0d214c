// Package correlation decides which internal entity, if any, an external
// record represents.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/connector"
	"f0oster/idsync/filter"
	"f0oster/idsync/resource"

	"golang.org/x/text/unicode/norm"
)

// DefaultRuleName is used when a sync task names no rule.
const DefaultRuleName = "default"

var (
	ErrUnknownRule = errors.New("unknown correlation rule")
	// ErrNoCorrelationValues means the record carries none of the
	// correlation attributes.
	ErrNoCorrelationValues = errors.New("record has no correlation values")
)

type ConflictResolution string

const (
	ConflictIgnore     ConflictResolution = "IGNORE"
	ConflictFirstMatch ConflictResolution = "FIRSTMATCH"
	ConflictLastMatch  ConflictResolution = "LASTMATCH"
	ConflictAll        ConflictResolution = "ALL"
)

func (c ConflictResolution) Validate() error {
	switch c {
	case "", ConflictIgnore, ConflictFirstMatch, ConflictLastMatch, ConflictAll:
		return nil
	}
	return fmt.Errorf("unknown conflict resolution %q", c)
}

type Classification string

const (
	Matched   Classification = "MATCHED"
	Unmatched Classification = "UNMATCHED"
)

// AmbiguousCorrelationError reports a record matching several entities.
type AmbiguousCorrelationError struct {
	Resource string
	Record   string
	Keys     []string
}

func (e *AmbiguousCorrelationError) Error() string {
	return fmt.Sprintf("record %s on %s matches %d entities: %s", e.Record, e.Resource, len(e.Keys), strings.Join(e.Keys, ", "))
}

// Rule turns an external record into a predicate over internal entities.
type Rule interface {
	Filter(rec connector.ExternalRecord, res *resource.Resource, m *resource.Mapping) (filter.Filter, error)
}

type RuleFunc func(rec connector.ExternalRecord, res *resource.Resource, m *resource.Mapping) (filter.Filter, error)

func (f RuleFunc) Filter(rec connector.ExternalRecord, res *resource.Resource, m *resource.Mapping) (filter.Filter, error) {
	return f(rec, res, m)
}

// DefaultRule matches on the account id item and every item flagged unique,
// all with equality. Items whose external attribute the record lacks, or
// whose internal side is not searchable, are skipped.
var DefaultRule Rule = RuleFunc(defaultFilter)

func defaultFilter(rec connector.ExternalRecord, res *resource.Resource, m *resource.Mapping) (filter.Filter, error) {
	return itemsFilter(rec, res, m, func(item resource.MappingItem, _ string) bool {
		return item.AccountID || item.Unique
	})
}

// AttributeRule matches on the mapping items whose internal attribute is
// one of attrs. Reserved names select the key and name items.
func AttributeRule(attrs ...string) Rule {
	return RuleFunc(func(rec connector.ExternalRecord, res *resource.Resource, m *resource.Mapping) (filter.Filter, error) {
		return itemsFilter(rec, res, m, func(_ resource.MappingItem, attr string) bool {
			for _, a := range attrs {
				if strings.EqualFold(a, attr) {
					return true
				}
			}
			return false
		})
	})
}

func itemsFilter(rec connector.ExternalRecord, res *resource.Resource, m *resource.Mapping, pick func(resource.MappingItem, string) bool) (filter.Filter, error) {
	var parts []filter.Filter
	for _, item := range m.Items {
		attr, ok := internalAttr(item)
		if !ok || !pick(item, attr) {
			continue
		}
		values := rec.Get(item.ExtAttrName)
		if item.AccountID && len(values) == 0 {
			values = rec.Get(connector.AttrName)
		}
		var eqs []filter.Filter
		for _, v := range values {
			if v != "" {
				eqs = append(eqs, filter.Eq(attr, norm.NFC.String(v)))
			}
		}
		switch len(eqs) {
		case 0:
		case 1:
			parts = append(parts, eqs[0])
		default:
			parts = append(parts, filter.Or(eqs...))
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoCorrelationValues, rec.Name, res.Name)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return filter.And(parts...), nil
}

func internalAttr(item resource.MappingItem) (string, bool) {
	switch item.Type {
	case resource.ItemName:
		return anyobject.AttrName, true
	case resource.ItemKey:
		return anyobject.AttrKey, true
	case resource.ItemPlain:
		return item.IntAttrName, true
	}
	return "", false
}

// Rules is the registry correlation rules are looked up from by name.
type Rules struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewRules() *Rules {
	return &Rules{rules: map[string]Rule{DefaultRuleName: DefaultRule}}
}

func (r *Rules) Register(name string, rule Rule) error {
	if name == "" || rule == nil {
		return fmt.Errorf("correlation rule needs a name and an implementation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[name] = rule
	return nil
}

// Lookup returns the named rule; an empty name selects the default rule.
func (r *Rules) Lookup(name string) (Rule, error) {
	if name == "" {
		name = DefaultRuleName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	return rule, nil
}

func (r *Rules) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for n := range r.rules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type Engine struct {
	store anyobject.Store
}

func NewEngine(store anyobject.Store) *Engine {
	return &Engine{store: store}
}

// Correlate returns the entities of kind matching rec. More than one match
// is resolved by cr; IGNORE, the default, reports an
// AmbiguousCorrelationError.
func (e *Engine) Correlate(ctx context.Context, rec connector.ExternalRecord, res *resource.Resource, kind anyobject.Kind, m *resource.Mapping, rule Rule, cr ConflictResolution) ([]*anyobject.AnyObject, error) {
	if rule == nil {
		rule = DefaultRule
	}
	f, err := rule.Filter(rec, res, m)
	if err != nil {
		return nil, err
	}
	matches, err := e.store.Search(ctx, kind, f)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s for %s: %w", kind, rec.Name, err)
	}
	if len(matches) <= 1 {
		return matches, nil
	}
	switch cr {
	case ConflictFirstMatch:
		return matches[:1], nil
	case ConflictLastMatch:
		return matches[len(matches)-1:], nil
	case ConflictAll:
		return matches, nil
	}
	keys := make([]string, len(matches))
	for i, m := range matches {
		keys[i] = m.Key
	}
	return nil, &AmbiguousCorrelationError{Resource: res.Name, Record: rec.Name, Keys: keys}
}

func Classify(matches []*anyobject.AnyObject) Classification {
	if len(matches) == 0 {
		return Unmatched
	}
	return Matched
}
