package anyobject

import (
	"fmt"
	"sort"
	"sync"

	"f0oster/idsync/expression"
)

type SchemaType string

const (
	SchemaPlain   SchemaType = "plain"
	SchemaDerived SchemaType = "derived"
	SchemaVirtual SchemaType = "virtual"
)

// Schema describes an attribute the identity store knows about.
type Schema struct {
	Name       string     `json:"name" toml:"name" yaml:"name"`
	Type       SchemaType `json:"type" toml:"type" yaml:"type"`
	Expression string     `json:"expression,omitempty" toml:"expression" yaml:"expression"`
	Unique     bool       `json:"unique,omitempty" toml:"unique" yaml:"unique"`
	ReadOnly   bool       `json:"read_only,omitempty" toml:"read_only" yaml:"read_only"`
	MultiValue bool       `json:"multi_value,omitempty" toml:"multi_value" yaml:"multi_value"`
}

// SchemaRegistry holds the attribute schemas. Attributes with no registered
// schema are treated as plain.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*Schema)}
}

func (r *SchemaRegistry) Register(s Schema) error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	switch s.Type {
	case "":
		s.Type = SchemaPlain
	case SchemaPlain, SchemaVirtual:
	case SchemaDerived:
		if _, err := expression.Parse(s.Expression); err != nil {
			return fmt.Errorf("derived schema %s: %w", s.Name, err)
		}
	default:
		return fmt.Errorf("schema %s: unknown type %q", s.Name, s.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = &s
	return nil
}

func (r *SchemaRegistry) Lookup(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return Schema{}, false
	}
	return *s, true
}

// TypeOf returns the schema type of name, plain when unregistered.
func (r *SchemaRegistry) TypeOf(name string) SchemaType {
	if s, ok := r.Lookup(name); ok {
		return s.Type
	}
	return SchemaPlain
}

// Unique returns the names of the plain schemas flagged unique, sorted.
func (r *SchemaRegistry) Unique() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, s := range r.schemas {
		if s.Unique && s.Type == SchemaPlain {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Derived evaluates a derived schema against the object.
func (r *SchemaRegistry) Derived(name string, obj *AnyObject) ([]string, error) {
	s, ok := r.Lookup(name)
	if !ok || s.Type != SchemaDerived {
		return nil, fmt.Errorf("no derived schema named %s", name)
	}
	v, err := expression.Eval(s.Expression, obj)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate derived schema %s: %w", name, err)
	}
	if v.IsEmpty() {
		return nil, nil
	}
	return []string(v), nil
}

// CheckPlain rejects attribute maps that try to store derived or virtual values.
func (r *SchemaRegistry) CheckPlain(attrs map[string][]string) error {
	for name := range attrs {
		if t := r.TypeOf(name); t != SchemaPlain {
			return fmt.Errorf("attribute %s is %s and cannot be stored", name, t)
		}
	}
	return nil
}
