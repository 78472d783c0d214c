// Package resource holds the declarative description of external targets:
// connector instances, resources and their attribute mappings.
package resource

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"f0oster/idsync/connector"
	"f0oster/idsync/expression"
)

// TraceLevel controls which propagation and sync executions are registered.
type TraceLevel string

const (
	TraceNone     TraceLevel = "NONE"
	TraceFailures TraceLevel = "FAILURES"
	TraceSummary  TraceLevel = "SUMMARY"
	TraceAll      TraceLevel = "ALL"
)

// RegisterSuccess reports whether successful executions are persisted.
func (t TraceLevel) RegisterSuccess() bool { return t == TraceAll }

// RegisterFailure reports whether failed executions are persisted.
func (t TraceLevel) RegisterFailure() bool { return t != TraceNone }

type ItemType string

const (
	ItemPlain    ItemType = "plain"
	ItemDerived  ItemType = "derived"
	ItemVirtual  ItemType = "virtual"
	ItemKey      ItemType = "key"
	ItemName     ItemType = "name"
	ItemPassword ItemType = "password"
)

type Purpose string

const (
	PurposeBoth        Purpose = ""
	PurposePropagation Purpose = "propagation"
	PurposePull        Purpose = "pull"
)

// MappingItem pairs one internal attribute with one external attribute.
type MappingItem struct {
	ExtAttrName string   `toml:"ext_attr_name" yaml:"ext_attr_name"`
	IntAttrName string   `toml:"int_attr_name" yaml:"int_attr_name"`
	Type        ItemType `toml:"type" yaml:"type"`
	AccountID   bool     `toml:"account_id" yaml:"account_id"`
	// Unique marks the item as significant for correlation.
	Unique bool `toml:"unique" yaml:"unique"`
	// MandatoryCondition is an expression; when true the value must be present.
	MandatoryCondition string `toml:"mandatory_condition" yaml:"mandatory_condition"`
	Password           bool   `toml:"password" yaml:"password"`
	// ClearWhenEmpty sends an explicit empty value instead of dropping it.
	ClearWhenEmpty bool    `toml:"clear_when_empty" yaml:"clear_when_empty"`
	Purpose        Purpose `toml:"purpose" yaml:"purpose"`
}

func (i MappingItem) ForPropagation() bool { return i.Purpose != PurposePull }
func (i MappingItem) ForPull() bool        { return i.Purpose != PurposePropagation }

var (
	ErrNoAccountID       = errors.New("mapping has no account id item")
	ErrMultipleAccountID = errors.New("mapping has more than one account id item")
)

// Mapping translates one kind of any object for one resource.
type Mapping struct {
	ObjectClass connector.ObjectClass `toml:"object_class" yaml:"object_class"`
	Items       []MappingItem         `toml:"items" yaml:"items"`
}

// Validate checks the mapping's structure: exactly one account id item,
// non-empty names and parseable expressions.
func (m *Mapping) Validate() error {
	accountIDs := 0
	for i, item := range m.Items {
		if item.AccountID {
			accountIDs++
		}
		if item.ExtAttrName == "" {
			return fmt.Errorf("item %d: external attribute name is required", i)
		}
		switch item.Type {
		case ItemPlain, ItemDerived, ItemVirtual:
			if item.IntAttrName == "" {
				return fmt.Errorf("item %d (%s): internal attribute name is required", i, item.ExtAttrName)
			}
		case ItemKey, ItemName, ItemPassword:
		default:
			return fmt.Errorf("item %d (%s): unknown type %q", i, item.ExtAttrName, item.Type)
		}
		if item.MandatoryCondition != "" {
			if _, err := expression.Parse(item.MandatoryCondition); err != nil {
				return fmt.Errorf("item %d (%s): mandatory condition: %w", i, item.ExtAttrName, err)
			}
		}
		switch item.Purpose {
		case PurposeBoth, PurposePropagation, PurposePull:
		default:
			return fmt.Errorf("item %d (%s): unknown purpose %q", i, item.ExtAttrName, item.Purpose)
		}
	}
	switch {
	case accountIDs == 0:
		return ErrNoAccountID
	case accountIDs > 1:
		return ErrMultipleAccountID
	}
	return nil
}

func (m *Mapping) AccountIDItem() (MappingItem, bool) {
	for _, item := range m.Items {
		if item.AccountID {
			return item, true
		}
	}
	return MappingItem{}, false
}

// ItemFor returns the item mapping the internal attribute name.
func (m *Mapping) ItemFor(intAttr string) (MappingItem, bool) {
	for _, item := range m.Items {
		if item.IntAttrName == intAttr {
			return item, true
		}
	}
	return MappingItem{}, false
}

// PropagationPolicy retries failed connector calls.
type PropagationPolicy struct {
	MaxAttempts int           `toml:"max_attempts" yaml:"max_attempts"`
	Backoff     string        `toml:"backoff" yaml:"backoff"` // fixed or exponential
	Interval    time.Duration `toml:"interval" yaml:"interval"`
	MaxInterval time.Duration `toml:"max_interval" yaml:"max_interval"`
}

func (p *PropagationPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	switch p.Backoff {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	if p.Interval < 0 || p.MaxInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}

// ConnectorInstance is a configured connector bundle.
type ConnectorInstance struct {
	Key         string            `toml:"key" yaml:"key"`
	Bundle      string            `toml:"bundle" yaml:"bundle"`
	Name        string            `toml:"name" yaml:"name"`
	Version     string            `toml:"version" yaml:"version"`
	Location    string            `toml:"location" yaml:"location"`
	Type        string            `toml:"type" yaml:"type"`
	Properties  map[string]string `toml:"properties" yaml:"properties"`
	Overridable []string          `toml:"overridable" yaml:"overridable"`
	// Capabilities, when set, restrict what the adapter is used for.
	Capabilities []connector.Capability `toml:"capabilities" yaml:"capabilities"`
	Timeout      time.Duration          `toml:"timeout" yaml:"timeout"`
}

func (c *ConnectorInstance) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("connector instance key is required")
	}
	if c.Type == "" {
		return fmt.Errorf("connector instance %s: type is required", c.Key)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("connector instance %s: timeout must not be negative", c.Key)
	}
	return nil
}

// Resource is a named external target.
type Resource struct {
	Name               string             `toml:"name" yaml:"name"`
	Connector          string             `toml:"connector" yaml:"connector"`
	PropertyOverrides  map[string]string  `toml:"property_overrides" yaml:"property_overrides"`
	UserMapping        *Mapping           `toml:"user_mapping" yaml:"user_mapping"`
	RoleMapping        *Mapping           `toml:"role_mapping" yaml:"role_mapping"`
	PasswordPolicy     string             `toml:"password_policy" yaml:"password_policy"`
	AccountPolicy      string             `toml:"account_policy" yaml:"account_policy"`
	SyncPolicy         string             `toml:"sync_policy" yaml:"sync_policy"`
	EnforceMandatory   bool               `toml:"enforce_mandatory_condition" yaml:"enforce_mandatory_condition"`
	PropagationPrimary bool               `toml:"propagation_primary" yaml:"propagation_primary"`
	RequestTimeout     time.Duration      `toml:"request_timeout" yaml:"request_timeout"`
	CreateTraceLevel   TraceLevel         `toml:"create_trace_level" yaml:"create_trace_level"`
	UpdateTraceLevel   TraceLevel         `toml:"update_trace_level" yaml:"update_trace_level"`
	DeleteTraceLevel   TraceLevel         `toml:"delete_trace_level" yaml:"delete_trace_level"`
	SyncTraceLevel     TraceLevel         `toml:"sync_trace_level" yaml:"sync_trace_level"`
	PropagationPolicy  *PropagationPolicy `toml:"propagation_policy" yaml:"propagation_policy"`
}

// TraceLevel returns the level for op, FAILURES when unset.
func (r *Resource) TraceLevel(op string) TraceLevel {
	var t TraceLevel
	switch strings.ToUpper(op) {
	case "CREATE":
		t = r.CreateTraceLevel
	case "UPDATE":
		t = r.UpdateTraceLevel
	case "DELETE":
		t = r.DeleteTraceLevel
	case "SYNC":
		t = r.SyncTraceLevel
	}
	if t == "" {
		return TraceFailures
	}
	return t
}

// Validate checks the resource on its own; references are checked by the
// Catalog.
func (r *Resource) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("resource name is required")
	}
	if r.Connector == "" {
		return fmt.Errorf("resource %s: connector is required", r.Name)
	}
	for kind, m := range map[string]*Mapping{"user": r.UserMapping, "role": r.RoleMapping} {
		if m == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("resource %s %s mapping: %w", r.Name, kind, err)
		}
	}
	for _, t := range []TraceLevel{r.CreateTraceLevel, r.UpdateTraceLevel, r.DeleteTraceLevel, r.SyncTraceLevel} {
		switch t {
		case "", TraceNone, TraceFailures, TraceSummary, TraceAll:
		default:
			return fmt.Errorf("resource %s: unknown trace level %q", r.Name, t)
		}
	}
	if r.RequestTimeout < 0 {
		return fmt.Errorf("resource %s: request timeout must not be negative", r.Name)
	}
	if r.PropagationPolicy != nil {
		if err := r.PropagationPolicy.Validate(); err != nil {
			return fmt.Errorf("resource %s propagation policy: %w", r.Name, err)
		}
	}
	return nil
}

// ConnectorConfig merges the instance properties with the resource's
// overrides. Only properties the instance declares overridable are taken.
func (r *Resource) ConnectorConfig(ci *ConnectorInstance) connector.Config {
	props := maps.Clone(ci.Properties)
	if props == nil {
		props = make(map[string]string)
	}
	for k, v := range r.PropertyOverrides {
		for _, allowed := range ci.Overridable {
			if allowed == k {
				props[k] = v
			}
		}
	}
	return connector.Config{Type: ci.Type, Properties: props, Timeout: ci.Timeout}
}

// Timeout is the bound for one connector call: the resource's request
// timeout, else the instance default, else fallback.
func (r *Resource) Timeout(ci *ConnectorInstance, fallback time.Duration) time.Duration {
	if r.RequestTimeout > 0 {
		return r.RequestTimeout
	}
	if ci != nil && ci.Timeout > 0 {
		return ci.Timeout
	}
	return fallback
}
