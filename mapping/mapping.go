// Package mapping translates any objects into connector-ready attribute sets
// and external records back into internal attributes, following a resource's
// declarative mapping.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/connector"
	"f0oster/idsync/expression"
	"f0oster/idsync/resource"

	"golang.org/x/text/unicode/norm"
)

var ErrInvalidMapping = errors.New("invalid mapping")

// RequiredValuesMissingError names the schemas whose mandatory condition held
// while no value could be resolved.
type RequiredValuesMissingError struct {
	Resource string
	Schemas  []string
}

func (e *RequiredValuesMissingError) Error() string {
	return fmt.Sprintf("required values missing on %s: %s", e.Resource, strings.Join(e.Schemas, ", "))
}

// VirtualSource resolves virtual attribute values. Resolution never fails; an
// unavailable source yields no values.
type VirtualSource interface {
	Resolve(ctx context.Context, obj *anyobject.AnyObject, schema string) []string
}

type OutboundOptions struct {
	// Password is the cleartext credential being set in this call, if any.
	Password string
	// VirtualOverrides are virtual values being written in this call; they
	// take precedence over resolved ones.
	VirtualOverrides map[string][]string
}

// Outbound is a connector-ready representation of one object.
type Outbound struct {
	ObjectClass connector.ObjectClass
	AccountID   string
	Attributes  map[string][]string
	// PasswordAttrs are the external attributes carrying cleartext.
	PasswordAttrs []string
}

// Secrets returns the cleartext values carried by the attribute set.
func (o *Outbound) Secrets() []string {
	var out []string
	for _, a := range o.PasswordAttrs {
		out = append(out, o.Attributes[a]...)
	}
	return out
}

type Resolver struct {
	schemas *anyobject.SchemaRegistry
	virtual VirtualSource
}

// NewResolver builds a resolver. virtual may be nil, in which case virtual
// items only carry values passed as overrides.
func NewResolver(schemas *anyobject.SchemaRegistry, virtual VirtualSource) *Resolver {
	return &Resolver{schemas: schemas, virtual: virtual}
}

// SetVirtualSource wires the virtual resolver after construction; the
// virtual resolver itself depends on a Resolver for account ids.
func (r *Resolver) SetVirtualSource(v VirtualSource) {
	r.virtual = v
}

// For returns the mapping res uses for obj's kind.
func For(res *resource.Resource, kind anyobject.Kind) (*resource.Mapping, error) {
	m := res.UserMapping
	if kind == anyobject.KindRole {
		m = res.RoleMapping
	}
	if m == nil {
		return nil, fmt.Errorf("%w: resource %s has no %s mapping", ErrInvalidMapping, res.Name, strings.ToLower(string(kind)))
	}
	return m, nil
}

// Outbound resolves every propagation item of the resource's mapping for obj.
func (r *Resolver) Outbound(ctx context.Context, obj *anyobject.AnyObject, res *resource.Resource, opts OutboundOptions) (*Outbound, error) {
	m, err := For(res, obj.Kind)
	if err != nil {
		return nil, err
	}

	out := &Outbound{ObjectClass: m.ObjectClass, Attributes: make(map[string][]string)}
	if out.ObjectClass == "" {
		out.ObjectClass = defaultObjectClass(obj.Kind)
	}
	var missing []string
	accountIDs := 0

	for _, item := range m.Items {
		if !item.ForPropagation() {
			continue
		}
		values, err := r.value(ctx, obj, item, opts)
		if err != nil {
			return nil, fmt.Errorf("resource %s item %s: %w", res.Name, item.ExtAttrName, err)
		}
		values = canonical(values)

		if len(values) == 0 && res.EnforceMandatory && item.MandatoryCondition != "" {
			required, err := expression.Condition(item.MandatoryCondition, obj)
			if err != nil {
				return nil, fmt.Errorf("resource %s item %s: %w", res.Name, item.ExtAttrName, err)
			}
			if required {
				missing = append(missing, schemaName(item))
			}
		}

		if item.AccountID {
			if len(values) == 0 || values[0] == "" {
				continue
			}
			accountIDs++
			out.AccountID = values[0]
			if item.ExtAttrName == connector.AttrName {
				continue
			}
		}
		if item.Password || item.Type == resource.ItemPassword {
			if len(values) > 0 {
				out.PasswordAttrs = append(out.PasswordAttrs, item.ExtAttrName)
			}
		}

		switch {
		case len(values) > 0:
			out.Attributes[item.ExtAttrName] = values
		case item.ClearWhenEmpty:
			out.Attributes[item.ExtAttrName] = []string{}
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &RequiredValuesMissingError{Resource: res.Name, Schemas: missing}
	}
	if accountIDs != 1 {
		return nil, fmt.Errorf("%w: resource %s resolved %d account identifiers for %s", ErrInvalidMapping, res.Name, accountIDs, obj.Key)
	}
	return out, nil
}

// AccountIDOf resolves only the account identifier of obj on res. Virtual
// account identifiers are not supported.
func (r *Resolver) AccountIDOf(obj *anyobject.AnyObject, res *resource.Resource) (string, error) {
	m, err := For(res, obj.Kind)
	if err != nil {
		return "", err
	}
	item, ok := m.AccountIDItem()
	if !ok {
		return "", fmt.Errorf("%w: resource %s has no account id item", ErrInvalidMapping, res.Name)
	}
	if item.Type == resource.ItemVirtual {
		return "", fmt.Errorf("%w: resource %s account id is virtual", ErrInvalidMapping, res.Name)
	}
	values, err := r.value(context.Background(), obj, item, OutboundOptions{})
	if err != nil {
		return "", err
	}
	values = canonical(values)
	if len(values) == 0 || values[0] == "" {
		return "", fmt.Errorf("%w: resource %s has no account id for %s", ErrInvalidMapping, res.Name, obj.Key)
	}
	return values[0], nil
}

func (r *Resolver) value(ctx context.Context, obj *anyobject.AnyObject, item resource.MappingItem, opts OutboundOptions) ([]string, error) {
	if item.Password {
		return single(opts.Password), nil
	}
	switch item.Type {
	case resource.ItemKey:
		return single(obj.Key), nil
	case resource.ItemName:
		return single(obj.Name), nil
	case resource.ItemPassword:
		return single(opts.Password), nil
	case resource.ItemPlain:
		return obj.PlainAttrs[item.IntAttrName], nil
	case resource.ItemDerived:
		return r.schemas.Derived(item.IntAttrName, obj)
	case resource.ItemVirtual:
		if v, ok := opts.VirtualOverrides[item.IntAttrName]; ok {
			return v, nil
		}
		if r.virtual == nil {
			return nil, nil
		}
		return r.virtual.Resolve(ctx, obj, item.IntAttrName), nil
	}
	return nil, fmt.Errorf("%w: unknown item type %q", ErrInvalidMapping, item.Type)
}

// Inbound is an external record translated to internal attributes.
type Inbound struct {
	Name     string
	Attrs    map[string][]string
	Virtual  map[string][]string
	Password string
}

// Inbound translates rec using the pull items of m. Items for key and
// derived schemas are not writable and are skipped. When no item maps the
// name, the record's account identifier is used.
func (r *Resolver) Inbound(rec connector.ExternalRecord, m *resource.Mapping) *Inbound {
	in := &Inbound{Attrs: make(map[string][]string), Virtual: make(map[string][]string)}
	for _, item := range m.Items {
		if !item.ForPull() {
			continue
		}
		values := canonical(rec.Get(item.ExtAttrName))
		if item.Password {
			if len(values) > 0 {
				in.Password = values[0]
			}
			continue
		}
		switch item.Type {
		case resource.ItemName:
			if len(values) > 0 {
				in.Name = values[0]
			}
		case resource.ItemPassword:
			if len(values) > 0 {
				in.Password = values[0]
			}
		case resource.ItemPlain:
			if len(values) > 0 {
				in.Attrs[item.IntAttrName] = values
			} else if item.ClearWhenEmpty {
				in.Attrs[item.IntAttrName] = nil
			}
		case resource.ItemVirtual:
			in.Virtual[item.IntAttrName] = values
		}
	}
	if in.Name == "" {
		in.Name = norm.NFC.String(rec.Name)
	}
	return in
}

func defaultObjectClass(kind anyobject.Kind) connector.ObjectClass {
	if kind == anyobject.KindRole {
		return connector.Group
	}
	return connector.Account
}

func schemaName(item resource.MappingItem) string {
	if item.IntAttrName != "" {
		return item.IntAttrName
	}
	return item.ExtAttrName
}

func single(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

// canonical drops empty values and NFC-normalises the rest.
func canonical(values []string) []string {
	var out []string
	for _, v := range values {
		if v == "" {
			continue
		}
		out = append(out, norm.NFC.String(v))
	}
	return out
}
