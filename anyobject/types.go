package anyobject

import (
	"slices"
	"strings"
)

type Kind string

const (
	KindUser Kind = "USER"
	KindRole Kind = "ROLE"
)

type Status string

const (
	StatusCreated         Status = "created"
	StatusPendingApproval Status = "pending_approval"
	StatusActive          Status = "active"
	StatusSuspended       Status = "suspended"
	StatusDeleted         Status = "deleted"
)

// Reserved attribute names usable in search filters and correlation.
const (
	AttrKey  = "__KEY__"
	AttrName = "__NAME__"
)

// Membership links a user to a role. Membership attributes are carried
// alongside the link and never merged into the user's own attributes.
type Membership struct {
	RoleKey string              `json:"role_key"`
	Attrs   map[string][]string `json:"attrs,omitempty"`
}

// AnyObject is a user or role held in the internal identity store. Derived and
// virtual attribute values are computed on demand and never stored here.
type AnyObject struct {
	Key         string              `json:"key"`
	Kind        Kind                `json:"kind"`
	Name        string              `json:"name"`
	Status      Status              `json:"status"`
	Version     int64               `json:"version"`
	PlainAttrs  map[string][]string `json:"plain_attrs,omitempty"`
	Resources   []string            `json:"resources,omitempty"`
	Memberships []Membership        `json:"memberships,omitempty"`

	// role only
	Parent                string `json:"parent,omitempty"`
	PasswordPolicy        string `json:"password_policy,omitempty"`
	AccountPolicy         string `json:"account_policy,omitempty"`
	InheritPasswordPolicy bool   `json:"inherit_password_policy,omitempty"`
	InheritAccountPolicy  bool   `json:"inherit_account_policy,omitempty"`

	// user only, bcrypt hashes
	PasswordHash    string   `json:"-"`
	PasswordHistory []string `json:"-"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (o *AnyObject) Clone() *AnyObject {
	if o == nil {
		return nil
	}
	c := *o
	c.PlainAttrs = cloneAttrs(o.PlainAttrs)
	c.Resources = slices.Clone(o.Resources)
	c.PasswordHistory = slices.Clone(o.PasswordHistory)
	if o.Memberships != nil {
		c.Memberships = make([]Membership, len(o.Memberships))
		for i, m := range o.Memberships {
			c.Memberships[i] = Membership{RoleKey: m.RoleKey, Attrs: cloneAttrs(m.Attrs)}
		}
	}
	return &c
}

func cloneAttrs(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// Lookup implements expression.Context over the plain attributes plus the
// reserved key and name attributes.
func (o *AnyObject) Lookup(name string) ([]string, bool) {
	switch name {
	case AttrKey, "key":
		return []string{o.Key}, true
	case AttrName, "name", "username":
		return []string{o.Name}, true
	}
	v, ok := o.PlainAttrs[name]
	return v, ok
}

// Attributes returns the attribute view used by search filters.
func (o *AnyObject) Attributes() map[string][]string {
	attrs := make(map[string][]string, len(o.PlainAttrs)+2)
	for k, v := range o.PlainAttrs {
		attrs[k] = v
	}
	attrs[AttrKey] = []string{o.Key}
	attrs[AttrName] = []string{o.Name}
	return attrs
}

func (o *AnyObject) SetAttr(name string, values ...string) {
	if o.PlainAttrs == nil {
		o.PlainAttrs = make(map[string][]string)
	}
	if len(values) == 0 {
		delete(o.PlainAttrs, name)
		return
	}
	o.PlainAttrs[name] = values
}

func (o *AnyObject) HasResource(name string) bool {
	return slices.ContainsFunc(o.Resources, func(r string) bool { return strings.EqualFold(r, name) })
}

// AddResource assigns the resource directly. Reports whether it was added.
func (o *AnyObject) AddResource(name string) bool {
	if o.HasResource(name) {
		return false
	}
	o.Resources = append(o.Resources, name)
	return true
}

// RemoveResource drops a direct assignment. Reports whether it was present.
func (o *AnyObject) RemoveResource(name string) bool {
	before := len(o.Resources)
	o.Resources = slices.DeleteFunc(o.Resources, func(r string) bool { return strings.EqualFold(r, name) })
	return len(o.Resources) != before
}

func (o *AnyObject) RoleKeys() []string {
	keys := make([]string, 0, len(o.Memberships))
	for _, m := range o.Memberships {
		keys = append(keys, m.RoleKey)
	}
	return keys
}

func (o *AnyObject) HasMembership(roleKey string) bool {
	for _, m := range o.Memberships {
		if m.RoleKey == roleKey {
			return true
		}
	}
	return false
}
