package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/correlation"
	"f0oster/idsync/policy"
	"f0oster/idsync/resource"
	"f0oster/idsync/task"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// RoleSpec declares a role seeded into the identity store.
type RoleSpec struct {
	Key                   string              `toml:"key" yaml:"key"`
	Name                  string              `toml:"name" yaml:"name"`
	Parent                string              `toml:"parent" yaml:"parent"`
	PasswordPolicy        string              `toml:"password_policy" yaml:"password_policy"`
	AccountPolicy         string              `toml:"account_policy" yaml:"account_policy"`
	InheritPasswordPolicy bool                `toml:"inherit_password_policy" yaml:"inherit_password_policy"`
	InheritAccountPolicy  bool                `toml:"inherit_account_policy" yaml:"inherit_account_policy"`
	Resources             []string            `toml:"resources" yaml:"resources"`
	Attrs                 map[string][]string `toml:"attrs" yaml:"attrs"`
}

func (r *RoleSpec) object() *anyobject.AnyObject {
	return &anyobject.AnyObject{
		Key:                   r.Key,
		Kind:                  anyobject.KindRole,
		Name:                  r.Name,
		Parent:                r.Parent,
		PasswordPolicy:        r.PasswordPolicy,
		AccountPolicy:         r.AccountPolicy,
		InheritPasswordPolicy: r.InheritPasswordPolicy,
		InheritAccountPolicy:  r.InheritAccountPolicy,
		Resources:             r.Resources,
		PlainAttrs:            r.Attrs,
	}
}

// CorrelationRuleSpec registers a rule matching on the listed internal
// attributes.
type CorrelationRuleSpec struct {
	Name       string   `toml:"name" yaml:"name"`
	Attributes []string `toml:"attributes" yaml:"attributes"`
}

// Catalog is the declarative configuration file.
type Catalog struct {
	Schemas          []anyobject.Schema           `toml:"schemas" yaml:"schemas"`
	Connectors       []resource.ConnectorInstance `toml:"connectors" yaml:"connectors"`
	Resources        []resource.Resource          `toml:"resources" yaml:"resources"`
	Policies         []policy.Policy              `toml:"policies" yaml:"policies"`
	CorrelationRules []CorrelationRuleSpec        `toml:"correlation_rules" yaml:"correlation_rules"`
	Roles            []RoleSpec                   `toml:"roles" yaml:"roles"`
	Tasks            []task.Task                  `toml:"tasks" yaml:"tasks"`
}

// LoadCatalog reads a catalog file, choosing the decoder by extension.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var c Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &c); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks the entries on their own and their references to each
// other. Everything wrong is reported at once.
func (c *Catalog) Validate() error {
	var errs []error
	connectors := make(map[string]bool)
	for i := range c.Connectors {
		ci := &c.Connectors[i]
		if err := ci.Validate(); err != nil {
			errs = append(errs, err)
		}
		connectors[strings.ToLower(ci.Key)] = true
	}
	for i := range c.Resources {
		r := &c.Resources[i]
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if !connectors[strings.ToLower(r.Connector)] {
			errs = append(errs, fmt.Errorf("resource %s: %w: %s", r.Name, resource.ErrConnectorNotFound, r.Connector))
		}
	}
	policies := make(map[string]policy.Type)
	for i := range c.Policies {
		p := &c.Policies[i]
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
		policies[p.Key] = p.Type
	}
	for _, r := range c.Resources {
		errs = append(errs, checkPolicy("resource "+r.Name, r.PasswordPolicy, policy.TypePassword, policies))
		errs = append(errs, checkPolicy("resource "+r.Name, r.AccountPolicy, policy.TypeAccount, policies))
		errs = append(errs, checkPolicy("resource "+r.Name, r.SyncPolicy, policy.TypeSync, policies))
	}
	for _, cr := range c.CorrelationRules {
		if cr.Name == "" || len(cr.Attributes) == 0 {
			errs = append(errs, fmt.Errorf("correlation rule %q needs a name and attributes", cr.Name))
		}
	}
	roles := make(map[string]bool)
	for _, r := range c.Roles {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("role name is required"))
			continue
		}
		if r.Parent != "" && !roles[r.Parent] {
			errs = append(errs, fmt.Errorf("role %s: parent %s must be declared before it", r.Name, r.Parent))
		}
		errs = append(errs, checkPolicy("role "+r.Name, r.PasswordPolicy, policy.TypePassword, policies))
		errs = append(errs, checkPolicy("role "+r.Name, r.AccountPolicy, policy.TypeAccount, policies))
		if r.Key != "" {
			roles[r.Key] = true
		}
	}
	for i := range c.Tasks {
		if err := c.Tasks[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkPolicy(owner, key string, want policy.Type, policies map[string]policy.Type) error {
	if key == "" {
		return nil
	}
	got, ok := policies[key]
	switch {
	case !ok:
		return fmt.Errorf("%s: %w: %s", owner, policy.ErrPolicyNotFound, key)
	case got != want:
		return fmt.Errorf("%s: policy %s is %s, not %s", owner, key, got, want)
	}
	return nil
}

// Targets are the registries a catalog is applied to. Tasks may be nil.
type Targets struct {
	Schemas  *anyobject.SchemaRegistry
	Catalog  *resource.Catalog
	Policies *policy.Engine
	Rules    *correlation.Rules
	Store    anyobject.Store
	Tasks    *task.Service
}

// Apply registers the catalog's entries. Roles already present by name are
// left as they are.
func (c *Catalog) Apply(ctx context.Context, t Targets) error {
	for _, s := range c.Schemas {
		if err := t.Schemas.Register(s); err != nil {
			return fmt.Errorf("failed to register schema: %w", err)
		}
	}
	for i := range c.Connectors {
		if err := t.Catalog.PutConnector(&c.Connectors[i]); err != nil {
			return fmt.Errorf("failed to register connector: %w", err)
		}
	}
	for i := range c.Resources {
		if err := t.Catalog.PutResource(&c.Resources[i]); err != nil {
			return fmt.Errorf("failed to register resource: %w", err)
		}
	}
	for i := range c.Policies {
		if err := t.Policies.Put(&c.Policies[i]); err != nil {
			return fmt.Errorf("failed to register policy: %w", err)
		}
	}
	for _, cr := range c.CorrelationRules {
		if err := t.Rules.Register(cr.Name, correlation.AttributeRule(cr.Attributes...)); err != nil {
			return fmt.Errorf("failed to register correlation rule: %w", err)
		}
	}
	for i := range c.Roles {
		r := &c.Roles[i]
		if _, err := t.Store.GetByName(ctx, anyobject.KindRole, r.Name); err == nil {
			continue
		} else if !errors.Is(err, anyobject.ErrNotFound) {
			return fmt.Errorf("failed to look up role %s: %w", r.Name, err)
		}
		if _, err := t.Store.Create(ctx, r.object()); err != nil {
			return fmt.Errorf("failed to create role %s: %w", r.Name, err)
		}
	}
	if t.Tasks != nil {
		for i := range c.Tasks {
			if err := t.Tasks.Save(ctx, &c.Tasks[i]); err != nil {
				return fmt.Errorf("failed to save task: %w", err)
			}
		}
	}
	return nil
}
