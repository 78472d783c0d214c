// Package fixture wires an in-memory provisioning environment for tests:
// identity store, catalog and one memory connector per resource.
package fixture

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/connector"
	"f0oster/idsync/connector/memory"
	"f0oster/idsync/mapping"
	"f0oster/idsync/resource"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type Env struct {
	Log        zerolog.Logger
	Schemas    *anyobject.SchemaRegistry
	Store      *anyobject.MemStore
	Catalog    *resource.Catalog
	Connectors *connector.Manager
	Mapper     *mapping.Resolver

	mu       sync.Mutex
	adapters map[string]*memory.Adapter
}

func New(t testing.TB) *Env {
	t.Helper()
	schemas := anyobject.NewSchemaRegistry()
	require.NoError(t, schemas.Register(anyobject.Schema{Name: "email", Type: anyobject.SchemaPlain, Unique: true}))
	store, err := anyobject.NewMemStore(schemas)
	require.NoError(t, err)

	e := &Env{
		Log:      zerolog.Nop(),
		Schemas:  schemas,
		Store:    store,
		Catalog:  resource.NewCatalog(),
		Mapper:   mapping.NewResolver(schemas, nil),
		adapters: make(map[string]*memory.Adapter),
	}
	e.Connectors = connector.NewManager(e.Log)
	e.Connectors.New = func(cfg connector.Config) (connector.Adapter, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		a, ok := e.adapters[cfg.Properties["instance"]]
		if !ok {
			return nil, fmt.Errorf("no memory adapter %q", cfg.Properties["instance"])
		}
		return a, nil
	}
	t.Cleanup(func() { _ = e.Connectors.Close() })
	return e
}

// UserMapping maps uid to the user name and mail to the unique email schema.
func UserMapping() *resource.Mapping {
	return &resource.Mapping{
		ObjectClass: connector.Account,
		Items: []resource.MappingItem{
			{ExtAttrName: "uid", Type: resource.ItemName, AccountID: true},
			{ExtAttrName: "mail", IntAttrName: "email", Type: resource.ItemPlain, Unique: true},
			{ExtAttrName: "givenName", IntAttrName: "firstname", Type: resource.ItemPlain},
			{ExtAttrName: "password", Type: resource.ItemPassword},
		},
	}
}

// RoleMapping maps cn to the role name.
func RoleMapping() *resource.Mapping {
	return &resource.Mapping{
		ObjectClass: connector.Group,
		Items: []resource.MappingItem{
			{ExtAttrName: "cn", Type: resource.ItemName, AccountID: true},
			{ExtAttrName: "description", IntAttrName: "description", Type: resource.ItemPlain},
		},
	}
}

// AddResource registers a resource backed by a fresh memory adapter. opts
// adjust the resource before it is put in the catalog.
func (e *Env) AddResource(t testing.TB, name string, opts ...func(*resource.Resource)) *memory.Adapter {
	t.Helper()
	a := memory.New()
	e.mu.Lock()
	e.adapters[name] = a
	e.mu.Unlock()

	require.NoError(t, e.Catalog.PutConnector(&resource.ConnectorInstance{
		Key:        "conn-" + name,
		Type:       memory.Type,
		Properties: map[string]string{"instance": name},
	}))
	r := &resource.Resource{
		Name:        name,
		Connector:   "conn-" + name,
		UserMapping: UserMapping(),
		RoleMapping: RoleMapping(),
	}
	for _, opt := range opts {
		opt(r)
	}
	require.NoError(t, e.Catalog.PutResource(r))
	return a
}

func (e *Env) Adapter(name string) *memory.Adapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adapters[name]
}

// CreateUser stores a user with the given plain attributes and direct
// resources.
func (e *Env) CreateUser(t testing.TB, name string, attrs map[string][]string, resources ...string) *anyobject.AnyObject {
	t.Helper()
	obj, err := e.Store.Create(context.Background(), &anyobject.AnyObject{
		Kind:       anyobject.KindUser,
		Name:       name,
		PlainAttrs: attrs,
		Resources:  resources,
	})
	require.NoError(t, err)
	return obj
}

func (e *Env) CreateRole(t testing.TB, role *anyobject.AnyObject) *anyobject.AnyObject {
	t.Helper()
	role.Kind = anyobject.KindRole
	obj, err := e.Store.Create(context.Background(), role)
	require.NoError(t, err)
	return obj
}
