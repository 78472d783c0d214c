package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrResourceNotFound  = errors.New("resource not found")
	ErrConnectorNotFound = errors.New("connector instance not found")
)

// Catalog holds connector instances and resources. Lookups are
// case-insensitive on name.
type Catalog struct {
	mu         sync.RWMutex
	connectors map[string]*ConnectorInstance
	resources  map[string]*Resource
}

func NewCatalog() *Catalog {
	return &Catalog{
		connectors: make(map[string]*ConnectorInstance),
		resources:  make(map[string]*Resource),
	}
}

// PutConnector adds or replaces a connector instance.
func (c *Catalog) PutConnector(ci *ConnectorInstance) error {
	if err := ci.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectors[strings.ToLower(ci.Key)] = ci
	return nil
}

// PutResource adds or replaces a resource. Its connector instance must
// already be present.
func (c *Catalog) PutResource(r *Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.connectors[strings.ToLower(r.Connector)]; !ok {
		return fmt.Errorf("resource %s: %w: %s", r.Name, ErrConnectorNotFound, r.Connector)
	}
	c.resources[strings.ToLower(r.Name)] = r
	return nil
}

func (c *Catalog) RemoveResource(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resources, strings.ToLower(name))
}

func (c *Catalog) Resource(name string) (*Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
	}
	return r, nil
}

func (c *Catalog) Connector(key string) (*ConnectorInstance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ci, ok := c.connectors[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, key)
	}
	return ci, nil
}

// Resources returns all resources ordered by name.
func (c *Catalog) Resources() []*Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Binding returns a resource together with its connector instance.
func (c *Catalog) Binding(name string) (*Resource, *ConnectorInstance, error) {
	r, err := c.Resource(name)
	if err != nil {
		return nil, nil, err
	}
	ci, err := c.Connector(r.Connector)
	if err != nil {
		return nil, nil, fmt.Errorf("resource %s: %w", r.Name, err)
	}
	return r, ci, nil
}

// VirtualOwner returns the resource whose mapping of kind carries the
// virtual schema. The first resource by name wins.
func (c *Catalog) VirtualOwner(userMapping bool, schema string) (*Resource, MappingItem, bool) {
	for _, r := range c.Resources() {
		m := r.RoleMapping
		if userMapping {
			m = r.UserMapping
		}
		if m == nil {
			continue
		}
		for _, item := range m.Items {
			if item.Type == ItemVirtual && item.IntAttrName == schema {
				return r, item, true
			}
		}
	}
	return nil, MappingItem{}, false
}
