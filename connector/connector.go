// Package connector defines the adapter interface used to reach external
// resources, the factory registry adapters are selected from, and a manager
// that keeps one configured adapter per resource.
package connector

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"f0oster/idsync/filter"
)

type ObjectClass string

const (
	Account ObjectClass = "__ACCOUNT__"
	Group   ObjectClass = "__GROUP__"
)

type Capability string

const (
	CapCreate Capability = "CREATE"
	CapUpdate Capability = "UPDATE"
	CapDelete Capability = "DELETE"
	CapSearch Capability = "SEARCH"
	CapRead   Capability = "READ"
	CapSync   Capability = "SYNC"
	CapSchema Capability = "SCHEMA"
)

type Capabilities []Capability

func (c Capabilities) Has(want Capability) bool {
	return slices.Contains(c, want)
}

var (
	ErrUnreachable         = errors.New("resource unreachable")
	ErrTimeout             = errors.New("connector call timed out")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrNotFound            = errors.New("external object not found")
	ErrUnsupported         = errors.New("operation not supported by connector")
)

// Reserved attribute names adapters expose to search filters.
const (
	AttrName = "__NAME__"
	AttrUID  = "__UID__"
)

// ExternalRecord is an object as seen on the external resource. UID is the
// resource-native identifier, Name the account identifier the mapping
// produces and the handle Read, Update and Delete address objects by.
type ExternalRecord struct {
	UID        string
	Name       string
	Attributes map[string][]string
}

// Get returns the values of name, resolving the reserved name and uid
// attributes. Attribute names fall back to a case-insensitive match.
func (r ExternalRecord) Get(name string) []string {
	switch name {
	case AttrName:
		if r.Name == "" {
			return nil
		}
		return []string{r.Name}
	case AttrUID:
		if r.UID == "" {
			return nil
		}
		return []string{r.UID}
	}
	if v, ok := r.Attributes[name]; ok {
		return v
	}
	for k, v := range r.Attributes {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// Lookup lets expressions evaluate against the record.
func (r ExternalRecord) Lookup(name string) ([]string, bool) {
	v := r.Get(name)
	return v, v != nil
}

type DeltaType string

const (
	DeltaCreate         DeltaType = "CREATE"
	DeltaUpdate         DeltaType = "UPDATE"
	DeltaCreateOrUpdate DeltaType = "CREATE_OR_UPDATE"
	DeltaDelete         DeltaType = "DELETE"
)

func (d DeltaType) IsDelete() bool { return d == DeltaDelete }

// SyncDelta is a change reported by an adapter's change log. Token is the
// position to resume from once the delta has been handled.
type SyncDelta struct {
	Type   DeltaType
	Record ExternalRecord
	Token  string
}

type AttributeDescriptor struct {
	Name        string
	Type        string
	Required    bool
	MultiValued bool
	ReadOnly    bool
}

// ResultHandler receives search results. Returning false stops the search.
type ResultHandler func(rec ExternalRecord) (bool, error)

// SyncHandler receives change log entries. Returning false stops the sync.
type SyncHandler func(delta SyncDelta) (bool, error)

// Adapter is the uniform interface to an external resource. Objects are
// addressed by account identifier; Create and Update return the
// resource-native identifier. Read and Delete report ErrNotFound for
// unknown accounts.
type Adapter interface {
	Test(ctx context.Context) error
	Capabilities() Capabilities
	Schema(ctx context.Context, oc ObjectClass) ([]AttributeDescriptor, error)
	Search(ctx context.Context, oc ObjectClass, f filter.Filter, handler ResultHandler) error
	Read(ctx context.Context, oc ObjectClass, name string) (*ExternalRecord, error)
	Create(ctx context.Context, oc ObjectClass, name string, attrs map[string][]string) (string, error)
	Update(ctx context.Context, oc ObjectClass, name string, attrs map[string][]string) (string, error)
	Delete(ctx context.Context, oc ObjectClass, name string) error
	// Sync streams changes after token. An empty token starts from the
	// beginning of the change log. The returned token is the latest position.
	Sync(ctx context.Context, oc ObjectClass, token string, handler SyncHandler) (string, error)
	Close() error
}

// Config selects and configures an adapter.
type Config struct {
	Type       string
	Properties map[string]string
	Timeout    time.Duration
}

func (c Config) Property(name, fallback string) string {
	if v, ok := c.Properties[name]; ok && v != "" {
		return v
	}
	return fallback
}
