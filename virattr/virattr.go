// Package virattr resolves virtual attributes from their owning resource and
// caches the values in memory. Cached values are never written to the
// identity store.
package virattr

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/connector"
	"f0oster/idsync/mapping"
	"f0oster/idsync/metrics"
	"f0oster/idsync/resource"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached coordinate.
type Entry struct {
	Resource   string
	Values     []string
	ResolvedAt time.Time
}

type Options struct {
	// TTL bounds how long an entry is served. Zero keeps entries until
	// invalidated.
	TTL            time.Duration
	DefaultTimeout time.Duration
}

type Resolver struct {
	log        zerolog.Logger
	catalog    *resource.Catalog
	schemas    *anyobject.SchemaRegistry
	connectors *connector.Manager
	mapper     *mapping.Resolver
	opts       Options
	now        func() time.Time

	cache sync.Map // coordinate -> *Entry
	slots sync.Map // coordinate -> *slot
	group singleflight.Group

	// epoch is bumped when a whole resource is invalidated; fetches started
	// under an older epoch are not cached.
	epochMu sync.RWMutex
	epoch   uint64
}

// slot serialises the writes to one coordinate. gen changes on every
// invalidation or prime, so a fetch that began earlier is discarded.
type slot struct {
	mu  sync.Mutex
	gen uint64
}

// NewResolver builds the resolver and subscribes it to connector
// configuration changes so entries of a reconfigured resource are dropped.
func NewResolver(log zerolog.Logger, catalog *resource.Catalog, schemas *anyobject.SchemaRegistry, connectors *connector.Manager, mapper *mapping.Resolver, opts Options) *Resolver {
	r := &Resolver{
		log:        log.With().Str("component", "virattr").Logger(),
		catalog:    catalog,
		schemas:    schemas,
		connectors: connectors,
		mapper:     mapper,
		opts:       opts,
		now:        time.Now,
	}
	connectors.OnChange(r.InvalidateResource)
	return r
}

func coordinate(key, schema string) string {
	return key + "\x00" + schema
}

// Resolve returns the values of the virtual schema for obj, from cache when
// a fresh entry exists. Failures yield no values and are not cached.
func (r *Resolver) Resolve(ctx context.Context, obj *anyobject.AnyObject, schema string) []string {
	coord := coordinate(obj.Key, schema)
	if e, ok := r.cached(coord); ok {
		metrics.RecordVirtualCache(true)
		return slices.Clone(e.Values)
	}
	metrics.RecordVirtualCache(false)

	v, err, _ := r.group.Do(coord, func() (interface{}, error) {
		// a concurrent flight may have filled the entry meanwhile
		if e, ok := r.cached(coord); ok {
			return e, nil
		}
		sl, gen, epoch := r.begin(coord)
		e, err := r.fetch(ctx, obj, schema)
		if err != nil {
			return nil, err
		}
		if !r.commit(coord, sl, gen, epoch, e) {
			r.log.Debug().Str("key", obj.Key).Str("schema", schema).Msg("discarding value read before invalidation")
		}
		return e, nil
	})
	if err != nil {
		r.log.Warn().Err(err).Str("key", obj.Key).Str("schema", schema).Msg("virtual attribute unavailable")
		return nil
	}
	return slices.Clone(v.(*Entry).Values)
}

// Values resolves every virtual schema the object's kind maps on any
// resource. Used for attribute listings.
func (r *Resolver) Values(ctx context.Context, obj *anyobject.AnyObject) map[string][]string {
	out := make(map[string][]string)
	for _, res := range r.catalog.Resources() {
		m, err := mapping.For(res, obj.Kind)
		if err != nil {
			continue
		}
		for _, item := range m.Items {
			if item.Type != resource.ItemVirtual {
				continue
			}
			if _, done := out[item.IntAttrName]; done {
				continue
			}
			out[item.IntAttrName] = r.Resolve(ctx, obj, item.IntAttrName)
		}
	}
	return out
}

func (r *Resolver) slot(coord string) *slot {
	v, _ := r.slots.LoadOrStore(coord, &slot{})
	return v.(*slot)
}

// begin records the generation a fetch of coord starts from.
func (r *Resolver) begin(coord string) (*slot, uint64, uint64) {
	sl := r.slot(coord)
	sl.mu.Lock()
	gen := sl.gen
	sl.mu.Unlock()
	r.epochMu.RLock()
	epoch := r.epoch
	r.epochMu.RUnlock()
	return sl, gen, epoch
}

// commit caches e unless coord was invalidated since begin.
func (r *Resolver) commit(coord string, sl *slot, gen, epoch uint64, e *Entry) bool {
	r.epochMu.RLock()
	defer r.epochMu.RUnlock()
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.gen != gen || r.epoch != epoch {
		return false
	}
	r.cache.Store(coord, e)
	return true
}

func (r *Resolver) cached(coord string) (*Entry, bool) {
	raw, ok := r.cache.Load(coord)
	if !ok {
		return nil, false
	}
	e := raw.(*Entry)
	if r.opts.TTL > 0 && r.now().Sub(e.ResolvedAt) > r.opts.TTL {
		return nil, false
	}
	return e, true
}

func (r *Resolver) fetch(ctx context.Context, obj *anyobject.AnyObject, schema string) (*Entry, error) {
	res, item, ci, err := r.owner(obj.Kind, schema)
	if err != nil {
		return nil, err
	}
	m, err := mapping.For(res, obj.Kind)
	if err != nil {
		return nil, err
	}
	accountID, err := r.mapper.AccountIDOf(obj, res)
	if err != nil {
		return nil, err
	}
	adapter, err := r.connectors.Get(ctx, res.Name, res.ConnectorConfig(ci))
	if err != nil {
		return nil, err
	}
	rec, err := connector.Call(ctx, res.Timeout(ci, r.opts.DefaultTimeout), func(ctx context.Context) (*connector.ExternalRecord, error) {
		return adapter.Read(ctx, objectClass(m, obj.Kind), accountID)
	})
	if err != nil {
		return nil, err
	}
	return &Entry{
		Resource:   res.Name,
		Values:     slices.Clone(rec.Get(item.ExtAttrName)),
		ResolvedAt: r.now(),
	}, nil
}

func (r *Resolver) owner(kind anyobject.Kind, schema string) (*resource.Resource, resource.MappingItem, *resource.ConnectorInstance, error) {
	res, item, ok := r.catalog.VirtualOwner(kind == anyobject.KindUser, schema)
	if !ok {
		return nil, item, nil, &NoOwnerError{Schema: schema}
	}
	ci, err := r.catalog.Connector(res.Connector)
	if err != nil {
		return nil, item, nil, err
	}
	return res, item, ci, nil
}

// Invalidate drops one coordinate; the next Resolve re-reads the resource.
func (r *Resolver) Invalidate(key, schema string) {
	r.invalidate(coordinate(key, schema))
}

func (r *Resolver) invalidate(coord string) {
	if v, ok := r.slots.LoadAndDelete(coord); ok {
		sl := v.(*slot)
		sl.mu.Lock()
		sl.gen++
		r.cache.Delete(coord)
		sl.mu.Unlock()
	} else {
		r.cache.Delete(coord)
	}
	r.group.Forget(coord)
}

// InvalidateKey drops every cached schema of one entity.
func (r *Resolver) InvalidateKey(key string) {
	prefix := key + "\x00"
	var coords []string
	collect := func(k, _ any) bool {
		if s := k.(string); strings.HasPrefix(s, prefix) && !slices.Contains(coords, s) {
			coords = append(coords, s)
		}
		return true
	}
	r.slots.Range(collect)
	r.cache.Range(collect)
	for _, coord := range coords {
		r.invalidate(coord)
	}
}

// InvalidateResource drops every entry resolved from resource. Fetches in
// flight at that moment are not cached.
func (r *Resolver) InvalidateResource(name string) {
	r.epochMu.Lock()
	r.epoch++
	r.epochMu.Unlock()
	// later callers must not join a flight that began under the old epoch
	r.slots.Range(func(k, _ any) bool {
		r.group.Forget(k.(string))
		return true
	})

	dropped := 0
	r.cache.Range(func(k, v any) bool {
		if v.(*Entry).Resource == name {
			r.cache.Delete(k)
			r.group.Forget(k.(string))
			dropped++
		}
		return true
	})
	if dropped > 0 {
		r.log.Debug().Str("resource", name).Int("entries", dropped).Msg("virtual attribute cache invalidated")
	}
}

// Prime stores values read elsewhere, such as a pulled record.
func (r *Resolver) Prime(key, schema, resourceName string, values []string) {
	coord := coordinate(key, schema)
	sl := r.slot(coord)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.gen++
	r.cache.Store(coord, &Entry{
		Resource:   resourceName,
		Values:     slices.Clone(values),
		ResolvedAt: r.now(),
	})
}

// Update writes values to the owning resource and invalidates the entry.
// Writes to read-only schemas are accepted and ignored; the reported bool
// tells whether a write was issued.
func (r *Resolver) Update(ctx context.Context, obj *anyobject.AnyObject, schema string, values []string) (bool, error) {
	if s, ok := r.schemas.Lookup(schema); ok && s.ReadOnly {
		r.log.Debug().Str("key", obj.Key).Str("schema", schema).Msg("ignoring write to read-only virtual attribute")
		return false, nil
	}
	res, item, ci, err := r.owner(obj.Kind, schema)
	if err != nil {
		return false, err
	}
	m, err := mapping.For(res, obj.Kind)
	if err != nil {
		return false, err
	}
	accountID, err := r.mapper.AccountIDOf(obj, res)
	if err != nil {
		return false, err
	}
	adapter, err := r.connectors.Get(ctx, res.Name, res.ConnectorConfig(ci))
	if err != nil {
		return false, err
	}
	_, err = connector.Call(ctx, res.Timeout(ci, r.opts.DefaultTimeout), func(ctx context.Context) (string, error) {
		return adapter.Update(ctx, objectClass(m, obj.Kind), accountID, map[string][]string{item.ExtAttrName: values})
	})
	r.Invalidate(obj.Key, schema)
	if err != nil {
		return false, err
	}
	return true, nil
}

func objectClass(m *resource.Mapping, kind anyobject.Kind) connector.ObjectClass {
	if m.ObjectClass != "" {
		return m.ObjectClass
	}
	if kind == anyobject.KindRole {
		return connector.Group
	}
	return connector.Account
}

// NoOwnerError reports a virtual schema no resource maps.
type NoOwnerError struct {
	Schema string
}

func (e *NoOwnerError) Error() string {
	return "no resource maps virtual schema " + e.Schema
}
