// Package memory is an in-process connector keeping objects in maps. It
// records a change log for incremental sync and supports fault injection,
// which makes it the test double for everything that talks to a resource.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"f0oster/idsync/connector"
	"f0oster/idsync/filter"
)

const Type = "memory"

type Op string

const (
	OpTest   Op = "test"
	OpSchema Op = "schema"
	OpSearch Op = "search"
	OpRead   Op = "read"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpSync   Op = "sync"
)

var (
	instancesMu sync.Mutex
	instances   = map[string]*Adapter{}
)

func init() {
	connector.Register(Type, func(cfg connector.Config) (connector.Adapter, error) {
		if name := cfg.Properties["instance"]; name != "" {
			return Instance(name), nil
		}
		return New(), nil
	})
}

// Instance returns the named shared adapter, creating it on first use.
// Resources configured with the same "instance" property see the same data.
func Instance(name string) *Adapter {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	a, ok := instances[name]
	if !ok {
		a = New()
		instances[name] = a
	}
	return a
}

type change struct {
	seq   int64
	oc    connector.ObjectClass
	typ   connector.DeltaType
	name  string
	attrs map[string][]string
}

type object struct {
	uid   string
	name  string
	attrs map[string][]string
}

type Adapter struct {
	mu      sync.Mutex
	caps    connector.Capabilities
	objects map[connector.ObjectClass]map[string]*object
	changes []change
	seq     int64
	nextUID int64

	faults map[Op]error
	delay  map[Op]time.Duration
	after  map[Op]func()
	calls  map[Op]int
}

func New() *Adapter {
	return &Adapter{
		caps: connector.Capabilities{
			connector.CapCreate, connector.CapUpdate, connector.CapDelete,
			connector.CapSearch, connector.CapRead, connector.CapSync, connector.CapSchema,
		},
		objects: make(map[connector.ObjectClass]map[string]*object),
		faults:  make(map[Op]error),
		delay:   make(map[Op]time.Duration),
		after:   make(map[Op]func()),
		calls:   make(map[Op]int),
	}
}

// SetCapabilities replaces the advertised capability set.
func (a *Adapter) SetCapabilities(caps ...connector.Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caps = caps
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (a *Adapter) FailOn(op Op, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.faults, op)
		return
	}
	a.faults[op] = err
}

// Delay makes op block for d, or until the call's context is done.
func (a *Adapter) Delay(op Op, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay[op] = d
}

// After runs fn once op has produced its result and before it returns.
// Only reads honour it.
func (a *Adapter) After(op Op, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fn == nil {
		delete(a.after, op)
		return
	}
	a.after[op] = fn
}

func (a *Adapter) Calls(op Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// Reset clears faults, delays and call counters but keeps the data.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = make(map[Op]error)
	a.delay = make(map[Op]time.Duration)
	a.after = make(map[Op]func())
	a.calls = make(map[Op]int)
}

// Put creates or replaces an object out of band, as if changed directly on
// the resource. The change is visible to Sync.
func (a *Adapter) Put(oc connector.ObjectClass, name string, attrs map[string][]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	typ := connector.DeltaUpdate
	if a.lookup(oc, name) == nil {
		typ = connector.DeltaCreate
	}
	a.store(oc, name, cloneAttrs(attrs))
	a.record(oc, typ, name)
}

// Remove deletes an object out of band.
func (a *Adapter) Remove(oc connector.ObjectClass, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lookup(oc, name) == nil {
		return
	}
	delete(a.objects[oc], strings.ToLower(name))
	a.record(oc, connector.DeltaDelete, name)
}

// Get returns a copy of the object's attributes.
func (a *Adapter) Get(oc connector.ObjectClass, name string) (map[string][]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := a.lookup(oc, name)
	if o == nil {
		return nil, false
	}
	return cloneAttrs(o.attrs), true
}

func (a *Adapter) Count(oc connector.ObjectClass) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects[oc])
}

func (a *Adapter) Capabilities() connector.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.caps)
}

func (a *Adapter) Test(ctx context.Context) error {
	return a.enter(ctx, OpTest)
}

func (a *Adapter) Schema(ctx context.Context, oc connector.ObjectClass) ([]connector.AttributeDescriptor, error) {
	if err := a.enter(ctx, OpSchema); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := map[string]bool{}
	for _, o := range a.objects[oc] {
		for name, v := range o.attrs {
			seen[name] = seen[name] || len(v) > 1
		}
	}
	out := make([]connector.AttributeDescriptor, 0, len(seen))
	for name, multi := range seen {
		out = append(out, connector.AttributeDescriptor{Name: name, Type: "string", MultiValued: multi})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *Adapter) Search(ctx context.Context, oc connector.ObjectClass, f filter.Filter, handler connector.ResultHandler) error {
	if err := a.enter(ctx, OpSearch); err != nil {
		return err
	}
	a.mu.Lock()
	var matched []connector.ExternalRecord
	for _, o := range a.objects[oc] {
		rec := toRecord(o)
		if f == nil || f.Match(withReserved(rec)) {
			matched = append(matched, rec)
		}
	}
	a.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	for _, rec := range matched {
		more, err := handler(rec)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (a *Adapter) Read(ctx context.Context, oc connector.ObjectClass, name string) (*connector.ExternalRecord, error) {
	if err := a.enter(ctx, OpRead); err != nil {
		return nil, err
	}
	a.mu.Lock()
	o := a.lookup(oc, name)
	var rec connector.ExternalRecord
	if o != nil {
		rec = toRecord(o)
	}
	after := a.after[OpRead]
	a.mu.Unlock()

	if after != nil {
		after()
	}
	if o == nil {
		return nil, fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	return &rec, nil
}

func (a *Adapter) Create(ctx context.Context, oc connector.ObjectClass, name string, attrs map[string][]string) (string, error) {
	if err := a.enter(ctx, OpCreate); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lookup(oc, name) != nil {
		return "", fmt.Errorf("%s %s already exists: %w", oc, name, connector.ErrConstraintViolation)
	}
	values := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		if len(v) > 0 {
			values[k] = slices.Clone(v)
		}
	}
	o := a.store(oc, name, values)
	a.record(oc, connector.DeltaCreate, name)
	return o.uid, nil
}

func (a *Adapter) Update(ctx context.Context, oc connector.ObjectClass, name string, attrs map[string][]string) (string, error) {
	if err := a.enter(ctx, OpUpdate); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	o := a.lookup(oc, name)
	if o == nil {
		return "", fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	for k, v := range attrs {
		if len(v) == 0 {
			delete(o.attrs, k)
			continue
		}
		o.attrs[k] = slices.Clone(v)
	}
	a.record(oc, connector.DeltaUpdate, name)
	return o.uid, nil
}

func (a *Adapter) Delete(ctx context.Context, oc connector.ObjectClass, name string) error {
	if err := a.enter(ctx, OpDelete); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lookup(oc, name) == nil {
		return fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	delete(a.objects[oc], strings.ToLower(name))
	a.record(oc, connector.DeltaDelete, name)
	return nil
}

// Sync replays the change log after token. Each delta carries the current
// state of the object, or only its name for deletions.
func (a *Adapter) Sync(ctx context.Context, oc connector.ObjectClass, token string, handler connector.SyncHandler) (string, error) {
	if err := a.enter(ctx, OpSync); err != nil {
		return token, err
	}
	var after int64
	if token != "" {
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return token, fmt.Errorf("invalid sync token %q: %w", token, err)
		}
		after = n
	}

	a.mu.Lock()
	var pending []change
	for _, c := range a.changes {
		if c.seq > after && c.oc == oc {
			pending = append(pending, c)
		}
	}
	latest := strconv.FormatInt(a.seq, 10)
	a.mu.Unlock()

	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return strconv.FormatInt(after, 10), err
		}
		delta := connector.SyncDelta{
			Type:   c.typ,
			Record: connector.ExternalRecord{Name: c.name, Attributes: c.attrs},
			Token:  strconv.FormatInt(c.seq, 10),
		}
		more, err := handler(delta)
		if err != nil {
			return strconv.FormatInt(after, 10), err
		}
		after = c.seq
		if !more {
			return strconv.FormatInt(after, 10), nil
		}
	}
	return latest, nil
}

func (a *Adapter) Close() error { return nil }

func (a *Adapter) enter(ctx context.Context, op Op) error {
	a.mu.Lock()
	a.calls[op]++
	fault := a.faults[op]
	delay := a.delay[op]
	a.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fault
}

func (a *Adapter) lookup(oc connector.ObjectClass, name string) *object {
	return a.objects[oc][strings.ToLower(name)]
}

func (a *Adapter) store(oc connector.ObjectClass, name string, attrs map[string][]string) *object {
	if a.objects[oc] == nil {
		a.objects[oc] = make(map[string]*object)
	}
	key := strings.ToLower(name)
	o, ok := a.objects[oc][key]
	if !ok {
		a.nextUID++
		o = &object{uid: strconv.FormatInt(a.nextUID, 10)}
		a.objects[oc][key] = o
	}
	o.name = name
	o.attrs = attrs
	return o
}

func (a *Adapter) record(oc connector.ObjectClass, typ connector.DeltaType, name string) {
	a.seq++
	c := change{seq: a.seq, oc: oc, typ: typ, name: name}
	if o := a.lookup(oc, name); o != nil && typ != connector.DeltaDelete {
		c.attrs = cloneAttrs(o.attrs)
	}
	a.changes = append(a.changes, c)
}

func toRecord(o *object) connector.ExternalRecord {
	return connector.ExternalRecord{UID: o.uid, Name: o.name, Attributes: cloneAttrs(o.attrs)}
}

func withReserved(rec connector.ExternalRecord) map[string][]string {
	attrs := maps.Clone(rec.Attributes)
	if attrs == nil {
		attrs = make(map[string][]string)
	}
	attrs[connector.AttrName] = []string{rec.Name}
	attrs[connector.AttrUID] = []string{rec.UID}
	return attrs
}

func cloneAttrs(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}
