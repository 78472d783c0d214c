package anyobject

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"f0oster/idsync/filter"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
)

const (
	objectTable = "anyobject"

	indexID       = "id"
	indexName     = "name"
	indexKind     = "kind"
	indexResource = "resource"
)

// row is the memdb representation; Object is never handed out directly.
type row struct {
	Key       string
	Kind      string
	Name      string
	Resources []string
	Object    *AnyObject
}

func storeSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			objectTable: {
				Name: objectTable,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					indexName: {
						Name:   indexName,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Kind"},
								&memdb.StringFieldIndex{Field: "Name", Lowercase: true},
							},
						},
					},
					indexKind: {
						Name:    indexKind,
						Indexer: &memdb.StringFieldIndex{Field: "Kind"},
					},
					indexResource: {
						Name:         indexResource,
						AllowMissing: true,
						Indexer:      &memdb.StringSliceFieldIndex{Field: "Resources", Lowercase: true},
					},
				},
			},
		},
	}
}

// MemStore is an in-memory Store on go-memdb.
type MemStore struct {
	db      *memdb.MemDB
	schemas *SchemaRegistry

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// keyLock is dropped from the map once nobody holds or waits for it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewMemStore(schemas *SchemaRegistry) (*MemStore, error) {
	db, err := memdb.NewMemDB(storeSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create identity store: %w", err)
	}
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &MemStore{db: db, schemas: schemas, locks: make(map[string]*keyLock)}, nil
}

func (s *MemStore) Lock(key string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		defer s.locksMu.Unlock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, key)
		}
	}
}

func (s *MemStore) Get(_ context.Context, key string) (*AnyObject, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	r, err := first(txn, indexID, key)
	if err != nil {
		return nil, err
	}
	return r.Object.Clone(), nil
}

func (s *MemStore) GetByName(_ context.Context, kind Kind, name string) (*AnyObject, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	r, err := first(txn, indexName, string(kind), name)
	if err != nil {
		return nil, err
	}
	return r.Object.Clone(), nil
}

func (s *MemStore) Create(_ context.Context, obj *AnyObject) (*AnyObject, error) {
	if obj.Kind != KindUser && obj.Kind != KindRole {
		return nil, fmt.Errorf("invalid kind %q", obj.Kind)
	}
	if obj.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if err := s.schemas.CheckPlain(obj.PlainAttrs); err != nil {
		return nil, err
	}

	stored := obj.Clone()
	if stored.Key == "" {
		stored.Key = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	stored.Version = 1

	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, _ := txn.First(objectTable, indexID, stored.Key); existing != nil {
		return nil, fmt.Errorf("key %s: %w", stored.Key, ErrDuplicate)
	}
	if existing, _ := txn.First(objectTable, indexName, string(stored.Kind), stored.Name); existing != nil {
		return nil, fmt.Errorf("%s %s: %w", stored.Kind, stored.Name, ErrDuplicate)
	}
	if err := s.checkUnique(txn, stored); err != nil {
		return nil, err
	}
	if err := txn.Insert(objectTable, toRow(stored)); err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", stored.Key, err)
	}
	txn.Commit()
	return stored.Clone(), nil
}

func (s *MemStore) Update(_ context.Context, obj *AnyObject) (*AnyObject, error) {
	if err := s.schemas.CheckPlain(obj.PlainAttrs); err != nil {
		return nil, err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := first(txn, indexID, obj.Key)
	if err != nil {
		return nil, err
	}
	if current.Object.Version != obj.Version {
		return nil, fmt.Errorf("%s at version %d, got %d: %w", obj.Key, current.Object.Version, obj.Version, ErrConflict)
	}
	if raw, _ := txn.First(objectTable, indexName, string(obj.Kind), obj.Name); raw != nil && raw.(*row).Key != obj.Key {
		return nil, fmt.Errorf("%s %s: %w", obj.Kind, obj.Name, ErrDuplicate)
	}

	stored := obj.Clone()
	stored.Version = current.Object.Version + 1
	if err := s.checkUnique(txn, stored); err != nil {
		return nil, err
	}
	if err := txn.Insert(objectTable, toRow(stored)); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", stored.Key, err)
	}
	txn.Commit()
	return stored.Clone(), nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	r, err := first(txn, indexID, key)
	if err != nil {
		return err
	}
	if err := txn.Delete(objectTable, r); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

// Search returns the objects of kind matching f, ordered by name. A nil
// filter matches everything.
func (s *MemStore) Search(_ context.Context, kind Kind, f filter.Filter) ([]*AnyObject, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(objectTable, indexKind, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", kind, err)
	}
	var out []*AnyObject
	for raw := it.Next(); raw != nil; raw = it.Next() {
		obj := raw.(*row).Object
		if f == nil || f.Match(obj.Attributes()) {
			out = append(out, obj.Clone())
		}
	}
	sortByName(out)
	return out, nil
}

// ListByResource returns the objects of kind directly assigned to resource.
func (s *MemStore) ListByResource(_ context.Context, kind Kind, resource string) ([]*AnyObject, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(objectTable, indexResource, resource)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects on %s: %w", resource, err)
	}
	var out []*AnyObject
	for raw := it.Next(); raw != nil; raw = it.Next() {
		obj := raw.(*row).Object
		if obj.Kind == kind {
			out = append(out, obj.Clone())
		}
	}
	sortByName(out)
	return out, nil
}

func (s *MemStore) checkUnique(txn *memdb.Txn, obj *AnyObject) error {
	unique := s.schemas.Unique()
	if len(unique) == 0 {
		return nil
	}
	it, err := txn.Get(objectTable, indexKind, string(obj.Kind))
	if err != nil {
		return err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		other := raw.(*row).Object
		if other.Key == obj.Key {
			continue
		}
		for _, name := range unique {
			for _, v := range obj.PlainAttrs[name] {
				for _, ov := range other.PlainAttrs[name] {
					if strings.EqualFold(v, ov) {
						return &UniqueViolationError{Schema: name, Value: v, Owner: other.Key}
					}
				}
			}
		}
	}
	return nil
}

func first(txn *memdb.Txn, index string, args ...interface{}) (*row, error) {
	raw, err := txn.First(objectTable, index, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", index, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%v: %w", args, ErrNotFound)
	}
	return raw.(*row), nil
}

func toRow(obj *AnyObject) *row {
	return &row{
		Key:       obj.Key,
		Kind:      string(obj.Kind),
		Name:      obj.Name,
		Resources: obj.Resources,
		Object:    obj,
	}
}

func sortByName(objs []*AnyObject) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].Name < objs[j].Name })
}
