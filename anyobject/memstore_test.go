package anyobject_test

import (
	"context"
	"sync"
	"testing"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/filter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, schemas ...anyobject.Schema) *anyobject.MemStore {
	t.Helper()
	reg := anyobject.NewSchemaRegistry()
	for _, s := range schemas {
		require.NoError(t, reg.Register(s))
	}
	store, err := anyobject.NewMemStore(reg)
	require.NoError(t, err)
	return store
}

func TestMemStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	created, err := store.Create(ctx, &anyobject.AnyObject{
		Kind:       anyobject.KindUser,
		Name:       "jdoe",
		PlainAttrs: map[string][]string{"surname": {"Doe"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.Key)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, anyobject.StatusActive, created.Status)

	got, err := store.Get(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	byName, err := store.GetByName(ctx, anyobject.KindUser, "JDOE")
	require.NoError(t, err)
	assert.Equal(t, created.Key, byName.Key)

	_, err = store.GetByName(ctx, anyobject.KindRole, "jdoe")
	assert.ErrorIs(t, err, anyobject.ErrNotFound)
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	created, err := store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "a", PlainAttrs: map[string][]string{"x": {"1"}}})
	require.NoError(t, err)

	created.PlainAttrs["x"][0] = "mutated"
	got, err := store.Get(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, got.PlainAttrs["x"])
}

func TestMemStore_DuplicateName(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "a"})
	require.NoError(t, err)
	_, err = store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "a"})
	assert.ErrorIs(t, err, anyobject.ErrDuplicate)

	// same name, different kind is fine
	_, err = store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindRole, Name: "a"})
	assert.NoError(t, err)
}

func TestMemStore_OptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	obj, err := store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "a"})
	require.NoError(t, err)

	stale := obj.Clone()
	obj.SetAttr("mail", "a@example.com")
	updated, err := store.Update(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	stale.SetAttr("mail", "b@example.com")
	_, err = store.Update(ctx, stale)
	assert.ErrorIs(t, err, anyobject.ErrConflict)
}

func TestMemStore_UniqueSchema(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, anyobject.Schema{Name: "email", Type: anyobject.SchemaPlain, Unique: true})

	_, err := store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "a", PlainAttrs: map[string][]string{"email": {"x@example.com"}}})
	require.NoError(t, err)
	_, err = store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "b", PlainAttrs: map[string][]string{"email": {"X@example.com"}}})

	var uv *anyobject.UniqueViolationError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, "email", uv.Schema)
	assert.ErrorIs(t, err, anyobject.ErrDuplicate)
}

func TestMemStore_RejectsVirtualValues(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, anyobject.Schema{Name: "ldapGroups", Type: anyobject.SchemaVirtual})
	_, err := store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "a", PlainAttrs: map[string][]string{"ldapGroups": {"g"}}})
	assert.Error(t, err)
}

func TestMemStore_SearchAndListByResource(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for _, u := range []struct {
		name, dept string
		res        []string
	}{
		{"carol", "it", []string{"ldap"}},
		{"alice", "it", []string{"ldap", "db"}},
		{"bob", "hr", nil},
	} {
		_, err := store.Create(ctx, &anyobject.AnyObject{
			Kind:       anyobject.KindUser,
			Name:       u.name,
			PlainAttrs: map[string][]string{"dept": {u.dept}},
			Resources:  u.res,
		})
		require.NoError(t, err)
	}

	it, err := store.Search(ctx, anyobject.KindUser, filter.Eq("dept", "it"))
	require.NoError(t, err)
	require.Len(t, it, 2)
	assert.Equal(t, "alice", it[0].Name)
	assert.Equal(t, "carol", it[1].Name)

	byName, err := store.Search(ctx, anyobject.KindUser, filter.Eq(anyobject.AttrName, "bob"))
	require.NoError(t, err)
	require.Len(t, byName, 1)

	all, err := store.Search(ctx, anyobject.KindUser, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onLDAP, err := store.ListByResource(ctx, anyobject.KindUser, "LDAP")
	require.NoError(t, err)
	assert.Len(t, onLDAP, 2)

	onDB, err := store.ListByResource(ctx, anyobject.KindUser, "db")
	require.NoError(t, err)
	require.Len(t, onDB, 1)
	assert.Equal(t, "alice", onDB[0].Name)
}

func TestMemStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	obj, err := store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "a"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, obj.Key))
	_, err = store.Get(ctx, obj.Key)
	assert.ErrorIs(t, err, anyobject.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, obj.Key), anyobject.ErrNotFound)
}

func TestMemStore_Lock(t *testing.T) {
	store := newStore(t)
	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := store.Lock("k")
			defer unlock()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func TestEffectiveResources(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	role, err := store.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindRole, Name: "staff", Resources: []string{"ldap", "db"}})
	require.NoError(t, err)
	user, err := store.Create(ctx, &anyobject.AnyObject{
		Kind:        anyobject.KindUser,
		Name:        "a",
		Resources:   []string{"csv", "ldap"},
		Memberships: []anyobject.Membership{{RoleKey: role.Key}, {RoleKey: "gone"}},
	})
	require.NoError(t, err)

	res, err := anyobject.EffectiveResources(ctx, store, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"csv", "ldap", "db"}, res)
}
