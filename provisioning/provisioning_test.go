package provisioning_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/connector"
	"f0oster/idsync/connector/memory"
	"f0oster/idsync/correlation"
	"f0oster/idsync/internal/fixture"
	"f0oster/idsync/policy"
	"f0oster/idsync/propagation"
	"f0oster/idsync/provisioning"
	"f0oster/idsync/resource"
	"f0oster/idsync/task"
	"f0oster/idsync/virattr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type harness struct {
	env      *fixture.Env
	policies *policy.Engine
	virtual  *virattr.Resolver
	manager  *provisioning.Manager
}

func newHarness(t *testing.T) *harness {
	env := fixture.New(t)
	require.NoError(t, env.Schemas.Register(anyobject.Schema{Name: "phone", Type: anyobject.SchemaVirtual}))
	require.NoError(t, env.Schemas.Register(anyobject.Schema{Name: "badge", Type: anyobject.SchemaVirtual, ReadOnly: true}))

	policies := policy.NewEngine(env.Store, env.Catalog, correlation.NewRules())
	policies.HashCost = bcrypt.MinCost
	require.NoError(t, policies.Put(&policy.Policy{Key: "global-pw", Type: policy.TypePassword, Global: true, Password: &policy.PasswordRules{MinLength: 4}}))
	require.NoError(t, policies.Put(&policy.Policy{Key: "long-pw", Type: policy.TypePassword, Password: &policy.PasswordRules{MinLength: 12}}))

	virtual := virattr.NewResolver(env.Log, env.Catalog, env.Schemas, env.Connectors, env.Mapper, virattr.Options{DefaultTimeout: time.Second})
	env.Mapper.SetVirtualSource(virtual)
	prop := propagation.NewManager(env.Log, env.Store, env.Catalog, env.Connectors, env.Mapper, nil, propagation.Options{DefaultTimeout: time.Second})
	return &harness{
		env:      env,
		policies: policies,
		virtual:  virtual,
		manager:  provisioning.NewManager(env.Log, env.Store, policies, prop, virtual),
	}
}

func primary(r *resource.Resource) { r.PropagationPrimary = true }

func withPhone(r *resource.Resource) {
	r.UserMapping.Items = append(r.UserMapping.Items,
		resource.MappingItem{ExtAttrName: "telephone", IntAttrName: "phone", Type: resource.ItemVirtual},
		resource.MappingItem{ExtAttrName: "badge", IntAttrName: "badge", Type: resource.ItemVirtual},
	)
}

func user(name string, resources ...string) *anyobject.AnyObject {
	return &anyobject.AnyObject{
		Kind:       anyobject.KindUser,
		Name:       name,
		PlainAttrs: map[string][]string{"firstname": {"John"}},
		Resources:  resources,
	}
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	a := h.env.AddResource(t, "a")

	res, err := h.manager.Create(context.Background(), user("jdoe", "a"), provisioning.Options{Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, anyobject.StatusActive, res.Object.Status)
	assert.NotEmpty(t, res.Object.PasswordHash)
	require.Len(t, res.Outcomes, 1)

	attrs, ok := a.Get(connector.Account, "jdoe")
	require.True(t, ok)
	assert.Equal(t, []string{"John"}, attrs["givenName"])
	assert.Equal(t, []string{"correct horse"}, attrs["password"])
}

func TestCreate_PrimaryFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a", primary)
	b := h.env.AddResource(t, "b")
	a.FailOn(memory.OpCreate, connector.ErrConstraintViolation)

	res, err := h.manager.Create(ctx, user("jdoe", "a", "b"), provisioning.Options{})
	var pf *propagation.PropagationFailureError
	require.True(t, errors.As(err, &pf))
	assert.Nil(t, res.Object)
	assert.Len(t, res.Outcomes, 2)

	_, err = h.env.Store.GetByName(ctx, anyobject.KindUser, "jdoe")
	assert.ErrorIs(t, err, anyobject.ErrNotFound)
	assert.Equal(t, 1, b.Count(connector.Account), "no cross-resource rollback")
}

func TestCreate_InheritedPasswordPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	parent := h.env.CreateRole(t, &anyobject.AnyObject{Name: "staff", PasswordPolicy: "long-pw"})
	child := h.env.CreateRole(t, &anyobject.AnyObject{Name: "interns", Parent: parent.Key})

	u := user("jdoe", "a")
	u.Memberships = []anyobject.Membership{{RoleKey: child.Key}}
	_, err := h.manager.Create(ctx, u, provisioning.Options{Password: "tooShort1"})

	var v *policy.PolicyViolationError
	require.True(t, errors.As(err, &v))
	assert.Equal(t, "long-pw", v.Policy)
	assert.Contains(t, v.Reasons, "shorter than 12 characters")
	for _, op := range []memory.Op{memory.OpRead, memory.OpCreate, memory.OpUpdate} {
		assert.Zero(t, a.Calls(op), op)
	}
	_, err = h.env.Store.GetByName(ctx, anyobject.KindUser, "jdoe")
	assert.ErrorIs(t, err, anyobject.ErrNotFound)
}

func TestUpdate_InheritedPasswordPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	parent := h.env.CreateRole(t, &anyobject.AnyObject{Name: "staff", PasswordPolicy: "long-pw"})
	child := h.env.CreateRole(t, &anyobject.AnyObject{Name: "interns", Parent: parent.Key})

	u := user("jdoe", "a")
	u.Memberships = []anyobject.Membership{{RoleKey: child.Key}}
	created, err := h.manager.Create(ctx, u, provisioning.Options{Password: "long-enough-pass"})
	require.NoError(t, err)
	a.Reset()

	_, err = h.manager.Update(ctx, created.Object.Key, func(obj *anyobject.AnyObject) error {
		obj.SetAttr("firstname", "Johnny")
		return nil
	}, provisioning.Options{Password: "tooShort1"})

	var v *policy.PolicyViolationError
	require.True(t, errors.As(err, &v))
	assert.Equal(t, "long-pw", v.Policy)
	assert.Contains(t, v.Reasons, "shorter than 12 characters")
	for _, op := range []memory.Op{memory.OpRead, memory.OpCreate, memory.OpUpdate, memory.OpDelete} {
		assert.Zero(t, a.Calls(op), op)
	}
	stored, err := h.env.Store.Get(ctx, created.Object.Key)
	require.NoError(t, err)
	assert.Equal(t, created.Object.Version, stored.Version)
	assert.Equal(t, []string{"John"}, stored.PlainAttrs["firstname"])
}

func TestUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	b := h.env.AddResource(t, "b")
	created, err := h.manager.Create(ctx, user("jdoe", "a", "b"), provisioning.Options{})
	require.NoError(t, err)

	res, err := h.manager.Update(ctx, created.Object.Key, func(obj *anyobject.AnyObject) error {
		obj.SetAttr("firstname", "Johnny")
		obj.RemoveResource("b")
		return nil
	}, provisioning.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Object.Version)
	assert.Len(t, res.Outcomes, 2)

	attrs, _ := a.Get(connector.Account, "jdoe")
	assert.Equal(t, []string{"Johnny"}, attrs["givenName"])
	assert.Zero(t, b.Count(connector.Account), "removed assignment is deprovisioned")
}

func TestUpdate_PrimaryFailureRestoresPreImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a", primary)
	created, err := h.manager.Create(ctx, user("jdoe", "a"), provisioning.Options{})
	require.NoError(t, err)

	a.FailOn(memory.OpUpdate, connector.ErrConstraintViolation)
	_, err = h.manager.Update(ctx, created.Object.Key, func(obj *anyobject.AnyObject) error {
		obj.SetAttr("firstname", "Johnny")
		return nil
	}, provisioning.Options{})
	var pf *propagation.PropagationFailureError
	require.True(t, errors.As(err, &pf))

	stored, err := h.env.Store.Get(ctx, created.Object.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"John"}, stored.PlainAttrs["firstname"])
}

func TestUpdate_MutateError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, user("jdoe"), provisioning.Options{})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = h.manager.Update(ctx, created.Object.Key, func(*anyobject.AnyObject) error { return boom }, provisioning.Options{})
	assert.ErrorIs(t, err, boom)
}

func TestUpdate_Serialised(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, user("jdoe"), provisioning.Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.Update(ctx, created.Object.Key, func(obj *anyobject.AnyObject) error {
				n := 0
				if v, ok := obj.PlainAttrs["counter"]; ok {
					n, _ = strconv.Atoi(v[0])
				}
				obj.SetAttr("counter", strconv.Itoa(n+1))
				return nil
			}, provisioning.Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := h.env.Store.Get(ctx, created.Object.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, stored.PlainAttrs["counter"])
	assert.Equal(t, int64(11), stored.Version)
}

func TestUpdate_PasswordHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.policies.Put(&policy.Policy{Key: "history", Type: policy.TypePassword, Password: &policy.PasswordRules{HistoryLength: 3}}))
	h.env.AddResource(t, "a", func(r *resource.Resource) { r.PasswordPolicy = "history" })
	created, err := h.manager.Create(ctx, user("jdoe", "a"), provisioning.Options{Password: "first-pass"})
	require.NoError(t, err)

	setPassword := func(pw string) error {
		_, err := h.manager.Update(ctx, created.Object.Key, func(*anyobject.AnyObject) error { return nil }, provisioning.Options{Password: pw})
		return err
	}
	require.NoError(t, setPassword("second-pass"))

	var v *policy.PolicyViolationError
	require.True(t, errors.As(setPassword("second-pass"), &v))
	assert.Equal(t, "current", v.Policy)
	require.True(t, errors.As(setPassword("first-pass"), &v))
	assert.Equal(t, "history", v.Policy)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a", primary)
	created, err := h.manager.Create(ctx, user("jdoe", "a"), provisioning.Options{})
	require.NoError(t, err)

	a.FailOn(memory.OpDelete, connector.ErrUnreachable)
	_, err = h.manager.Delete(ctx, created.Object.Key, provisioning.Options{})
	require.Error(t, err)
	_, err = h.env.Store.Get(ctx, created.Object.Key)
	require.NoError(t, err, "entity stays when the primary resource fails")

	a.FailOn(memory.OpDelete, nil)
	res, err := h.manager.Delete(ctx, created.Object.Key, provisioning.Options{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, res.Outcomes[0].Status)
	assert.Zero(t, a.Count(connector.Account))
	_, err = h.env.Store.Get(ctx, created.Object.Key)
	assert.ErrorIs(t, err, anyobject.ErrNotFound)
}

func TestLinkUnlinkDeprovisionUnassign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	created, err := h.manager.Create(ctx, user("jdoe"), provisioning.Options{})
	require.NoError(t, err)
	key := created.Object.Key

	res, err := h.manager.Link(ctx, key, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Object.Resources)
	assert.Zero(t, a.Calls(memory.OpCreate), "link does not provision")

	a.Put(connector.Account, "jdoe", map[string][]string{"givenName": {"John"}})
	res, err = h.manager.Unlink(ctx, key, "a")
	require.NoError(t, err)
	assert.Empty(t, res.Object.Resources)
	assert.Equal(t, 1, a.Count(connector.Account), "unlink leaves the account")

	_, err = h.manager.Link(ctx, key, "a")
	require.NoError(t, err)
	res, err = h.manager.Deprovision(ctx, key, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Object.Resources)
	assert.Zero(t, a.Count(connector.Account), "deprovision deletes the account")

	a.Put(connector.Account, "jdoe", nil)
	res, err = h.manager.Unassign(ctx, key, "a")
	require.NoError(t, err)
	assert.Empty(t, res.Object.Resources)
	assert.Zero(t, a.Count(connector.Account), "unassign deletes the account")
}

func TestSuspendReactivate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	created, err := h.manager.Create(ctx, user("jdoe", "a"), provisioning.Options{})
	require.NoError(t, err)

	res, err := h.manager.Suspend(ctx, created.Object.Key)
	require.NoError(t, err)
	assert.Equal(t, anyobject.StatusSuspended, res.Object.Status)
	assert.Equal(t, 1, a.Calls(memory.OpUpdate))

	res, err = h.manager.Reactivate(ctx, created.Object.Key)
	require.NoError(t, err)
	assert.Equal(t, anyobject.StatusActive, res.Object.Status)
}

func TestApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	h.manager.SetApproval(func(_ context.Context, obj *anyobject.AnyObject) bool {
		return obj.Kind == anyobject.KindUser
	})

	pending, err := h.manager.Create(ctx, user("jdoe", "a"), provisioning.Options{})
	require.NoError(t, err)
	assert.True(t, h.manager.IsPendingApproval(pending.Object))
	assert.Empty(t, pending.Outcomes)
	assert.Zero(t, a.Calls(memory.OpCreate))

	_, err = h.manager.Suspend(ctx, pending.Object.Key)
	assert.ErrorIs(t, err, provisioning.ErrPendingApproval)

	approved, err := h.manager.Approve(ctx, pending.Object.Key, true)
	require.NoError(t, err)
	assert.Equal(t, anyobject.StatusActive, approved.Object.Status)
	assert.Equal(t, 1, a.Count(connector.Account))

	_, err = h.manager.Approve(ctx, pending.Object.Key, true)
	assert.ErrorIs(t, err, provisioning.ErrNotPending)

	rejected, err := h.manager.Create(ctx, user("asmith", "a"), provisioning.Options{})
	require.NoError(t, err)
	_, err = h.manager.Approve(ctx, rejected.Object.Key, false)
	require.NoError(t, err)
	_, err = h.env.Store.Get(ctx, rejected.Object.Key)
	assert.ErrorIs(t, err, anyobject.ErrNotFound)
	assert.Equal(t, 1, a.Count(connector.Account))
}

func TestSetVirtual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a", withPhone)
	a.Put(connector.Account, "jdoe", map[string][]string{"telephone": {"555-0100"}, "badge": {"B-1"}})
	u := h.env.CreateUser(t, "jdoe", nil, "a")

	assert.Equal(t, []string{"555-0100"}, h.virtual.Resolve(ctx, u, "phone"))

	written, err := h.manager.SetVirtual(ctx, u.Key, "phone", "555-0199")
	require.NoError(t, err)
	assert.True(t, written)
	attrs, _ := a.Get(connector.Account, "jdoe")
	assert.Equal(t, []string{"555-0199"}, attrs["telephone"])
	assert.Equal(t, []string{"555-0199"}, h.virtual.Resolve(ctx, u, "phone"), "cache invalidated after the write")

	written, err = h.manager.SetVirtual(ctx, u.Key, "badge", "B-2")
	require.NoError(t, err)
	assert.False(t, written)
	attrs, _ = a.Get(connector.Account, "jdoe")
	assert.Equal(t, []string{"B-1"}, attrs["badge"])
}

func TestUpdate_VirtualOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a", withPhone)
	created, err := h.manager.Create(ctx, user("jdoe", "a"), provisioning.Options{Virtual: map[string][]string{"phone": {"555-0100"}}})
	require.NoError(t, err)
	attrs, _ := a.Get(connector.Account, "jdoe")
	assert.Equal(t, []string{"555-0100"}, attrs["telephone"])

	_, err = h.manager.Update(ctx, created.Object.Key, func(*anyobject.AnyObject) error { return nil },
		provisioning.Options{Virtual: map[string][]string{"phone": {"555-0111"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"555-0111"}, h.virtual.Resolve(ctx, created.Object, "phone"))
}
