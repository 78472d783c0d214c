// Package provisioning mutates the identity store and drives propagation of
// each mutation to the external resources. Policies are enforced before any
// resource is contacted, and a failure on a primary resource rolls the
// internal mutation back.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/policy"
	"f0oster/idsync/propagation"

	"github.com/rs/zerolog"
)

var (
	ErrNotPending      = errors.New("entity is not pending approval")
	ErrPendingApproval = errors.New("entity is pending approval")
)

// Propagator fans a change out to resources.
type Propagator interface {
	Propagate(ctx context.Context, ch propagation.Change) ([]propagation.Outcome, error)
}

// VirtualStore writes virtual attributes to their owning resource and keeps
// the cache coherent with internal changes.
type VirtualStore interface {
	Update(ctx context.Context, obj *anyobject.AnyObject, schema string, values []string) (bool, error)
	Invalidate(key, schema string)
	InvalidateKey(key string)
}

// ApprovalFunc decides whether a new entity has to be approved before it is
// propagated.
type ApprovalFunc func(ctx context.Context, obj *anyobject.AnyObject) bool

// Options shape a single mutation.
type Options struct {
	// Password is the new cleartext password, if one is being set.
	Password string
	// Virtual carries virtual attribute values to send along with the change.
	Virtual map[string][]string
	// ExcludeResources are never propagated to, typically the resource a
	// pulled change came from.
	ExcludeResources []string
	// NoPropagation stores the change without contacting any resource.
	NoPropagation bool
}

// Result is the stored entity plus the propagation outcome per resource.
type Result struct {
	Object   *anyobject.AnyObject
	Outcomes []propagation.Outcome
}

type Manager struct {
	log        zerolog.Logger
	store      anyobject.Store
	policies   *policy.Engine
	propagator Propagator
	virtual    VirtualStore
	approval   ApprovalFunc
}

func NewManager(log zerolog.Logger, store anyobject.Store, policies *policy.Engine, propagator Propagator, virtual VirtualStore) *Manager {
	return &Manager{
		log:        log.With().Str("component", "provisioning").Logger(),
		store:      store,
		policies:   policies,
		propagator: propagator,
		virtual:    virtual,
	}
}

// SetApproval installs the hook consulted on every create. Without one
// entities never wait for approval.
func (m *Manager) SetApproval(fn ApprovalFunc) {
	m.approval = fn
}

func (m *Manager) IsPendingApproval(obj *anyobject.AnyObject) bool {
	return obj != nil && obj.Status == anyobject.StatusPendingApproval
}

// Create stores obj and propagates it to its effective resources. If a
// primary resource fails the entity is removed again and the
// *propagation.PropagationFailureError is returned with the outcomes.
func (m *Manager) Create(ctx context.Context, obj *anyobject.AnyObject, opts Options) (*Result, error) {
	next := obj.Clone()
	if m.approval != nil && m.approval(ctx, next) {
		next.Status = anyobject.StatusPendingApproval
	} else if next.Status == "" || next.Status == anyobject.StatusCreated {
		next.Status = anyobject.StatusActive
	}
	if err := m.enforce(ctx, nil, next, opts.Password); err != nil {
		return nil, err
	}

	stored, err := m.store.Create(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s %s: %w", next.Kind, next.Name, err)
	}
	log := m.log.With().Str("key", stored.Key).Str("kind", string(stored.Kind)).Logger()
	log.Info().Str("name", stored.Name).Str("status", string(stored.Status)).Msg("entity created")

	if opts.NoPropagation {
		return &Result{Object: stored}, nil
	}
	outcomes, err := m.propagator.Propagate(ctx, propagation.Change{
		Object:           stored,
		Operation:        propagation.OpCreate,
		ExcludeResources: opts.ExcludeResources,
		Password:         opts.Password,
		VirtualOverrides: opts.Virtual,
	})
	m.invalidate(stored.Key, opts.Virtual)
	if err != nil {
		if rerr := m.store.Delete(context.WithoutCancel(ctx), stored.Key); rerr != nil {
			log.Error().Err(rerr).Msg("failed to roll back create")
			return &Result{Object: stored, Outcomes: outcomes}, errors.Join(err, rerr)
		}
		log.Warn().Err(err).Msg("create rolled back")
		return &Result{Outcomes: outcomes}, err
	}
	return &Result{Object: stored, Outcomes: outcomes}, nil
}

// Update applies mutate to a private copy of the entity and stores it. Runs
// for one entity are serialised; a concurrent writer outside the manager
// surfaces as anyobject.ErrConflict. Assignments the mutation removes are
// deprovisioned. A primary failure restores the previous state.
func (m *Manager) Update(ctx context.Context, key string, mutate func(*anyobject.AnyObject) error, opts Options) (*Result, error) {
	unlock := m.store.Lock(key)
	defer unlock()

	current, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Key, next.Kind, next.Version = current.Key, current.Kind, current.Version
	if err := m.enforce(ctx, current, next, opts.Password); err != nil {
		return nil, err
	}

	before, err := anyobject.EffectiveResources(ctx, m.store, current)
	if err != nil {
		return nil, err
	}
	stored, err := m.store.Update(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", key, err)
	}
	if opts.NoPropagation || m.IsPendingApproval(stored) {
		m.invalidate(key, opts.Virtual)
		return &Result{Object: stored}, nil
	}

	after, err := anyobject.EffectiveResources(ctx, m.store, stored)
	if err != nil {
		return nil, err
	}
	removed := subtract(before, append(after, opts.ExcludeResources...))

	var outcomes []propagation.Outcome
	var errs []error
	if len(removed) > 0 {
		// the account ids still derive from the previous state
		out, err := m.propagator.Propagate(ctx, propagation.Change{Object: current, Operation: propagation.OpDelete, Resources: removed})
		outcomes = append(outcomes, out...)
		errs = append(errs, err)
	}
	out, err := m.propagator.Propagate(ctx, propagation.Change{
		Object:           stored,
		Operation:        propagation.OpUpdate,
		ExcludeResources: opts.ExcludeResources,
		Password:         opts.Password,
		VirtualOverrides: opts.Virtual,
	})
	outcomes = append(outcomes, out...)
	errs = append(errs, err)
	m.invalidate(key, opts.Virtual)

	if err := errors.Join(errs...); err != nil {
		restore := current.Clone()
		restore.Version = stored.Version
		if _, rerr := m.store.Update(context.WithoutCancel(ctx), restore); rerr != nil {
			m.log.Error().Err(rerr).Str("key", key).Msg("failed to roll back update")
			return &Result{Object: stored, Outcomes: outcomes}, errors.Join(err, rerr)
		}
		m.log.Warn().Err(err).Str("key", key).Msg("update rolled back")
		return &Result{Object: current, Outcomes: outcomes}, err
	}
	return &Result{Object: stored, Outcomes: outcomes}, nil
}

// Delete deprovisions the entity from its resources and removes it. The
// entity stays when a primary resource fails.
func (m *Manager) Delete(ctx context.Context, key string, opts Options) (*Result, error) {
	unlock := m.store.Lock(key)
	defer unlock()

	current, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var outcomes []propagation.Outcome
	if !opts.NoPropagation {
		outcomes, err = m.propagator.Propagate(ctx, propagation.Change{
			Object:           current,
			Operation:        propagation.OpDelete,
			ExcludeResources: opts.ExcludeResources,
		})
		if err != nil {
			return &Result{Object: current, Outcomes: outcomes}, err
		}
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return &Result{Object: current, Outcomes: outcomes}, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if m.virtual != nil {
		m.virtual.InvalidateKey(key)
	}
	m.log.Info().Str("key", key).Str("name", current.Name).Msg("entity deleted")
	return &Result{Outcomes: outcomes}, nil
}

// Link assigns the resource without touching it.
func (m *Manager) Link(ctx context.Context, key, resource string) (*Result, error) {
	return m.Update(ctx, key, func(obj *anyobject.AnyObject) error {
		obj.AddResource(resource)
		return nil
	}, Options{NoPropagation: true})
}

// Unlink drops the assignment and leaves the external account in place.
func (m *Manager) Unlink(ctx context.Context, key, resource string) (*Result, error) {
	return m.Update(ctx, key, func(obj *anyobject.AnyObject) error {
		obj.RemoveResource(resource)
		return nil
	}, Options{NoPropagation: true})
}

// Deprovision deletes the external accounts on resources and keeps the
// assignments.
func (m *Manager) Deprovision(ctx context.Context, key string, resources ...string) (*Result, error) {
	unlock := m.store.Lock(key)
	defer unlock()

	current, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	outcomes, err := m.propagator.Propagate(ctx, propagation.Change{Object: current, Operation: propagation.OpDelete, Resources: resources})
	return &Result{Object: current, Outcomes: outcomes}, err
}

// Unassign deletes the external accounts and then drops the assignments.
func (m *Manager) Unassign(ctx context.Context, key string, resources ...string) (*Result, error) {
	deprovisioned, err := m.Deprovision(ctx, key, resources...)
	if err != nil {
		return deprovisioned, err
	}
	res, err := m.Update(ctx, key, func(obj *anyobject.AnyObject) error {
		for _, r := range resources {
			obj.RemoveResource(r)
		}
		return nil
	}, Options{NoPropagation: true})
	if res != nil {
		res.Outcomes = deprovisioned.Outcomes
	}
	return res, err
}

func (m *Manager) Suspend(ctx context.Context, key string) (*Result, error) {
	return m.setStatus(ctx, key, anyobject.StatusSuspended)
}

func (m *Manager) Reactivate(ctx context.Context, key string) (*Result, error) {
	return m.setStatus(ctx, key, anyobject.StatusActive)
}

func (m *Manager) setStatus(ctx context.Context, key string, status anyobject.Status) (*Result, error) {
	return m.Update(ctx, key, func(obj *anyobject.AnyObject) error {
		if m.IsPendingApproval(obj) {
			return fmt.Errorf("%s: %w", key, ErrPendingApproval)
		}
		obj.Status = status
		return nil
	}, Options{})
}

// Approve resolves a pending approval. An approved entity becomes active and
// is propagated; a rejected one is removed without contacting any resource.
func (m *Manager) Approve(ctx context.Context, key string, approved bool) (*Result, error) {
	unlock := m.store.Lock(key)
	defer unlock()

	current, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !m.IsPendingApproval(current) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotPending)
	}
	if !approved {
		if err := m.store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to delete rejected %s: %w", key, err)
		}
		m.log.Info().Str("key", key).Msg("approval rejected")
		return &Result{}, nil
	}

	next := current.Clone()
	next.Status = anyobject.StatusActive
	stored, err := m.store.Update(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("failed to approve %s: %w", key, err)
	}
	m.log.Info().Str("key", key).Msg("approval granted")
	outcomes, err := m.propagator.Propagate(ctx, propagation.Change{Object: stored, Operation: propagation.OpCreate})
	if err != nil {
		restore := current.Clone()
		restore.Version = stored.Version
		if _, rerr := m.store.Update(context.WithoutCancel(ctx), restore); rerr != nil {
			return &Result{Object: stored, Outcomes: outcomes}, errors.Join(err, rerr)
		}
		return &Result{Object: current, Outcomes: outcomes}, err
	}
	return &Result{Object: stored, Outcomes: outcomes}, nil
}

// SetVirtual writes a virtual attribute through to its owning resource.
// It reports false when the schema is read-only and the write was ignored.
func (m *Manager) SetVirtual(ctx context.Context, key, schema string, values ...string) (bool, error) {
	if m.virtual == nil {
		return false, fmt.Errorf("no virtual attribute store configured")
	}
	obj, err := m.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return m.virtual.Update(ctx, obj, schema, values)
}

// enforce runs the account and password policies for a create (prev nil)
// or an update, and stores the new password hash on next.
func (m *Manager) enforce(ctx context.Context, prev, next *anyobject.AnyObject, password string) error {
	if m.policies == nil || next.Kind != anyobject.KindUser {
		return nil
	}
	resources, err := anyobject.EffectiveResources(ctx, m.store, next)
	if err != nil {
		return err
	}
	if prev == nil || prev.Name != next.Name {
		if err := m.policies.CheckAccount(ctx, next, next.Name, resources); err != nil {
			return err
		}
	}
	if password == "" {
		return nil
	}
	if err := m.policies.CheckPassword(ctx, next, password, resources); err != nil {
		return err
	}
	return m.policies.SetPassword(ctx, next, password, resources)
}

func (m *Manager) invalidate(key string, virtual map[string][]string) {
	if m.virtual == nil {
		return
	}
	for schema := range virtual {
		m.virtual.Invalidate(key, schema)
	}
}

// subtract returns the names in a missing from b, case-insensitively.
func subtract(a, b []string) []string {
	var out []string
	for _, n := range a {
		if !slices.ContainsFunc(b, func(o string) bool { return strings.EqualFold(o, n) }) {
			out = append(out, n)
		}
	}
	return out
}
