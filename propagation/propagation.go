// Package propagation pushes internal entity changes out to the resources
// the entity is assigned to.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/connector"
	"f0oster/idsync/mapping"
	"f0oster/idsync/metrics"
	"f0oster/idsync/resource"
	"f0oster/idsync/task"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Change is one entity change to propagate.
type Change struct {
	Object    *anyobject.AnyObject
	Operation Operation
	// Resources are the targets. Nil means the entity's direct and
	// role-inherited resources.
	Resources        []string
	ExcludeResources []string
	// Password is cleartext for this call only. It is never stored.
	Password         string
	VirtualOverrides map[string][]string
	// AccountIDs pins the account id per resource, for deletes of accounts
	// the entity no longer resolves.
	AccountIDs map[string]string
}

// Outcome is the result for one resource. Operation is what was issued,
// which differs from the requested one when the account's existence on the
// resource said otherwise.
type Outcome struct {
	Resource  string
	Operation Operation
	Status    task.Status
	AccountID string
	UID       string
	Message   string
	Primary   bool
	Duration  time.Duration
}

// PropagationFailureError is returned when a primary resource failed. All
// resources were still attempted; Outcomes holds every result.
type PropagationFailureError struct {
	Failed   []string
	Outcomes []Outcome
}

func (e *PropagationFailureError) Error() string {
	return "propagation failed on primary resources: " + strings.Join(e.Failed, ", ")
}

// Recorder persists propagation executions.
type Recorder interface {
	Record(ctx context.Context, t *task.Task, e *task.Execution) error
}

type Options struct {
	// Parallelism bounds concurrent resource calls per change.
	Parallelism    int
	DefaultTimeout time.Duration
}

type Manager struct {
	log        zerolog.Logger
	store      anyobject.Store
	catalog    *resource.Catalog
	connectors *connector.Manager
	mapper     *mapping.Resolver
	recorder   Recorder
	opts       Options
	now        func() time.Time
}

// NewManager builds a propagation manager. recorder may be nil, in which
// case nothing is registered.
func NewManager(log zerolog.Logger, store anyobject.Store, catalog *resource.Catalog, connectors *connector.Manager, mapper *mapping.Resolver, recorder Recorder, opts Options) *Manager {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	return &Manager{
		log:        log.With().Str("component", "propagation").Logger(),
		store:      store,
		catalog:    catalog,
		connectors: connectors,
		mapper:     mapper,
		recorder:   recorder,
		opts:       opts,
		now:        time.Now,
	}
}

// Propagate applies ch to every target resource independently and returns
// one outcome per resource, in target order. Entities pending approval are
// not propagated. A failure on a primary resource is reported as a
// *PropagationFailureError once all resources were attempted.
func (m *Manager) Propagate(ctx context.Context, ch Change) ([]Outcome, error) {
	if ch.Object == nil {
		return nil, fmt.Errorf("propagation needs an object")
	}
	if ch.Object.Status == anyobject.StatusPendingApproval {
		m.log.Debug().Str("key", ch.Object.Key).Msg("pending approval, propagation deferred")
		return []Outcome{}, nil
	}
	targets, err := m.targets(ctx, ch)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)
	for i, name := range targets {
		i, name := i, name
		g.Go(func() error {
			outcomes[i] = m.propagateOne(gctx, ch, name)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, o := range outcomes {
		metrics.RecordPropagation(o.Resource, string(o.Operation), string(o.Status), o.Duration)
		m.register(ctx, ch, o)
		if o.Status == task.StatusFailure && o.Primary {
			failed = append(failed, o.Resource)
		}
	}
	if len(failed) > 0 {
		return outcomes, &PropagationFailureError{Failed: failed, Outcomes: outcomes}
	}
	return outcomes, nil
}

func (m *Manager) targets(ctx context.Context, ch Change) ([]string, error) {
	names := ch.Resources
	if names == nil {
		var err error
		names, err = anyobject.EffectiveResources(ctx, m.store, ch.Object)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve resources of %s: %w", ch.Object.Key, err)
		}
	}
	seen := make(map[string]bool)
	for _, ex := range ch.ExcludeResources {
		seen[strings.ToLower(ex)] = true
	}
	var out []string
	for _, n := range names {
		if k := strings.ToLower(n); !seen[k] {
			seen[k] = true
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Manager) propagateOne(ctx context.Context, ch Change, name string) Outcome {
	start := m.now()
	out := Outcome{Resource: name, Operation: ch.Operation}
	secrets := []string{ch.Password}

	fail := func(err error) Outcome {
		out.Status = task.StatusFailure
		out.Message = Sanitize(err.Error(), secrets...)
		out.Duration = m.now().Sub(start)
		return out
	}

	res, ci, err := m.catalog.Binding(name)
	if err != nil {
		return fail(err)
	}
	out.Resource = res.Name
	out.Primary = res.PropagationPrimary
	log := m.log.With().Str("resource", res.Name).Str("key", ch.Object.Key).Logger()

	var attrs map[string][]string
	var oc connector.ObjectClass
	if ch.Operation == OpDelete {
		mp, err := mapping.For(res, ch.Object.Kind)
		if err != nil {
			return fail(err)
		}
		oc = objectClass(mp, ch.Object.Kind)
		if id, ok := ch.AccountIDs[res.Name]; ok && id != "" {
			out.AccountID = id
		} else if out.AccountID, err = m.mapper.AccountIDOf(ch.Object, res); err != nil {
			return fail(err)
		}
	} else {
		ob, err := m.mapper.Outbound(ctx, ch.Object, res, mapping.OutboundOptions{
			Password:         ch.Password,
			VirtualOverrides: ch.VirtualOverrides,
		})
		if err != nil {
			return fail(err)
		}
		oc, attrs, out.AccountID = ob.ObjectClass, ob.Attributes, ob.AccountID
		if id, ok := ch.AccountIDs[res.Name]; ok && id != "" {
			out.AccountID = id
		}
		secrets = append(secrets, ob.Secrets()...)
	}

	adapter, err := m.connectors.Get(ctx, res.Name, res.ConnectorConfig(ci))
	if err != nil {
		return fail(err)
	}
	timeout := res.Timeout(ci, m.opts.DefaultTimeout)
	caps := adapter.Capabilities()

	// read before write, so the issued operation matches what the
	// resource holds
	if caps.Has(connector.CapRead) {
		_, err := connector.Call(ctx, timeout, func(ctx context.Context) (*connector.ExternalRecord, error) {
			return adapter.Read(ctx, oc, out.AccountID)
		})
		exists := err == nil
		if err != nil && !errors.Is(err, connector.ErrNotFound) {
			return fail(fmt.Errorf("failed to read %s before %s: %w", out.AccountID, ch.Operation, err))
		}
		switch {
		case ch.Operation == OpCreate && exists:
			out.Operation = OpUpdate
		case ch.Operation == OpUpdate && !exists:
			out.Operation = OpCreate
		case ch.Operation == OpDelete && !exists:
			out.Status = task.StatusNotAttempted
			out.Message = "account " + out.AccountID + " does not exist"
			out.Duration = m.now().Sub(start)
			return out
		}
	}

	if need := capabilityFor(out.Operation); !caps.Has(need) {
		out.Status = task.StatusNotAttempted
		out.Message = fmt.Sprintf("connector does not support %s", need)
		out.Duration = m.now().Sub(start)
		return out
	}

	op := func() error {
		uid, err := connector.Call(ctx, timeout, func(ctx context.Context) (string, error) {
			switch out.Operation {
			case OpCreate:
				return adapter.Create(ctx, oc, out.AccountID, attrs)
			case OpUpdate:
				return adapter.Update(ctx, oc, out.AccountID, attrs)
			default:
				return "", adapter.Delete(ctx, oc, out.AccountID)
			}
		})
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out.UID = uid
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn().Str("error", Sanitize(err.Error(), secrets...)).Dur("retry_in", next).Msg("propagation attempt failed")
	}
	if err := backoff.RetryNotify(op, retryPolicy(ctx, res.PropagationPolicy), notify); err != nil {
		log.Warn().Str("operation", string(out.Operation)).Str("error", Sanitize(err.Error(), secrets...)).Msg("propagation failed")
		return fail(err)
	}

	out.Status = task.StatusSuccess
	out.Duration = m.now().Sub(start)
	log.Debug().Str("operation", string(out.Operation)).Str("account", out.AccountID).Msg("propagated")
	return out
}

func capabilityFor(op Operation) connector.Capability {
	switch op {
	case OpCreate:
		return connector.CapCreate
	case OpUpdate:
		return connector.CapUpdate
	}
	return connector.CapDelete
}

func retryable(err error) bool {
	return errors.Is(err, connector.ErrUnreachable) || errors.Is(err, connector.ErrTimeout)
}

// retryPolicy turns the resource's propagation policy into a backoff. No
// policy means a single attempt.
func retryPolicy(ctx context.Context, p *resource.PropagationPolicy) backoff.BackOff {
	if p == nil || p.MaxAttempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	var b backoff.BackOff
	if p.Backoff == "exponential" {
		opts := []backoff.ExponentialBackOffOpts{backoff.WithMaxElapsedTime(0)}
		if p.Interval > 0 {
			opts = append(opts, backoff.WithInitialInterval(p.Interval))
		}
		if p.MaxInterval > 0 {
			opts = append(opts, backoff.WithMaxInterval(p.MaxInterval))
		}
		b = backoff.NewExponentialBackOff(opts...)
	} else {
		b = backoff.NewConstantBackOff(p.Interval)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
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

// register persists the outcome according to the resource's trace level:
// failures unless the level is NONE, everything else only at ALL.
func (m *Manager) register(ctx context.Context, ch Change, o Outcome) {
	if m.recorder == nil {
		return
	}
	level := resource.TraceFailures
	if res, err := m.catalog.Resource(o.Resource); err == nil {
		level = res.TraceLevel(string(ch.Operation))
	}
	if o.Status == task.StatusFailure && !level.RegisterFailure() {
		return
	}
	if o.Status != task.StatusFailure && !level.RegisterSuccess() {
		return
	}
	end := m.now()
	t := &task.Task{
		Type: task.TypePropagation,
		Name: fmt.Sprintf("%s %s %s on %s", o.Operation, strings.ToLower(string(ch.Object.Kind)), ch.Object.Name, o.Resource),
		Propagation: &task.PropagationSpec{
			Resource:  o.Resource,
			Operation: string(o.Operation),
			AnyKey:    ch.Object.Key,
			AnyKind:   ch.Object.Kind,
			AccountID: o.AccountID,
		},
	}
	e := &task.Execution{
		Status:  o.Status,
		Message: o.Message,
		Start:   end.Add(-o.Duration),
		End:     end,
	}
	if err := m.recorder.Record(ctx, t, e); err != nil {
		m.log.Error().Err(err).Str("resource", o.Resource).Msg("failed to register propagation execution")
	}
}

// Sanitize masks every non-empty secret in msg.
func Sanitize(msg string, secrets ...string) string {
	for _, s := range secrets {
		if s != "" {
			msg = strings.ReplaceAll(msg, s, "****")
		}
	}
	return msg
}
