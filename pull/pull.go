// Package pull reconciles external resources into the identity store. A run
// enumerates the records of one resource, correlates each record to the
// internal entities, and applies the task's matching or unmatching rule.
package pull

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/connector"
	"f0oster/idsync/correlation"
	"f0oster/idsync/diff"
	"f0oster/idsync/expression"
	"f0oster/idsync/filter"
	"f0oster/idsync/mapping"
	"f0oster/idsync/metrics"
	"f0oster/idsync/policy"
	"f0oster/idsync/provisioning"
	"f0oster/idsync/resource"
	"f0oster/idsync/task"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
)

// Primer refreshes the virtual attribute cache from pulled values.
type Primer interface {
	Prime(key, schema, resourceName string, values []string)
}

type Options struct {
	// MaxMessages caps the failure and detail lines kept in a report.
	MaxMessages    int
	DefaultTimeout time.Duration
}

type Engine struct {
	log         zerolog.Logger
	store       anyobject.Store
	catalog     *resource.Catalog
	connectors  *connector.Manager
	mapper      *mapping.Resolver
	correlator  *correlation.Engine
	policies    *policy.Engine
	provisioner *provisioning.Manager
	tokens      TokenStore
	virtual     Primer
	opts        Options
}

func NewEngine(log zerolog.Logger, store anyobject.Store, catalog *resource.Catalog, connectors *connector.Manager, mapper *mapping.Resolver, policies *policy.Engine, provisioner *provisioning.Manager, tokens TokenStore, opts Options) *Engine {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 10
	}
	return &Engine{
		log:         log.With().Str("component", "pull").Logger(),
		store:       store,
		catalog:     catalog,
		connectors:  connectors,
		mapper:      mapper,
		correlator:  correlation.NewEngine(store),
		policies:    policies,
		provisioner: provisioner,
		tokens:      tokens,
		opts:        opts,
	}
}

// SetVirtualCache makes matched and created entities refresh their cached
// virtual attributes from the pulled record.
func (e *Engine) SetVirtualCache(p Primer) {
	e.virtual = p
}

type run struct {
	spec    *task.SyncSpec
	res     *resource.Resource
	adapter connector.Adapter
	rule    correlation.Rule
	cr      correlation.ConflictResolution
	dryRun  bool
	report  *Report
	log     zerolog.Logger
}

// Run executes one pull of spec. Configuration problems and a resource
// that cannot be reached abort before any record is handled; failures of
// single records are counted in the report. A canceled run stops between
// records and returns the partial report with the context error.
func (e *Engine) Run(ctx context.Context, spec *task.SyncSpec, dryRun bool) (*Report, error) {
	rule, err := e.policies.ValidateSyncSpec(spec)
	if err != nil {
		return nil, err
	}
	res, ci, err := e.catalog.Binding(spec.Resource)
	if err != nil {
		return nil, &policy.ConfigurationError{Reason: "sync resource", Err: err}
	}
	adapter, err := e.connectors.Get(ctx, res.Name, res.ConnectorConfig(ci))
	if err == nil {
		_, err = connector.Call(ctx, res.Timeout(ci, e.opts.DefaultTimeout), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, adapter.Test(ctx)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("resource %s is not reachable: %w", res.Name, err)
	}

	r := &run{
		spec:    spec,
		res:     res,
		adapter: adapter,
		rule:    rule,
		cr:      e.policies.ConflictResolution(spec, res),
		dryRun:  dryRun,
		report:  newReport(res.Name, dryRun, e.opts.MaxMessages),
		log:     e.log.With().Str("resource", res.Name).Bool("dry_run", dryRun).Logger(),
	}
	r.log.Info().Bool("full", spec.FullReconciliation).Msg("pull started")

	for _, kind := range spec.KindOrder() {
		m, err := mapping.For(res, kind)
		if err != nil {
			continue
		}
		err = e.pullKind(ctx, r, kind, m)
		if ctx.Err() != nil {
			r.report.Canceled = true
			r.log.Warn().Str("summary", r.report.Summary()).Msg("pull canceled")
			return r.report, ctx.Err()
		}
		if err != nil {
			return r.report, err
		}
	}
	r.log.Info().Str("summary", r.report.Summary()).Msg("pull finished")
	return r.report, nil
}

func (e *Engine) pullKind(ctx context.Context, r *run, kind anyobject.Kind, m *resource.Mapping) error {
	oc := objectClass(m, kind)
	seen := newPresence()
	handle := func(rec connector.ExternalRecord, deleted bool) bool {
		if ctx.Err() != nil {
			return false
		}
		if !deleted {
			seen.addAccount(recordAccountID(rec, m))
		}
		e.handle(ctx, r, kind, m, rec, deleted, seen)
		return true
	}

	caps := r.adapter.Capabilities()
	if !r.spec.FullReconciliation && caps.Has(connector.CapSync) && e.tokens != nil {
		token, err := e.tokens.GetToken(ctx, r.res.Name, oc)
		if err != nil {
			return fmt.Errorf("failed to load sync token: %w", err)
		}
		last := token
		next, err := r.adapter.Sync(ctx, oc, token, func(d connector.SyncDelta) (bool, error) {
			if !handle(d.Record, d.Type.IsDelete()) {
				return false, nil
			}
			last = d.Token
			return true, nil
		})
		if err == nil && ctx.Err() == nil && next != "" {
			last = next
		}
		r.report.Tokens[string(oc)] = last
		if !r.dryRun && last != token {
			if perr := e.tokens.PutToken(context.WithoutCancel(ctx), r.res.Name, oc, last); perr != nil {
				return fmt.Errorf("failed to store sync token: %w", perr)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to sync %s from %s: %w", oc, r.res.Name, err)
		}
		return nil
	}

	if !caps.Has(connector.CapSearch) {
		return fmt.Errorf("resource %s can neither sync nor search: %w", r.res.Name, connector.ErrUnsupported)
	}
	err := r.adapter.Search(ctx, oc, filter.All(), func(rec connector.ExternalRecord) (bool, error) {
		return handle(rec, false), nil
	})
	if err != nil {
		return fmt.Errorf("failed to enumerate %s on %s: %w", oc, r.res.Name, err)
	}
	if r.spec.FullReconciliation && ctx.Err() == nil {
		return e.reconcileAbsent(ctx, r, kind, seen)
	}
	return nil
}

// presence tracks what an enumeration saw: the account ids of every record,
// whether or not it could be applied, and the entities records matched.
type presence struct {
	keys     map[string]bool
	accounts map[string]bool
}

func newPresence() *presence {
	return &presence{keys: make(map[string]bool), accounts: make(map[string]bool)}
}

func (p *presence) addAccount(id string) {
	if id != "" {
		p.accounts[strings.ToLower(norm.NFC.String(id))] = true
	}
}

func (p *presence) hasAccount(id string) bool {
	return id != "" && p.accounts[strings.ToLower(norm.NFC.String(id))]
}

// recordAccountID is the value of the account id item on rec, or its name.
func recordAccountID(rec connector.ExternalRecord, m *resource.Mapping) string {
	if item, ok := m.AccountIDItem(); ok {
		if values := rec.Get(item.ExtAttrName); len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return rec.Name
}

// reconcileAbsent treats entities linked to the resource but missing from
// the enumeration as deleted externally. An entity is present when a record
// matched it or a record carries its account id, even if applying that
// record failed.
func (e *Engine) reconcileAbsent(ctx context.Context, r *run, kind anyobject.Kind, seen *presence) error {
	linked, err := e.store.ListByResource(ctx, kind, r.res.Name)
	if err != nil {
		return fmt.Errorf("failed to list %s entities of %s: %w", strings.ToLower(string(kind)), r.res.Name, err)
	}
	for _, obj := range linked {
		if ctx.Err() != nil {
			return nil
		}
		if seen.keys[obj.Key] {
			continue
		}
		if id, err := e.mapper.AccountIDOf(obj, r.res); err == nil && seen.hasAccount(id) {
			continue
		}
		action, err := e.matchedDelete(ctx, r, obj)
		e.record(r, action, fmt.Sprintf("%s %s (absent)", strings.ToLower(string(kind)), obj.Name), err)
	}
	return nil
}

func (e *Engine) handle(ctx context.Context, r *run, kind anyobject.Kind, m *resource.Mapping, rec connector.ExternalRecord, deleted bool, seen *presence) {
	action, err := e.apply(ctx, r, kind, m, rec, deleted, seen)
	e.record(r, action, fmt.Sprintf("%s %s", strings.ToLower(string(kind)), rec.Name), err)
}

func (e *Engine) record(r *run, action Action, what string, err error) {
	status := "success"
	switch {
	case err != nil:
		action, status = ActionFailure, "failure"
		r.log.Warn().Str("record", what).Err(err).Msg("record failed")
	case r.dryRun:
		status = "dry_run"
	}
	r.log.Debug().Str("record", what).Str("action", string(action)).Msg("record handled")
	r.report.add(action, what, err)
	metrics.RecordPullRecord(r.res.Name, string(action), status)
}

func (e *Engine) apply(ctx context.Context, r *run, kind anyobject.Kind, m *resource.Mapping, rec connector.ExternalRecord, deleted bool, seen *presence) (Action, error) {
	matches, err := e.correlator.Correlate(ctx, rec, r.res, kind, m, r.rule, r.cr)
	if err != nil {
		var ambiguous *correlation.AmbiguousCorrelationError
		if errors.As(err, &ambiguous) {
			for _, key := range ambiguous.Keys {
				seen.keys[key] = true
			}
		}
		return ActionFailure, err
	}
	if correlation.Classify(matches) == correlation.Unmatched {
		if deleted {
			return ActionIgnore, nil
		}
		return e.unmatched(ctx, r, kind, m, rec, seen)
	}

	action := ActionIgnore
	for _, obj := range matches {
		seen.keys[obj.Key] = true
		if deleted {
			action, err = e.matchedDelete(ctx, r, obj)
		} else {
			action, err = e.matched(ctx, r, m, rec, obj)
		}
		if err != nil {
			return ActionFailure, err
		}
	}
	return action, nil
}

// matched applies the matching rule to an entity whose record still exists.
func (e *Engine) matched(ctx context.Context, r *run, m *resource.Mapping, rec connector.ExternalRecord, obj *anyobject.AnyObject) (Action, error) {
	source := r.res.Name
	switch r.spec.Matching() {
	case task.MatchIgnore:
		return ActionIgnore, nil
	case task.MatchLink:
		if obj.HasResource(source) {
			return ActionNoChange, nil
		}
		if r.dryRun {
			return ActionLink, nil
		}
		_, err := e.provisioner.Link(ctx, obj.Key, source)
		return ActionLink, err
	case task.MatchUnlink:
		if !obj.HasResource(source) {
			return ActionNoChange, nil
		}
		if r.dryRun {
			return ActionUnlink, nil
		}
		_, err := e.provisioner.Unlink(ctx, obj.Key, source)
		return ActionUnlink, err
	case task.MatchDeprovision:
		if r.dryRun {
			return ActionDeprovision, nil
		}
		_, err := e.provisioner.Deprovision(ctx, obj.Key, source)
		return ActionDeprovision, err
	case task.MatchUnassign:
		if r.dryRun {
			return ActionUnassign, nil
		}
		_, err := e.provisioner.Unassign(ctx, obj.Key, source)
		return ActionUnassign, err
	}

	if !r.spec.Updates() {
		return ActionIgnore, nil
	}
	in := e.mapper.Inbound(rec, m)
	tpl := r.spec.Template(obj.Kind)
	next := obj.Clone()
	if err := e.merge(ctx, next, in, tpl, rec); err != nil {
		return ActionFailure, err
	}
	if r.dryRun {
		if unchanged(obj, next) {
			return ActionNoChange, nil
		}
		return ActionUpdate, nil
	}
	e.prime(obj.Key, r, in)
	if unchanged(obj, next) {
		return ActionNoChange, nil
	}
	_, err := e.provisioner.Update(ctx, obj.Key, func(cur *anyobject.AnyObject) error {
		return e.merge(ctx, cur, in, tpl, rec)
	}, provisioning.Options{ExcludeResources: []string{source}})
	return ActionUpdate, err
}

// matchedDelete applies the matching rule to an entity whose record is gone.
func (e *Engine) matchedDelete(ctx context.Context, r *run, obj *anyobject.AnyObject) (Action, error) {
	source := r.res.Name
	switch r.spec.Matching() {
	case task.MatchUpdate, task.MatchDeprovision:
		if !r.spec.Deletes() {
			return ActionIgnore, nil
		}
		if r.dryRun {
			return ActionDelete, nil
		}
		_, err := e.provisioner.Delete(ctx, obj.Key, provisioning.Options{ExcludeResources: []string{source}})
		return ActionDelete, err
	case task.MatchUnassign, task.MatchUnlink:
		if !obj.HasResource(source) {
			return ActionNoChange, nil
		}
		if r.dryRun {
			return ActionUnlink, nil
		}
		_, err := e.provisioner.Unlink(ctx, obj.Key, source)
		return ActionUnlink, err
	}
	return ActionIgnore, nil
}

// unmatched applies the unmatching rule to a record with no internal
// entity. PROVISION links the new entity to the source without writing to
// it; ASSIGN propagates to the source as well.
func (e *Engine) unmatched(ctx context.Context, r *run, kind anyobject.Kind, m *resource.Mapping, rec connector.ExternalRecord, seen *presence) (Action, error) {
	rule := r.spec.Unmatching()
	if rule == task.UnmatchIgnore || rule == task.UnmatchUnlink || !r.spec.Creates() {
		return ActionIgnore, nil
	}
	in := e.mapper.Inbound(rec, m)
	obj := &anyobject.AnyObject{Kind: kind}
	if err := e.merge(ctx, obj, in, r.spec.Template(kind), rec); err != nil {
		return ActionFailure, err
	}
	if obj.Name == "" {
		return ActionFailure, fmt.Errorf("record has no account identifier")
	}
	obj.AddResource(r.res.Name)
	if r.dryRun {
		return ActionCreate, nil
	}

	opts := provisioning.Options{Password: in.Password, Virtual: in.Virtual}
	if rule == task.UnmatchProvision {
		opts.ExcludeResources = []string{r.res.Name}
	}
	created, err := e.provisioner.Create(ctx, obj, opts)
	if err != nil {
		return ActionFailure, err
	}
	seen.keys[created.Object.Key] = true
	e.prime(created.Object.Key, r, in)
	return ActionCreate, nil
}

// merge lays the mapped record and then the template over obj. Template
// values only fill absent attributes unless marked override; expressions
// over fields the record lacks leave the attribute alone.
func (e *Engine) merge(ctx context.Context, obj *anyobject.AnyObject, in *mapping.Inbound, tpl *task.Template, rec connector.ExternalRecord) error {
	if in.Name != "" {
		obj.Name = in.Name
	}
	for name, values := range in.Attrs {
		obj.SetAttr(name, values...)
	}
	if tpl == nil {
		return nil
	}
	for name, attr := range tpl.Attrs {
		v, err := expression.Eval(attr.Expression, rec)
		if err != nil {
			return fmt.Errorf("template attribute %s: %w", name, err)
		}
		if v.IsEmpty() {
			continue
		}
		if attr.Override || len(obj.PlainAttrs[name]) == 0 {
			obj.SetAttr(name, v...)
		}
	}
	if obj.Kind == anyobject.KindUser {
		for _, ref := range tpl.Roles {
			role, err := e.role(ctx, ref)
			if err != nil {
				return err
			}
			if !obj.HasMembership(role.Key) {
				obj.Memberships = append(obj.Memberships, anyobject.Membership{RoleKey: role.Key})
			}
		}
	}
	for _, name := range tpl.Resources {
		obj.AddResource(name)
	}
	return nil
}

// role resolves a template role reference by key, then by name.
func (e *Engine) role(ctx context.Context, ref string) (*anyobject.AnyObject, error) {
	if role, err := e.store.Get(ctx, ref); err == nil && role.Kind == anyobject.KindRole {
		return role, nil
	}
	role, err := e.store.GetByName(ctx, anyobject.KindRole, ref)
	if err != nil {
		return nil, fmt.Errorf("template role %s: %w", ref, err)
	}
	return role, nil
}

func (e *Engine) prime(key string, r *run, in *mapping.Inbound) {
	if e.virtual == nil || r.dryRun {
		return
	}
	for schema, values := range in.Virtual {
		e.virtual.Prime(key, schema, r.res.Name, values)
	}
}

func unchanged(a, b *anyobject.AnyObject) bool {
	return a.Name == b.Name &&
		len(diff.FindChanges(a.PlainAttrs, b.PlainAttrs)) == 0 &&
		slices.Equal(a.Resources, b.Resources) &&
		slices.Equal(a.RoleKeys(), b.RoleKeys())
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

// Runner runs SYNC tasks. The execution message follows the resource's
// sync trace level; a run with failed records ends as FAILURE.
func (e *Engine) Runner() task.Runner {
	return task.RunnerFunc(func(ctx context.Context, t *task.Task, dryRun bool) (task.Result, error) {
		if t.Sync == nil {
			return task.Result{}, fmt.Errorf("task %s has no sync spec", t.Key)
		}
		report, err := e.Run(ctx, t.Sync, dryRun)
		if report == nil {
			return task.Result{}, err
		}
		level := resource.TraceFailures
		if res, rerr := e.catalog.Resource(t.Sync.Resource); rerr == nil {
			level = res.TraceLevel("SYNC")
		}
		result := task.Result{Status: task.StatusSuccess, Message: report.Message(level)}
		if report.Failed() > 0 {
			result.Status = task.StatusFailure
		}
		return result, err
	})
}
