package propagation_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/connector"
	"f0oster/idsync/connector/memory"
	"f0oster/idsync/internal/fixture"
	"f0oster/idsync/propagation"
	"f0oster/idsync/resource"
	"f0oster/idsync/task"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	env     *fixture.Env
	tasks   *task.Service
	manager *propagation.Manager
}

func newHarness(t *testing.T) *harness {
	env := fixture.New(t)
	tasks := task.NewService(zerolog.Nop(), task.NewMemoryStore(), task.Options{Workers: 2})
	t.Cleanup(tasks.Close)
	m := propagation.NewManager(env.Log, env.Store, env.Catalog, env.Connectors, env.Mapper, tasks, propagation.Options{
		Parallelism:    4,
		DefaultTimeout: time.Second,
	})
	tasks.RegisterRunner(task.TypePropagation, m)
	return &harness{env: env, tasks: tasks, manager: m}
}

func primary(r *resource.Resource) { r.PropagationPrimary = true }

func byResource(outcomes []propagation.Outcome) map[string]propagation.Outcome {
	out := make(map[string]propagation.Outcome)
	for _, o := range outcomes {
		out[o.Resource] = o
	}
	return out
}

func (h *harness) executions(t *testing.T) []*task.Execution {
	t.Helper()
	ctx := context.Background()
	tasks, err := h.tasks.Store().ListTasks(ctx)
	require.NoError(t, err)
	var out []*task.Execution
	for _, tk := range tasks {
		execs, err := h.tasks.ListExecutions(ctx, tk.Key)
		require.NoError(t, err)
		out = append(out, execs...)
	}
	return out
}

func TestPropagate_OneOutcomePerResource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d"} {
		h.env.AddResource(t, name)
	}
	role := h.env.CreateRole(t, &anyobject.AnyObject{Name: "staff", Resources: []string{"d"}})
	user := h.env.CreateUser(t, "jdoe", map[string][]string{"email": {"jdoe@example.com"}}, "a", "b", "c")
	user.Memberships = []anyobject.Membership{{RoleKey: role.Key}}

	outcomes, err := h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpUpdate})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	for _, o := range outcomes {
		assert.Equal(t, task.StatusSuccess, o.Status, o.Resource)
	}

	outcomes, err = h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpUpdate, Resources: []string{"a", "c"}})
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)

	outcomes, err = h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpUpdate, ExcludeResources: []string{"A"}})
	require.NoError(t, err)
	assert.Len(t, outcomes, 3)
	assert.NotContains(t, byResource(outcomes), "a")
}

func TestPropagate_PendingApproval(t *testing.T) {
	h := newHarness(t)
	a := h.env.AddResource(t, "a")
	user := h.env.CreateUser(t, "jdoe", nil, "a")
	user.Status = anyobject.StatusPendingApproval

	outcomes, err := h.manager.Propagate(context.Background(), propagation.Change{Object: user, Operation: propagation.OpCreate})
	require.NoError(t, err)
	assert.NotNil(t, outcomes)
	assert.Empty(t, outcomes)
	assert.Equal(t, 0, a.Calls(memory.OpCreate))
}

func TestPropagate_BestEffortTimeout(t *testing.T) {
	h := newHarness(t)
	a := h.env.AddResource(t, "A", primary)
	b := h.env.AddResource(t, "B", func(r *resource.Resource) { r.RequestTimeout = 20 * time.Millisecond })
	b.Delay(memory.OpCreate, time.Second)
	user := h.env.CreateUser(t, "jdoe", map[string][]string{"email": {"jdoe@example.com"}}, "A", "B")

	outcomes, err := h.manager.Propagate(context.Background(), propagation.Change{Object: user, Operation: propagation.OpCreate})
	require.NoError(t, err)
	got := byResource(outcomes)
	assert.Equal(t, task.StatusSuccess, got["A"].Status)
	assert.Equal(t, task.StatusFailure, got["B"].Status)
	assert.Contains(t, got["B"].Message, connector.ErrTimeout.Error())

	attrs, ok := a.Get(connector.Account, "jdoe")
	require.True(t, ok)
	assert.Equal(t, []string{"jdoe@example.com"}, attrs["mail"])
}

func TestPropagate_PrimaryFailure(t *testing.T) {
	h := newHarness(t)
	a := h.env.AddResource(t, "A", primary)
	b := h.env.AddResource(t, "B")
	a.FailOn(memory.OpCreate, fmt.Errorf("uid taken: %w", connector.ErrConstraintViolation))
	user := h.env.CreateUser(t, "jdoe", nil, "A", "B")

	outcomes, err := h.manager.Propagate(context.Background(), propagation.Change{Object: user, Operation: propagation.OpCreate})
	var pf *propagation.PropagationFailureError
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, []string{"A"}, pf.Failed)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, task.StatusSuccess, byResource(outcomes)["B"].Status, "other resources are still attempted")
	assert.Equal(t, 1, b.Calls(memory.OpCreate))
}

func TestPropagate_FetchAround(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	user := h.env.CreateUser(t, "jdoe", map[string][]string{"firstname": {"John"}}, "a")

	outcomes, err := h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpUpdate})
	require.NoError(t, err)
	assert.Equal(t, propagation.OpCreate, outcomes[0].Operation)
	assert.Equal(t, task.StatusSuccess, outcomes[0].Status)
	assert.Equal(t, "jdoe", outcomes[0].AccountID)
	assert.NotEmpty(t, outcomes[0].UID)

	user.SetAttr("firstname", "Johnny")
	outcomes, err = h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpCreate})
	require.NoError(t, err)
	assert.Equal(t, propagation.OpUpdate, outcomes[0].Operation)
	attrs, _ := a.Get(connector.Account, "jdoe")
	assert.Equal(t, []string{"Johnny"}, attrs["givenName"])

	outcomes, err = h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpDelete})
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, outcomes[0].Status)
	assert.Equal(t, 0, a.Count(connector.Account))

	outcomes, err = h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpDelete})
	require.NoError(t, err)
	assert.Equal(t, task.StatusNotAttempted, outcomes[0].Status)
}

func TestPropagate_UnsupportedOperation(t *testing.T) {
	h := newHarness(t)
	a := h.env.AddResource(t, "ro")
	a.SetCapabilities(connector.CapRead, connector.CapSearch)
	user := h.env.CreateUser(t, "jdoe", nil, "ro")

	outcomes, err := h.manager.Propagate(context.Background(), propagation.Change{Object: user, Operation: propagation.OpCreate})
	require.NoError(t, err)
	assert.Equal(t, task.StatusNotAttempted, outcomes[0].Status)
	assert.Equal(t, 0, a.Calls(memory.OpCreate))
}

func TestPropagate_MappingFailureIsPerResource(t *testing.T) {
	h := newHarness(t)
	h.env.AddResource(t, "a")
	h.env.AddResource(t, "strict", func(r *resource.Resource) {
		r.EnforceMandatory = true
		r.UserMapping.Items[1].MandatoryCondition = "true"
	})
	user := h.env.CreateUser(t, "jdoe", nil, "a", "strict", "unknown")

	outcomes, err := h.manager.Propagate(context.Background(), propagation.Change{Object: user, Operation: propagation.OpCreate})
	require.NoError(t, err)
	got := byResource(outcomes)
	assert.Equal(t, task.StatusSuccess, got["a"].Status)
	assert.Equal(t, task.StatusFailure, got["strict"].Status)
	assert.Contains(t, got["strict"].Message, "required values missing")
	assert.Equal(t, task.StatusFailure, got["unknown"].Status)
}

func TestPropagate_PasswordSanitised(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	user := h.env.CreateUser(t, "jdoe", nil, "a")

	a.FailOn(memory.OpCreate, fmt.Errorf("password S3cret!x rejected: %w", connector.ErrConstraintViolation))
	outcomes, err := h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpCreate, Password: "S3cret!x"})
	require.NoError(t, err)
	assert.NotContains(t, outcomes[0].Message, "S3cret!x")
	assert.Contains(t, outcomes[0].Message, "****")
	for _, e := range h.executions(t) {
		assert.NotContains(t, e.Message, "S3cret!x")
	}

	a.FailOn(memory.OpCreate, nil)
	_, err = h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpCreate, Password: "S3cret!x"})
	require.NoError(t, err)
	attrs, _ := a.Get(connector.Account, "jdoe")
	assert.Equal(t, []string{"S3cret!x"}, attrs["password"])
}

func TestPropagate_Registration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.env.AddResource(t, "quiet")
	h.env.AddResource(t, "chatty", func(r *resource.Resource) { r.CreateTraceLevel = resource.TraceAll })
	h.env.AddResource(t, "silent", func(r *resource.Resource) { r.CreateTraceLevel = resource.TraceNone })
	broken := h.env.AddResource(t, "broken")
	broken.FailOn(memory.OpCreate, connector.ErrUnreachable)
	user := h.env.CreateUser(t, "jdoe", nil, "quiet", "chatty", "silent", "broken")

	_, err := h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpCreate})
	require.NoError(t, err)

	tasks, err := h.tasks.Store().ListTasks(ctx)
	require.NoError(t, err)
	registered := make(map[string]task.Status)
	for _, tk := range tasks {
		execs, err := h.tasks.ListExecutions(ctx, tk.Key)
		require.NoError(t, err)
		require.Len(t, execs, 1)
		registered[tk.Propagation.Resource] = execs[0].Status
	}
	assert.Equal(t, map[string]task.Status{
		"chatty": task.StatusSuccess,
		"broken": task.StatusFailure,
	}, registered)
}

type flaky struct {
	*memory.Adapter
	failures atomic.Int32
}

func (f *flaky) Create(ctx context.Context, oc connector.ObjectClass, name string, attrs map[string][]string) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", connector.ErrUnreachable
	}
	return f.Adapter.Create(ctx, oc, name, attrs)
}

func TestPropagate_Retry(t *testing.T) {
	h := newHarness(t)
	h.env.AddResource(t, "a", func(r *resource.Resource) {
		r.PropagationPolicy = &resource.PropagationPolicy{MaxAttempts: 3, Backoff: "fixed", Interval: time.Millisecond}
	})
	h.env.AddResource(t, "b", func(r *resource.Resource) {
		r.PropagationPolicy = &resource.PropagationPolicy{MaxAttempts: 2, Backoff: "exponential", Interval: time.Millisecond}
	})
	adapters := map[string]*flaky{
		"a": {Adapter: h.env.Adapter("a")},
		"b": {Adapter: h.env.Adapter("b")},
	}
	adapters["a"].failures.Store(2)
	adapters["b"].failures.Store(2)
	h.env.Connectors.New = func(cfg connector.Config) (connector.Adapter, error) {
		return adapters[cfg.Properties["instance"]], nil
	}
	user := h.env.CreateUser(t, "jdoe", nil, "a", "b")

	outcomes, err := h.manager.Propagate(context.Background(), propagation.Change{Object: user, Operation: propagation.OpCreate})
	require.NoError(t, err)
	got := byResource(outcomes)
	assert.Equal(t, task.StatusSuccess, got["a"].Status, "third attempt succeeds")
	assert.Equal(t, task.StatusFailure, got["b"].Status, "two attempts are not enough")
}

func TestRun_Resubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.env.AddResource(t, "a")
	a.FailOn(memory.OpCreate, connector.ErrUnreachable)
	user := h.env.CreateUser(t, "jdoe", nil, "a")

	_, err := h.manager.Propagate(ctx, propagation.Change{Object: user, Operation: propagation.OpCreate})
	require.NoError(t, err)
	tasks, err := h.tasks.Store().ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	a.FailOn(memory.OpCreate, nil)
	exec, err := h.tasks.Execute(ctx, tasks[0].Key, false)
	require.NoError(t, err)
	done, err := h.tasks.Wait(ctx, exec.Key)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, done.Status)
	assert.Equal(t, 1, a.Count(connector.Account))

	execs, err := h.tasks.ListExecutions(ctx, tasks[0].Key)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "bind as x with ****", propagation.Sanitize("bind as x with hunter2", "hunter2", ""))
}
