package app

import (
	"context"
	"testing"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/config"
	"f0oster/idsync/connector"
	"f0oster/idsync/connector/memory"
	"f0oster/idsync/task"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T) *App {
	t.Helper()
	cat, err := config.LoadCatalog("testdata/catalog.yaml")
	require.NoError(t, err)
	a, err := New(context.Background(), zerolog.Nop(), config.DefaultSettings(), cat)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestApp_SyncProvisionsAndPropagates(t *testing.T) {
	ctx := context.Background()
	a := newApp(t)
	hr := memory.Instance("app-test-hr")
	dir := memory.Instance("app-test-dir")
	hr.Put(connector.Account, "jdoe", map[string][]string{"uid": {"jdoe"}, "mail": {"jdoe@example.com"}, "dept": {"eng"}})

	exec, err := a.Tasks.Execute(ctx, "hr-sync", false)
	require.NoError(t, err)
	done, err := a.Tasks.Wait(ctx, exec.Key)
	require.NoError(t, err)
	require.Equal(t, task.StatusSuccess, done.Status, done.Message)
	assert.Contains(t, done.Message, "CREATE=1")

	u, err := a.Store.GetByName(ctx, anyobject.KindUser, "jdoe")
	require.NoError(t, err)
	assert.Equal(t, []string{"ENG"}, u.PlainAttrs["department"])
	assert.True(t, u.HasMembership("staff"))

	rec, ok := dir.Get(connector.Account, "jdoe")
	require.True(t, ok, "propagated through the staff role")
	assert.Equal(t, []string{"ENG"}, rec["department"])
	assert.Zero(t, hr.Calls(memory.OpCreate), "never written back to the source")
}

func TestApp_Jobs(t *testing.T) {
	ctx := context.Background()
	a := newApp(t)
	assert.ElementsMatch(t, []string{"flush-virtual-cache", "sync-all"}, a.Jobs.Names())

	exec, err := a.Tasks.Execute(ctx, "nightly", false)
	require.NoError(t, err)
	done, err := a.Tasks.Wait(ctx, exec.Key)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, done.Status)
	assert.Equal(t, "submitted 1", done.Message)

	execs, err := a.Tasks.ListExecutions(ctx, "hr-sync")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	_, err = a.Tasks.Wait(ctx, execs[0].Key)
	require.NoError(t, err)
}
