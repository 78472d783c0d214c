package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/correlation"
	"f0oster/idsync/internal/fixture"
	"f0oster/idsync/policy"
	"f0oster/idsync/propagation"
	"f0oster/idsync/provisioning"
	"f0oster/idsync/task"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	env     *fixture.Env
	tasks   *task.Service
	manager *provisioning.Manager
	srv     *httptest.Server
	release chan struct{}
}

func newHarness(t *testing.T) *harness {
	env := fixture.New(t)
	tasks := task.NewService(zerolog.Nop(), task.NewMemoryStore(), task.Options{Workers: 2})
	t.Cleanup(tasks.Close)

	h := &harness{env: env, tasks: tasks, release: make(chan struct{})}
	tasks.RegisterRunner(task.TypeSync, task.RunnerFunc(func(ctx context.Context, tk *task.Task, dryRun bool) (task.Result, error) {
		select {
		case <-h.release:
		case <-ctx.Done():
			return task.Result{}, ctx.Err()
		}
		msg := "CREATE=1"
		if dryRun {
			msg = "dry run: " + msg
		}
		return task.Result{Status: task.StatusSuccess, Message: msg}, nil
	}))

	policies := policy.NewEngine(env.Store, env.Catalog, correlation.NewRules())
	prop := propagation.NewManager(env.Log, env.Store, env.Catalog, env.Connectors, env.Mapper, tasks, propagation.Options{DefaultTimeout: time.Second})
	h.manager = provisioning.NewManager(env.Log, env.Store, policies, prop, nil)
	h.srv = httptest.NewServer(NewServer(zerolog.Nop(), ":0", tasks, h.manager).Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func syncTask(key string) *task.Task {
	return &task.Task{Key: key, Type: task.TypeSync, Name: key, Sync: &task.SyncSpec{Resource: "hr"}}
}

func TestTasks_CRUD(t *testing.T) {
	h := newHarness(t)

	var saved task.Task
	assert.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/tasks", syncTask("hr-sync"), &saved))
	assert.Equal(t, "hr-sync", saved.Key)
	assert.False(t, saved.Created.IsZero())

	var errBody map[string]string
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/tasks", &task.Task{Key: "bad", Type: task.TypeSync}, &errBody))
	assert.Contains(t, errBody["error"], "invalid task")

	assert.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/tasks",
		&task.Task{Key: "notify", Type: task.TypeNotification, Notification: &task.NotificationSpec{Event: "create"}}, nil))

	var list []task.Task
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/tasks?type=SYNC", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "hr-sync", list[0].Key)

	var got task.Task
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/tasks/hr-sync", nil, &got))
	assert.Equal(t, "hr", got.Resource())

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/tasks/hr-sync", nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/tasks/hr-sync", nil, nil))
}

func TestExecute_CancelAndReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.tasks.Save(ctx, syncTask("hr-sync")))

	var first ExecuteResponse
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/tasks/hr-sync/execute?dryRun=true", nil, &first))
	assert.Equal(t, task.StatusSubmitted, first.Execution.Status)
	assert.True(t, first.Execution.DryRun)

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodDelete, "/api/tasks/hr-sync", nil, nil), "in flight")
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodDelete, "/api/executions/"+first.Execution.Key, nil, nil), "not terminal")

	close(h.release)
	done, err := h.tasks.Wait(ctx, first.Execution.Key)
	require.NoError(t, err)
	assert.Equal(t, "dry run: CREATE=1", done.Message)

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/executions/"+first.Execution.Key+"/cancel", nil, nil))

	var reported task.Execution
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/executions/"+first.Execution.Key+"/report",
		ReportRequest{Status: "ACKNOWLEDGED", Message: "reviewed"}, &reported))
	assert.Equal(t, "ACKNOWLEDGED", reported.ExternalStatus)
	assert.Contains(t, reported.Message, "reviewed")
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/executions/"+first.Execution.Key+"/report", ReportRequest{}, nil))

	var execs []task.Execution
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/tasks/hr-sync/executions", nil, &execs))
	assert.Len(t, execs, 1)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/executions/"+first.Execution.Key, nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/executions/"+first.Execution.Key, nil, nil))

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/tasks/hr-sync/execute?dryRun=maybe", nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/tasks/missing/execute", nil, nil))
}

func TestExecute_Cancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.tasks.Save(ctx, syncTask("hr-sync")))

	var resp ExecuteResponse
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/tasks/hr-sync/execute", nil, &resp))
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/executions/"+resp.Execution.Key+"/cancel", nil, nil))

	done, err := h.tasks.Wait(ctx, resp.Execution.Key)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, done.Status)
}

func TestApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.env.AddResource(t, "a")
	h.manager.SetApproval(func(context.Context, *anyobject.AnyObject) bool { return true })

	res, err := h.manager.Create(ctx, &anyobject.AnyObject{Kind: anyobject.KindUser, Name: "jdoe", Resources: []string{"a"}}, provisioning.Options{})
	require.NoError(t, err)
	key := res.Object.Key

	var out ApprovalResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/objects/"+key+"/approval", ApprovalRequest{Approved: true}, &out))
	assert.Equal(t, anyobject.StatusActive, out.Object.Status)
	require.Len(t, out.Outcomes, 1)
	assert.Equal(t, task.StatusSuccess, out.Outcomes[0].Status)

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/objects/"+key+"/approval", ApprovalRequest{Approved: true}, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/objects/missing/approval", ApprovalRequest{}, nil))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
