package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/LENAX/dag-master/pkg/core/engine"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/metrics"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/LENAX/dag-master/pkg/storage/sqlite"
	"github.com/LENAX/dag-master/pkg/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specYAML = `
definition:
  code: 100
  version: 1
  name: etl
  failure_strategy: CONTINUE
  online: true
tasks:
  - code: 1
    version: 1
    name: extract
    task_type: SHELL
    task_params: '{"raw_script":"echo extract"}'
  - code: 2
    version: 1
    name: load
    task_type: SHELL
    task_params: '{"raw_script":"echo load"}'
relations:
  - pre_task_code: 0
    post_task_code: 1
  - pre_task_code: 1
    post_task_code: 2
`

type triggerCall struct {
	code       int64
	startNodes []int64
	params     map[string]string
	priority   task.Priority
}

// fakeController 记录调用，按预设返回错误
type fakeController struct {
	running  bool
	err      error
	triggers []triggerCall
	paused   []int64
	stopped  []int64
}

func (f *fakeController) Trigger(_ context.Context, code int64, startNodes []int64, params map[string]string, priority task.Priority) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.triggers = append(f.triggers, triggerCall{code, startNodes, params, priority})
	return int64(len(f.triggers)), nil
}

func (f *fakeController) PauseWorkflow(id int64) error {
	f.paused = append(f.paused, id)
	return f.err
}

func (f *fakeController) StopWorkflow(id int64) error {
	f.stopped = append(f.stopped, id)
	return f.err
}

func (f *fakeController) RecoverFailure(_ context.Context, id int64) (int64, error) {
	return 7, f.err
}

func (f *fakeController) RecoverSuspended(_ context.Context, id int64) (int64, error) {
	return 8, f.err
}

func (f *fakeController) Running() bool { return f.running }

type fakeMembers struct{}

func (fakeMembers) Masters() []*cluster.HeartBeat {
	return []*cluster.HeartBeat{{Host: "10.0.0.1:5678", Role: cluster.RoleMaster}}
}

func (fakeMembers) Workers() []*cluster.HeartBeat {
	return []*cluster.HeartBeat{{Host: "10.0.0.2:1234", Role: cluster.RoleExecutor, WorkerGroup: "default"}}
}

type fixedSlot cluster.SlotSnapshot

func (s fixedSlot) Snapshot() cluster.SlotSnapshot { return cluster.SlotSnapshot(s) }

type testServer struct {
	store      *sqlstore.Store
	controller *fakeController
	handler    http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "api.db") + "?_busy_timeout=30000"
	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(), dsn, sqlstore.PoolConfig{MaxOpenConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctrl := &fakeController{running: true}
	srv := NewAPIServer(DefaultServerConfig(), Dependencies{
		Self:       "10.0.0.1:5678",
		Version:    "test",
		Controller: ctrl,
		Repos:      *store.Repositories(),
		Members:    fakeMembers{},
		Slots:      fixedSlot{Slot: 0, Total: 1},
		Metrics:    metrics.New().Handler(),
	})
	return &testServer{store: store, controller: ctrl, handler: srv.Handler()}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) dto.APIResponse[T] {
	t.Helper()
	var resp dto.APIResponse[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestWorkflowImportListAndGet(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/workflows", dto.ImportWorkflowRequest{Content: specYAML})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "etl", decode[dto.WorkflowSummary](t, rec).Data.Name)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[dto.ListResponse[dto.WorkflowSummary]](t, rec).Data
	require.Equal(t, 1, list.Total)
	assert.Equal(t, int64(100), list.Items[0].Code)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	spec := decode[workflow.WorkflowSpec](t, rec).Data
	assert.Len(t, spec.Tasks, 2)
	assert.Len(t, spec.Relations, 2)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowImportRejectsInvalidDefinitions(t *testing.T) {
	s := newTestServer(t)
	cases := map[string]string{
		"bad yaml":       "definition: [",
		"missing code":   "definition:\n  name: x\n",
		"duplicate task": strings.Replace(specYAML, "code: 2\n", "code: 1\n", 1),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/workflows", dto.ImportWorkflowRequest{Content: content})
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	rec := s.do(t, http.MethodPost, "/api/v1/workflows", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerForwardsRequest(t *testing.T) {
	s := newTestServer(t)
	high := task.PriorityHigh

	rec := s.do(t, http.MethodPost, "/api/v1/workflows/100/trigger", dto.TriggerWorkflowRequest{
		StartNodes: []int64{2},
		Params:     map[string]string{"dt": "2026-10-19"},
		Priority:   &high,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), decode[dto.CommandAccepted](t, rec).Data.CommandID)

	rec = s.do(t, http.MethodPost, "/api/v1/workflows/100/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, s.controller.triggers, 2)
	assert.Equal(t, triggerCall{100, []int64{2}, map[string]string{"dt": "2026-10-19"}, task.PriorityHigh}, s.controller.triggers[0])
	assert.Equal(t, task.PriorityMedium, s.controller.triggers[1].priority)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		method string
		path   string
		want   int
	}{
		{"bad start node", fmt.Errorf("%w: 404", engine.ErrInvalidStartNode), http.MethodPost, "/api/v1/workflows/1/trigger", http.StatusBadRequest},
		{"missing definition", fmt.Errorf("读取工作流定义: %w", storage.ErrNotFound), http.MethodPost, "/api/v1/workflows/1/trigger", http.StatusNotFound},
		{"not on this master", engine.ErrWorkflowNotFound, http.MethodPost, "/api/v1/instances/3/pause", http.StatusNotFound},
		{"stop not on this master", engine.ErrWorkflowNotFound, http.MethodPost, "/api/v1/instances/3/stop", http.StatusNotFound},
		{"recover wrong status", &engine.IllegalStateError{WorkflowInstanceID: 3, Actual: "SUCCESS", Expected: "FAILURE"}, http.MethodPost, "/api/v1/instances/3/recover-failure", http.StatusConflict},
		{"unexpected", fmt.Errorf("boom"), http.MethodPost, "/api/v1/instances/3/recover-suspended", http.StatusInternalServerError},
		{"invalid id", nil, http.MethodPost, "/api/v1/instances/abc/pause", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t)
			s.controller.err = tc.err
			rec := s.do(t, tc.method, tc.path, nil)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.Equal(t, tc.want, decode[any](t, rec).Code)
		})
	}
}

func TestPauseStopAndRecoverAccepted(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/instances/5/pause", nil).Code)
	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/instances/6/stop", nil).Code)
	assert.Equal(t, []int64{5}, s.controller.paused)
	assert.Equal(t, []int64{6}, s.controller.stopped)

	rec := s.do(t, http.MethodPost, "/api/v1/instances/5/recover-failure", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(7), decode[dto.CommandAccepted](t, rec).Data.CommandID)
	rec = s.do(t, http.MethodPost, "/api/v1/instances/5/recover-suspended", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(8), decode[dto.CommandAccepted](t, rec).Data.CommandID)
}

func TestInstanceDetailAndTasks(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	spec := &workflow.WorkflowSpec{
		Definition: workflow.WorkflowDefinition{Code: 200, Version: 1, Name: "report", FailureStrategy: workflow.FailureContinue, Online: true},
		Tasks: []task.TaskDefinition{
			{Code: 1, Version: 1, Name: "a", TaskType: task.TypeShell},
			{Code: 2, Version: 1, Name: "b", TaskType: task.TypeShell},
		},
	}
	now := time.Now()
	inst := workflow.NewWorkflowInstance(&spec.Definition, &workflow.Command{Type: workflow.CommandStartProcess}, "10.0.0.1:5678", now)
	inst.Status = workflow.StatusRunningExecution
	require.NoError(t, s.store.CreateWorkflowInstance(ctx, inst))

	a := task.NewTaskInstance(&spec.Tasks[0], inst.ID, now)
	a.Status = task.StatusFailure
	require.NoError(t, s.store.CreateTaskInstance(ctx, a))
	a.Flag = task.FlagNo
	require.NoError(t, s.store.UpdateTaskInstance(ctx, a))
	retry := a.NewAttempt(now, true)
	retry.Status = task.StatusSuccess
	require.NoError(t, s.store.CreateTaskInstance(ctx, retry))
	b := task.NewTaskInstance(&spec.Tasks[1], inst.ID, now)
	b.Status = task.StatusRunningExecution
	require.NoError(t, s.store.CreateTaskInstance(ctx, b))

	path := fmt.Sprintf("/api/v1/instances/%d", inst.ID)
	rec := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decode[dto.InstanceDetail](t, rec).Data
	assert.Equal(t, string(workflow.StatusRunningExecution), detail.Status)
	assert.Equal(t, dto.ProgressInfo{Total: 2, Success: 1, Running: 1}, detail.Progress)

	rec = s.do(t, http.MethodGet, path+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[dto.ListResponse[dto.TaskInstanceDetail]](t, rec).Data.Total)

	rec = s.do(t, http.MethodGet, path+"/tasks?all=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[dto.ListResponse[dto.TaskInstanceDetail]](t, rec).Data.Total)

	rec = s.do(t, http.MethodGet, "/api/v1/instances?status=SUCCESS", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[dto.ListResponse[dto.InstanceSummary]](t, rec).Data.Total)
	rec = s.do(t, http.MethodGet, "/api/v1/instances", nil)
	assert.Equal(t, 1, decode[dto.ListResponse[dto.InstanceSummary]](t, rec).Data.Total)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/instances/9999", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/instances/9999/tasks", nil).Code)
}

func TestClusterHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/cluster", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[dto.ClusterInfo](t, rec).Data
	assert.Equal(t, dto.SlotInfo{Slot: 0, Total: 1, Ready: true}, info.Slot)
	require.Len(t, info.Workers, 1)
	assert.Equal(t, "default", info.Workers[0].WorkerGroup)

	rec = s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[dto.HealthResponse](t, rec).Data.Engine)

	s.controller.running = false
	rec = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dagmaster_dispatch_queue_size")
}
