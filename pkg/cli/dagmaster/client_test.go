package dagmaster

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	uri    string
	body   string
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.reqs...)
}

func newServer(t *testing.T, status int, payload any) (*Client, *recorder) {
	t.Helper()
	seen := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.mu.Lock()
		seen.reqs = append(seen.reqs, recordedRequest{r.Method, r.URL.RequestURI(), string(body)})
		seen.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL + "/"), seen
}

func TestTriggerWorkflow(t *testing.T) {
	c, seen := newServer(t, http.StatusAccepted, dto.NewSuccessResponse(dto.CommandAccepted{CommandID: 42}))
	high := task.PriorityHigh

	cmdID, err := c.TriggerWorkflow(7, dto.TriggerWorkflowRequest{StartNodes: []int64{3}, Priority: &high})
	require.NoError(t, err)
	assert.Equal(t, int64(42), cmdID)

	require.Len(t, seen.all(), 1)
	req := seen.all()[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/api/v1/workflows/7/trigger", req.uri)
	assert.JSONEq(t, `{"start_nodes":[3],"params":null,"priority":1}`, req.body)
}

func TestListInstancesQuery(t *testing.T) {
	c, seen := newServer(t, http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.InstanceSummary]{
		Total: 1,
		Items: []dto.InstanceSummary{{ID: 9, Status: "SUCCESS"}},
	}))

	list, err := c.ListInstances("SUCCESS", 10)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, int64(9), list.Items[0].ID)
	assert.Equal(t, "/api/v1/instances?limit=10&status=SUCCESS", seen.all()[0].uri)
}

func TestErrorResponseBecomesAPIError(t *testing.T) {
	c, _ := newServer(t, http.StatusNotFound, dto.NewErrorResponse(http.StatusNotFound, "暂停工作流失败: workflow instance not found"))

	err := c.PauseInstance(3)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "not found")
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Health()
	assert.Error(t, err)
}
