package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/cli/output"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := output.Writer
	output.Writer = buf
	t.Cleanup(func() { output.Writer = prev })
	return buf
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"dt=2026-10-19", "expr=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"dt": "2026-10-19", "expr": "a=b", "empty": ""}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestParseID(t *testing.T) {
	v, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	for _, raw := range []string{"0", "-1", "abc", ""} {
		_, err := parseID(raw)
		assert.Error(t, err, raw)
	}
}

func TestVersionCommand(t *testing.T) {
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "dag-master")
	assert.Contains(t, out.String(), Version)
}

func TestWorkflowTriggerCommand(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body dto.TriggerWorkflowRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		_ = json.Unmarshal(raw, &body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(dto.NewSuccessResponse(dto.CommandAccepted{CommandID: 7}))
	}))
	defer srv.Close()
	buf := captureOutput(t)

	rootCmd.SetArgs([]string{
		"--server", srv.URL,
		"workflow", "trigger", "100",
		"--start-nodes", "3,4",
		"-p", "dt=2026-10-19",
		"--priority", "1",
	})
	require.NoError(t, rootCmd.Execute())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/v1/workflows/100/trigger", path)
	assert.Equal(t, []int64{3, 4}, body.StartNodes)
	assert.Equal(t, map[string]string{"dt": "2026-10-19"}, body.Params)
	require.NotNil(t, body.Priority)
	assert.Equal(t, task.Priority(1), *body.Priority)
	assert.Contains(t, buf.String(), "7")
}

func TestInstanceStatusCommand_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(dto.NewErrorResponse(http.StatusNotFound, "not found"))
	}))
	defer srv.Close()
	captureOutput(t)

	rootCmd.SetArgs([]string{"--server", srv.URL, "instance", "status", "99"})
	assert.Error(t, rootCmd.Execute())
}
