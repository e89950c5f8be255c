package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/broker"
	"sentinel/internal/languages"
	"sentinel/pkg/models"
)

func writeDescriptor(t *testing.T, dir, name string) {
	t.Helper()
	desc := map[string]interface{}{
		"name":        name,
		"displayName": name,
		"extension":   ".x",
		"command":     "true",
		"args":        []string{"{file}"},
		"timeout":     5000,
	}
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644))
}

func newTestDispatcher(t *testing.T, instances map[string]int, langs ...string) (*Dispatcher, *gin.Engine) {
	t.Helper()
	dir := t.TempDir()
	for _, lang := range langs {
		writeDescriptor(t, dir, lang)
	}
	registry, err := languages.Load(dir)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	client := broker.NewClientFromRedis(rdb)

	d := New(client, registry, instances)
	return d, d.Router()
}

func postJSON(r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestExecuteQueuesJob(t *testing.T) {
	d, r := newTestDispatcher(t, nil, "python")

	w := postJSON(r, "/execute", models.ExecuteRequest{
		Language: "python",
		Code:     `print("hi")`,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.ExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, models.StatusQueued, resp.Status)
	assert.Equal(t, "Job queued for execution", resp.Message)

	// The job is actually on the language's queue.
	snap, err := d.byLang["python"].queues[0].Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Waiting)
}

func TestExecuteValidation(t *testing.T) {
	_, r := newTestDispatcher(t, nil, "python")

	cases := []struct {
		name string
		body interface{}
		want string
	}{
		{"missing code", map[string]string{"language": "python"}, "Missing required field: code"},
		{"missing language", map[string]string{"code": "print(1)"}, "Missing required field: language"},
		{"unsupported language", map[string]string{"language": "cobol", "code": "x"}, "Unsupported language: cobol"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(r, "/execute", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tc.want)
		})
	}
}

func TestExecuteRejectsMalformedBody(t *testing.T) {
	_, r := newTestDispatcher(t, nil, "python")

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid request body")
}

func TestJobStatusLifecycle(t *testing.T) {
	d, r := newTestDispatcher(t, nil, "python")

	w := postJSON(r, "/execute", models.ExecuteRequest{Language: "python", Code: "x"})
	require.Equal(t, http.StatusOK, w.Code)
	var created models.ExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = get(r, "/job/"+created.ID)
	require.Equal(t, http.StatusOK, w.Code)
	var status models.JobStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.StatusQueued, status.Status)

	// Drive the job through a worker's motions against the same broker.
	q := d.byLang["python"].queues[0]
	claimed, err := q.Claim(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	w = get(r, "/job/"+created.ID)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.StatusActive, status.Status)

	require.NoError(t, q.Complete(context.Background(), created.ID, &models.ExecutionResult{
		Output:        "done",
		ExecutionTime: 7,
		Status:        models.ResultSuccess,
	}))

	w = get(r, "/job/"+created.ID)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.StatusCompleted, status.Status)
	assert.Equal(t, "done", status.Output)
	assert.Equal(t, int64(7), status.ExecutionTime)
}

func TestJobStatusNotFound(t *testing.T) {
	_, r := newTestDispatcher(t, nil, "python")

	w := get(r, "/job/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Job not found")
}

func TestLanguagesEndpoint(t *testing.T) {
	_, r := newTestDispatcher(t, nil, "go", "python")

	w := get(r, "/languages")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.LanguagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Languages, 2)
	assert.Equal(t, "go", resp.Languages[0].Name)
	assert.Equal(t, "python", resp.Languages[1].Name)
}

func TestHealthEndpoint(t *testing.T) {
	_, r := newTestDispatcher(t, nil, "python")

	w := get(r, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Redis)
	assert.Equal(t, "healthy", resp.Queues["python-executor"])
}

func TestLoadEndpoint(t *testing.T) {
	_, r := newTestDispatcher(t, nil, "python")

	for i := 0; i < 3; i++ {
		w := postJSON(r, "/execute", models.ExecuteRequest{Language: "python", Code: "x"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := get(r, "/load")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.LoadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Containers, 1)
	assert.Equal(t, "python-executor", resp.Containers[0].ContainerID)
	assert.Equal(t, "python", resp.Containers[0].Language)
	assert.Equal(t, int64(3), resp.Containers[0].Waiting)
	assert.Equal(t, int64(3), resp.TotalWaiting)
}

func TestBalancerSpreadsAcrossInstances(t *testing.T) {
	d, r := newTestDispatcher(t, map[string]int{"python": 2}, "python")
	require.Len(t, d.byLang["python"].queues, 2)

	for i := 0; i < 4; i++ {
		w := postJSON(r, "/execute", models.ExecuteRequest{
			Language: "python",
			Code:     fmt.Sprintf("print(%d)", i),
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	var depths []int64
	for _, q := range d.byLang["python"].queues {
		snap, err := q.Counts(context.Background())
		require.NoError(t, err)
		depths = append(depths, snap.Waiting)
	}
	assert.Equal(t, int64(4), depths[0]+depths[1])
	assert.Equal(t, int64(2), depths[0], "least-waiting placement keeps instances level")
	assert.Equal(t, int64(2), depths[1])
}

func TestMetricsEndpointServes(t *testing.T) {
	_, r := newTestDispatcher(t, nil, "python")

	w := postJSON(r, "/execute", models.ExecuteRequest{Language: "python", Code: "x"})
	require.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sentinel_dispatcher_jobs_submitted_total")
	assert.Contains(t, w.Body.String(), "sentinel_http_requests_total")
}
