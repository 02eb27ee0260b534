package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/audit"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/config"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/policy"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/psmp"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/queue"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/state"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/storage"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/webhook"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := zap.NewNop()
	store := storage.NewMemory()
	hub := events.NewHub(logger)

	auditor, err := audit.New(&audit.Config{
		Dir:          t.TempDir(),
		Organization: "testorg",
		BufferSize:   1,
	}, hub, logger)
	require.NoError(t, err)

	gateway, err := policy.NewGateway(policy.ComplianceLocalOnly(), auditor, logger)
	require.NoError(t, err)

	engine, err := psmp.NewEngine(psmp.Config{}, store, logger)
	require.NoError(t, err)

	manager, err := state.NewManager(state.Config{CheckpointRetention: 5}, store, state.Options{
		Declarer: engine,
		Enforcer: gateway,
		Hub:      hub,
	}, logger)
	require.NoError(t, err)

	q := queue.NewGatewayQueue()
	worker, err := queue.NewWorker(q, queue.NewScheduler(queue.SchedulerConfig{MaxBatchTokens: 600}),
		queue.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond},
		queue.WorkerOptions{
			Processor: func(context.Context, *queue.Batch) error { return nil },
			Hub:       hub,
		}, logger)
	require.NoError(t, err)

	srv, err := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Dependencies{
		Store:      store,
		Manager:    manager,
		Engine:     engine,
		Auditor:    auditor,
		Hub:        hub,
		Queue:      q,
		Worker:     worker,
		Dispatcher: webhook.NewDispatcher(webhook.DefaultConfig(), logger),
	}, logger)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func createProject(t *testing.T, srv *Server) *model.Project {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/projects", map[string]any{
		"name": "Demo", "owner_id": "owner-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*model.Project](t, rec)
}

func localMeta(agent string) map[string]string {
	return map[string]string{
		"agent_name":   agent,
		"task_type":    "codegen",
		"llm_provider": "local-ollama",
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestProjectLifecycle(t *testing.T) {
	srv := newTestServer(t)
	project := createProject(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/projects/"+project.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Demo", decode[*model.Project](t, rec).Name)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/projects/"+project.ID+"/status",
		map[string]string{"status": "planning"})
	require.Equal(t, http.StatusOK, rec.Code)

	// blocked is system-managed.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/projects/"+project.ID+"/status",
		map[string]string{"status": "blocked"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/projects/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactConflictResponse(t *testing.T) {
	srv := newTestServer(t)
	project := createProject(t, srv)
	base := "/api/v1/projects/" + project.ID

	rec := doJSON(t, srv, http.MethodPost, base+"/artifacts", map[string]any{
		"artifact_type": "spec", "created_by": "agent-a", "metadata": localMeta("agent-a"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, base+"/artifacts", map[string]any{
		"artifact_type": "spec", "created_by": "agent-b", "metadata": localMeta("agent-b"),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	require.Len(t, body.Conflicts, 1)
	assert.Equal(t, model.ConflictParallelCreation, body.Conflicts[0].Type)

	// The blocking report lists the blocked artifact.
	rec = doJSON(t, srv, http.MethodGet, base+"/blocking-report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[*psmp.Report](t, rec)
	require.Len(t, report.BlockedIDs, 1)

	// Resolve through the API and watch the report drain.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/conflicts/"+body.Conflicts[0].ID+"/resolve",
		map[string]string{"strategy": "override"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[*model.Conflict](t, rec).Resolved)

	rec = doJSON(t, srv, http.MethodGet, base+"/blocking-report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[*psmp.Report](t, rec).BlockedIDs)
}

func TestArtifactVetoResponse(t *testing.T) {
	srv := newTestServer(t)
	project := createProject(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/projects/"+project.ID+"/artifacts", map[string]any{
		"artifact_type": "spec",
		"created_by":    "agent-a",
		"metadata": map[string]string{
			"agent_name":   "agent-a",
			"task_type":    "codegen",
			"llm_provider": "openai",
		},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "compliance-local-only", body.Policy)
	assert.NotEmpty(t, body.Reason)
	assert.Empty(t, body.Conflicts)
}

func TestCheckpointEndpoints(t *testing.T) {
	srv := newTestServer(t)
	project := createProject(t, srv)
	base := "/api/v1/projects/" + project.ID

	rec := doJSON(t, srv, http.MethodPost, base+"/checkpoints", map[string]string{"label": "v1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	cp := decode[*model.Checkpoint](t, rec)
	assert.Equal(t, "v1", cp.Label)

	rec = doJSON(t, srv, http.MethodGet, base+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*model.Checkpoint](t, rec), 1)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/checkpoints/missing/restore", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskEndpoints(t *testing.T) {
	srv := newTestServer(t)
	project := createProject(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/projects/"+project.ID+"/tasks",
		map[string]string{"title": "draft", "assigned_to": "agent-a"})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[*model.Task](t, rec)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/tasks/"+task.ID+"/status",
		map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[*model.Task](t, rec)
	assert.Equal(t, model.TaskCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
}

func TestGatewayEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{
			"profile_hash":     "h1",
			"skill_id":         "summarize",
			"estimated_tokens": 200,
			"project_id":       fmt.Sprintf("p%d", i),
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/gateway/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[map[string]int](t, rec)
	assert.Equal(t, 1, run["batches_processed"])
	assert.Zero(t, run["queued"])

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/gateway/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*queue.Result](t, rec), 3)

	// Results drain exactly once.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/gateway/results", nil)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestWebhookEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"url": "http://127.0.0.1:9/hook", "secret": "s", "event_types": []string{"artifact.*"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ep := decode[*webhook.Endpoint](t, rec)
	require.NotEmpty(t, ep.ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/webhooks", nil)
	assert.Len(t, decode[[]*webhook.Endpoint](t, rec), 1)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/webhooks/"+ep.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/webhooks", map[string]any{"url": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	srv := newTestServer(t)
	project := createProject(t, srv)

	// One allowed write produces a routing decision audit row.
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/projects/"+project.ID+"/artifacts", map[string]any{
		"artifact_type": "spec", "created_by": "agent-a", "metadata": localMeta("agent-a"),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/audit/trail?event_type=routing_decision", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decode[[]*audit.Event](t, rec)
	require.NotEmpty(t, trail)
	assert.Equal(t, audit.EventRoutingDecision, trail[0].Type)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/audit/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[*audit.ComplianceReport](t, rec)
	assert.NotZero(t, report.TotalEvents)
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/events/stream?types=project.*", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return srv.deps.Hub.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	createProject(t, srv)

	scanner := bufio.NewScanner(resp.Body)
	readData := func() string {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		}
		return ""
	}

	first := readData()
	require.NotEmpty(t, first)
	var ack events.ControlAck
	require.NoError(t, json.Unmarshal([]byte(first), &ack))
	assert.Equal(t, events.AckSubscribed, ack.Type)
	assert.NotEmpty(t, ack.SubscriptionID)

	second := readData()
	require.NotEmpty(t, second)
	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(second), &ev))
	assert.Equal(t, "project.created", ev.Type)
}
