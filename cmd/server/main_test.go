package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/agent"
	"github.com/kiranshivaraju/gpufleet/internal/config"
	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("GPUFLEET_DATABASE_DRIVER", "memory")
	t.Setenv("GPUFLEET_BLOB_BACKEND", "memory")
	t.Setenv("GPUFLEET_HEALTH_PROBE_MODE", "push")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), memoryConfig(t), logger)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func call(t *testing.T, a *app, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func TestNewApp_InvalidBlobDir(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Blob.Backend = "fs"
	cfg.Blob.Dir = "/dev/null/checkpoints"

	_, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestApp_Health(t *testing.T) {
	a := newTestApp(t)

	w := call(t, a, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeData[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
}

func TestApp_StartStops(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	wait := a.start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background loops did not stop")
	}
}

func TestApp_FailoverEndToEnd(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	target := agent.New(agent.Config{NodeID: "gpu-b"}, agent.NewSimulator(4, 80, 1),
		agent.NewHTTPSink("http://unused", "", time.Second), slog.New(slog.NewTextHandler(io.Discard, nil)))
	agentSrv := httptest.NewServer(target.Handler())
	defer agentSrv.Close()

	for _, d := range []models.NodeDescriptor{
		{ID: "gpu-a", Region: "eu-west", CapacityGPUs: 4, Eligible: true},
		{ID: "gpu-b", Region: "eu-west", CapacityGPUs: 4, Endpoint: agentSrv.URL, Eligible: false},
	} {
		w := call(t, a, http.MethodPost, "/api/v1/nodes", d)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := call(t, a, http.MethodPost, "/api/v1/jobs", models.Requirements{GPUs: 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decodeData[struct {
		Job      models.Job             `json:"job"`
		Decision models.RoutingDecision `json:"decision"`
	}](t, w)
	require.Equal(t, "gpu-a", sub.Decision.ChosenNode)
	jobPath := "/api/v1/jobs/" + sub.Job.ID.String()

	for _, p := range []string{"epoch-1", "epoch-2"} {
		w = call(t, a, http.MethodPost, jobPath+"/checkpoints?wait=true", []byte(p))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = call(t, a, http.MethodPatch, "/api/v1/nodes/gpu-b/eligibility", map[string]bool{"eligible": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(t, a, http.MethodPost, "/api/v1/nodes/gpu-b/heartbeat", models.Heartbeat{Utilization: 0.1})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// gpu-a never heartbeats, so push probes fail it.
	var failed *models.HealthEvent
	watch := a.monitor.Subscribe()
	defer watch.Close()
	for range 5 {
		require.NoError(t, a.monitor.Refresh(ctx))
		w = call(t, a, http.MethodPost, "/api/v1/nodes/gpu-b/heartbeat", models.Heartbeat{Utilization: 0.1})
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	for {
		e, ok := watch.TryNext()
		if !ok {
			break
		}
		if e.NodeID == "gpu-a" && e.To == models.HealthFailed {
			failed = &e
		}
	}
	require.NotNil(t, failed, "gpu-a should have failed")

	fos, err := a.failover.HandleFailure(ctx, *failed)
	require.NoError(t, err)
	require.Len(t, fos, 1)
	assert.Equal(t, models.FailoverSucceeded, fos[0].Outcome)

	w = call(t, a, http.MethodGet, jobPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeData[models.JobStatusView](t, w)
	assert.Equal(t, models.JobStatusRunning, view.Status)
	require.NotNil(t, view.NodeID)
	assert.Equal(t, "gpu-b", *view.NodeID)

	payload, ok := target.Payload(sub.Job.ID)
	require.True(t, ok)
	assert.Equal(t, "epoch-2", string(payload))

	w = call(t, a, http.MethodGet, jobPath+"/failovers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]models.FailoverEvent](t, w), 1)

	recent := a.recorder.Recent(0, events.TypeNodeRegistered)
	assert.Len(t, recent, 2)
}
