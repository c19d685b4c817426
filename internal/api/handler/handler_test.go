package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/api"
	"github.com/kiranshivaraju/gpufleet/internal/api/handler"
	mw "github.com/kiranshivaraju/gpufleet/internal/api/middleware"
	"github.com/kiranshivaraju/gpufleet/internal/blobstore"
	"github.com/kiranshivaraju/gpufleet/internal/cache"
	"github.com/kiranshivaraju/gpufleet/internal/checkpoint"
	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/internal/failover"
	"github.com/kiranshivaraju/gpufleet/internal/health"
	"github.com/kiranshivaraju/gpufleet/internal/jobs"
	"github.com/kiranshivaraju/gpufleet/internal/registry"
	"github.com/kiranshivaraju/gpufleet/internal/router"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type upProber struct{}

func (upProber) Probe(context.Context, *models.Node) (health.Report, error) {
	return health.Report{Utilization: 0.2, HasUtilization: true}, nil
}

type server struct {
	http.Handler
	store    *store.MemoryStore
	cache    *cache.MemoryCache
	recorder *events.Recorder
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	rec := events.NewRecorder(128)

	reg := registry.New(s, quietLogger())
	mon := health.NewMonitor(health.Config{
		Interval:         time.Hour,
		ProbeTimeout:     time.Second,
		LatencyThreshold: time.Second,
		Thresholds:       health.Thresholds{SuspectAfter: 3, FailAfter: 2, RecoverAfter: 2},
		Window:           10,
		Concurrency:      2,
	}, reg, upProber{}, quietLogger())
	rt := router.New(router.Config{Freshness: time.Hour, RefreshTimeout: time.Second, DecisionLogSize: 32},
		reg, mon, router.NewWeightedStrategy(router.DefaultWeights(), 100*time.Millisecond), quietLogger(),
		router.WithPublisher(rec))
	t.Cleanup(rt.Close)
	cps := checkpoint.New(checkpoint.Config{
		QueueSize: 8, Workers: 1, MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
	}, s, blobstore.NewMemoryStore(), quietLogger())
	t.Cleanup(cps.Close)
	svc := jobs.New(jobs.Config{StatusTTL: time.Minute}, s, rt, reg, cps, quietLogger(),
		jobs.WithCache(c), jobs.WithPublisher(rec))
	fo := failover.New(failover.Config{SLATarget: 30 * time.Second, Concurrency: 2},
		s, svc, rt, cps, mon, quietLogger())

	h := api.NewRouter(api.Dependencies{
		Logger:            quietLogger(),
		Auth:              mw.NewAuth(nil),
		RateLimit:         mw.NewRateLimit(c, 1000),
		HealthHandler:     handler.NewHealthHandler(s, c, mon.Snapshot),
		SubmitJob:         handler.NewSubmitJobHandler(svc),
		ListJobs:          handler.NewListJobsHandler(svc),
		JobStatus:         handler.NewJobStatusHandler(svc),
		CompleteJob:       handler.NewCompleteJobHandler(svc),
		CancelJob:         handler.NewCancelJobHandler(svc),
		CheckpointJob:     handler.NewCheckpointHandler(svc),
		ListFailovers:     handler.NewFailoversHandler(fo),
		RegisterNode:      handler.NewRegisterNodeHandler(reg),
		ListNodes:         handler.NewListNodesHandler(reg, mon),
		GetNode:           handler.NewGetNodeHandler(reg, mon),
		UpdateCapacity:    handler.NewUpdateCapacityHandler(reg),
		UpdateEligibility: handler.NewUpdateEligibilityHandler(reg),
		DeregisterNode:    handler.NewDeregisterNodeHandler(reg),
		Heartbeat:         handler.NewHeartbeatHandler(reg, c, 15*time.Second),
		ListEvents:        handler.NewEventsHandler(rec),
		ListDecisions:     handler.NewDecisionsHandler(rt),
	})
	return &server{Handler: h, store: s, cache: c, recorder: rec}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
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
	s.ServeHTTP(w, req)
	return w
}

func data[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error.Code
}

func nodeBody(id string, gpus int) models.NodeDescriptor {
	return models.NodeDescriptor{
		ID:           id,
		OperatorID:   "op-1",
		Region:       "us-east",
		Endpoint:     "http://" + id + ":9100",
		Spec:         models.ComputeSpec{Manufacturer: "NVIDIA", Model: "A100", MemoryGB: 80},
		CapacityGPUs: gpus,
		PricePerHour: 2.5,
		Eligible:     true,
	}
}

type nodeWithHealth struct {
	ID     string            `json:"id"`
	Health models.NodeHealth `json:"health"`
}

type submitted struct {
	Job      models.Job             `json:"job"`
	Decision models.RoutingDecision `json:"decision"`
}

func TestNodes_RegisterAndDuplicate(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n1", 4))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	node := data[models.Node](t, w)
	assert.Equal(t, "n1", node.ID)
	assert.Equal(t, 4, node.CapacityGPUs)

	w = s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n1", 4))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_NODE", errCode(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n2", 0))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/nodes", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNodes_GetListAndUpdate(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n1", 4)).Code)

	w := s.do(t, http.MethodGet, "/api/v1/nodes/n1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := data[nodeWithHealth](t, w)
	assert.Equal(t, "n1", view.ID)
	assert.Equal(t, models.HealthHealthy, view.Health.State)

	w = s.do(t, http.MethodGet, "/api/v1/nodes/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NODE_NOT_FOUND", errCode(t, w))

	w = s.do(t, http.MethodPatch, "/api/v1/nodes/n1/capacity", map[string]any{"price_per_hour": 1.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPatch, "/api/v1/nodes/n1/capacity", map[string]any{"capacity_gpus": 8, "price_per_hour": 1.5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	node := data[models.Node](t, w)
	assert.Equal(t, 8, node.CapacityGPUs)
	assert.InDelta(t, 1.5, node.PricePerHour, 1e-9)

	w = s.do(t, http.MethodPatch, "/api/v1/nodes/n1/eligibility", map[string]any{"eligible": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, data[models.Node](t, w).Eligible)

	w = s.do(t, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, data[[]models.Node](t, w), 1)
}

func TestJobs_Lifecycle(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n1", 4)).Code)

	w := s.do(t, http.MethodPost, "/api/v1/jobs", models.Requirements{GPUs: 2, Spec: models.ComputeSpec{MemoryGB: 40}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := data[submitted](t, w)
	assert.Equal(t, models.JobStatusRunning, sub.Job.Status)
	assert.Equal(t, "n1", sub.Decision.ChosenNode)
	jobPath := "/api/v1/jobs/" + sub.Job.ID.String()

	w = s.do(t, http.MethodDelete, "/api/v1/nodes/n1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NODE_BUSY", errCode(t, w))

	w = s.do(t, http.MethodPost, jobPath+"/checkpoints?wait=true", []byte("weights-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cp := data[models.Checkpoint](t, w)
	assert.Equal(t, int64(1), cp.Seq)
	assert.Equal(t, models.CheckpointStatusCommitted, cp.Status)

	w = s.do(t, http.MethodGet, jobPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := data[models.JobStatusView](t, w)
	assert.Equal(t, models.JobStatusRunning, view.Status)
	assert.Equal(t, int64(1), view.LastCheckpointSeq)
	require.NotNil(t, view.NodeID)
	assert.Equal(t, "n1", *view.NodeID)

	w = s.do(t, http.MethodGet, jobPath+"/failovers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, data[[]models.FailoverEvent](t, w))

	w = s.do(t, http.MethodPost, jobPath+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.JobStatusCompleted, data[models.Job](t, w).Status)

	w = s.do(t, http.MethodPost, jobPath+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "JOB_TERMINAL", errCode(t, w))

	w = s.do(t, http.MethodPost, jobPath+"/checkpoints", []byte("late"))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/nodes/n1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestJobs_CancelWithReason(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n1", 4)).Code)
	sub := data[submitted](t, s.do(t, http.MethodPost, "/api/v1/jobs", models.Requirements{GPUs: 1}))

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+sub.Job.ID.String()+"/cancel", map[string]string{"reason": "superseded"})
	require.Equal(t, http.StatusOK, w.Code)
	job := data[models.Job](t, w)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "superseded", *job.ErrorMessage)
}

func TestJobs_NoCapacity(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs", models.Requirements{GPUs: 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NO_CAPACITY", errCode(t, w))

	id, err := uuid.Parse(w.Header().Get("X-Job-ID"))
	require.NoError(t, err)
	job, err := s.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
}

func TestJobs_BadRequests(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad job id", http.MethodGet, "/api/v1/jobs/not-a-uuid", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown job", http.MethodGet, "/api/v1/jobs/" + uuid.NewString(), nil, http.StatusNotFound, "JOB_NOT_FOUND"},
		{"negative gpus", http.MethodPost, "/api/v1/jobs", models.Requirements{GPUs: -2}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad status filter", http.MethodGet, "/api/v1/jobs?status=sleeping", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad limit", http.MethodGet, "/api/v1/jobs?limit=0", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"cancel bad body", http.MethodPost, "/api/v1/jobs/" + uuid.NewString() + "/cancel", []byte("{"), http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errCode(t, w))
		})
	}
}

func TestJobs_ListFilters(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n1", 4)).Code)
	a := data[submitted](t, s.do(t, http.MethodPost, "/api/v1/jobs", models.Requirements{GPUs: 1}))
	data[submitted](t, s.do(t, http.MethodPost, "/api/v1/jobs", models.Requirements{GPUs: 1}))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/jobs/"+a.Job.ID.String()+"/complete", nil).Code)

	w := s.do(t, http.MethodGet, "/api/v1/jobs?status=running", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, data[[]models.Job](t, w), 1)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?status=running,completed&node_id=n1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, data[[]models.Job](t, w), 2)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data []models.Job `json:"data"`
		Meta struct {
			HasNext bool `json:"has_next"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Len(t, env.Data, 1)
	assert.True(t, env.Meta.HasNext)
}

func TestHeartbeat(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n1", 4)).Code)

	w := s.do(t, http.MethodPost, "/api/v1/nodes/n1/heartbeat", models.Heartbeat{Utilization: 0.7, GPUsVisible: 4})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	raw, ok, err := s.cache.Get(context.Background(), cache.HeartbeatKey("n1"))
	require.NoError(t, err)
	require.True(t, ok)
	var hb models.Heartbeat
	require.NoError(t, json.Unmarshal(raw, &hb))
	assert.Equal(t, "n1", hb.NodeID)
	assert.InDelta(t, 0.7, hb.Utilization, 1e-9)

	w = s.do(t, http.MethodPost, "/api/v1/nodes/n1/heartbeat", models.Heartbeat{Utilization: 1.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/nodes/ghost/heartbeat", models.Heartbeat{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsAndDecisions(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/nodes", nodeBody("n1", 4)).Code)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/jobs", models.Requirements{GPUs: 1}).Code)
	}

	w := s.do(t, http.MethodGet, "/api/v1/routing/decisions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, data[[]models.RoutingDecision](t, w), 2)

	w = s.do(t, http.MethodGet, "/api/v1/events?type=job.assigned", nil)
	require.Equal(t, http.StatusOK, w.Code)
	evs := data[[]events.Event](t, w)
	assert.Len(t, evs, 3)
	for _, e := range evs {
		assert.Equal(t, events.TypeJobAssigned, e.Type)
	}

	w = s.do(t, http.MethodGet, "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, data[[]events.Event](t, w), 6, "three decisions and three assignments")
}

func TestHealthHandler(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	s.store.SetUnavailable(errors.New("connection refused"))
	w = s.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "DEGRADED", errCode(t, w))
}
