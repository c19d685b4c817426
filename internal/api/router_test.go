package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/api"
	mw "github.com/kiranshivaraju/gpufleet/internal/api/middleware"
	"github.com/kiranshivaraju/gpufleet/internal/cache"
	"github.com/kiranshivaraju/gpufleet/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- stub cache ---

type stubCache struct{}

func (c *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *stubCache) Delete(_ context.Context, _ string) error                          { return nil }
func (c *stubCache) Ping(_ context.Context) error                                      { return nil }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- router tests ---

const submitKey = "gf_submit_1234567890"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(submitKey), bcrypt.MinCost)
	require.NoError(t, err)
	keys := []config.APIKey{{Name: "ci", Hash: string(hash), Scopes: []string{mw.ScopeSubmit}}}

	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
	return api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(keys),
		RateLimit:     mw.NewRateLimit(&stubCache{}, 60),
		HealthHandler: ok,
		SubmitJob:     ok,
		ListJobs:      ok,
		RegisterNode:  ok,
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs"},
		{"POST", "/api/v1/jobs/6f1c1f0e-8a51-4c55-9d4e-6a1b8e1f2a3b/checkpoints"},
		{"POST", "/api/v1/nodes"},
		{"DELETE", "/api/v1/nodes/n1"},
		{"POST", "/api/v1/nodes/n1/heartbeat"},
		{"GET", "/api/v1/events"},
		{"GET", "/api/v1/routing/decisions"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_ScopeSeparation(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"POST", "/api/v1/jobs", http.StatusOK},
		{"GET", "/api/v1/jobs", http.StatusOK},
		{"POST", "/api/v1/nodes", http.StatusForbidden},
		{"GET", "/api/v1/routing/decisions", http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+submitKey)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// Verify unused interfaces are satisfied
var _ cache.Cache = (*stubCache)(nil)
