package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/gpufleet/internal/api/response"
	"github.com/kiranshivaraju/gpufleet/internal/cache"
	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/internal/health"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

const defaultRecentLimit = 100

// EventLog returns recent observability events, oldest first.
type EventLog interface {
	Recent(limit int, types ...events.Type) []events.Event
}

// DecisionLog returns recent routing decisions, newest first.
type DecisionLog interface {
	Decisions(limit int) []models.RoutingDecision
}

// Pinger is anything whose connectivity the health endpoint reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHeartbeatHandler returns an http.HandlerFunc for
// POST /api/v1/nodes/{nodeID}/heartbeat. Heartbeats expire after ttl.
func NewHeartbeatHandler(reg NodeRegistry, c cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "nodeID")
		if _, err := reg.Get(id); err != nil {
			writeError(w, r, err)
			return
		}
		var hb models.Heartbeat
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if hb.Utilization < 0 || hb.Utilization > 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "utilization must be within [0, 1]", nil)
			return
		}
		hb.NodeID = id
		hb.At = time.Now().UTC()
		if err := health.RecordHeartbeat(r.Context(), c, hb, ttl); err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, hb)
	}
}

// NewEventsHandler returns an http.HandlerFunc for GET /api/v1/events.
// Supports ?type=failover.completed,failover.sla_breach and ?limit=.
func NewEventsHandler(log EventLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := limitParam(w, r)
		if !ok {
			return
		}
		var types []events.Type
		if raw := r.URL.Query().Get("type"); raw != "" {
			for _, t := range strings.Split(raw, ",") {
				types = append(types, events.Type(strings.TrimSpace(t)))
			}
		}
		list := log.Recent(limit, types...)
		if list == nil {
			list = []events.Event{}
		}
		response.JSON(w, list)
	}
}

// NewDecisionsHandler returns an http.HandlerFunc for
// GET /api/v1/routing/decisions.
func NewDecisionsHandler(log DecisionLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := limitParam(w, r)
		if !ok {
			return
		}
		list := log.Decisions(limit)
		if list == nil {
			list = []models.RoutingDecision{}
		}
		response.JSON(w, list)
	}
}

// NewHealthHandler reports the connectivity of every dependency and the age
// of the last health snapshot. A nil cache is reported as disabled.
func NewHealthHandler(db Pinger, c Pinger, snapshot func() health.Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"monitor":  "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		snap := snapshot()
		if snap.TakenAt.IsZero() {
			checks["monitor"] = "starting"
		}

		if checks["database"] == "degraded" || checks["cache"] == "degraded" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":        "ok",
			"services":      checks,
			"nodes_tracked": len(snap.Nodes),
			"snapshot_at":   snap.TakenAt,
		})
	}
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultRecentLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
		return 0, false
	}
	return min(n, maxListLimit), true
}
