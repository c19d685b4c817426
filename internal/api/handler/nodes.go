package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/gpufleet/internal/api/response"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

// NodeRegistry defines the registry operations the handlers depend on.
type NodeRegistry interface {
	Register(ctx context.Context, d models.NodeDescriptor) (string, error)
	Get(id string) (*models.Node, error)
	List() []*models.Node
	UpdateCapacity(ctx context.Context, id string, capacityGPUs int, price *float64) error
	UpdateEligibility(ctx context.Context, id string, eligible bool) error
	Deregister(ctx context.Context, id string) error
}

// HealthReader reports the monitor's view of a node.
type HealthReader interface {
	Health(id string) models.NodeHealth
}

type nodeView struct {
	*models.Node
	Health models.NodeHealth `json:"health"`
}

// NewRegisterNodeHandler returns an http.HandlerFunc for POST /api/v1/nodes.
func NewRegisterNodeHandler(reg NodeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d models.NodeDescriptor
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		id, err := reg.Register(r.Context(), d)
		if err != nil {
			writeError(w, r, err)
			return
		}
		node, err := reg.Get(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, node)
	}
}

// NewListNodesHandler returns an http.HandlerFunc for GET /api/v1/nodes.
func NewListNodesHandler(reg NodeRegistry, hr HealthReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes := reg.List()
		out := make([]nodeView, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, nodeView{Node: n, Health: hr.Health(n.ID)})
		}
		response.JSON(w, out)
	}
}

// NewGetNodeHandler returns an http.HandlerFunc for GET /api/v1/nodes/{nodeID}.
func NewGetNodeHandler(reg NodeRegistry, hr HealthReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := reg.Get(chi.URLParam(r, "nodeID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, nodeView{Node: node, Health: hr.Health(node.ID)})
	}
}

// NewUpdateCapacityHandler returns an http.HandlerFunc for
// PATCH /api/v1/nodes/{nodeID}/capacity.
func NewUpdateCapacityHandler(reg NodeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CapacityGPUs *int     `json:"capacity_gpus"`
			PricePerHour *float64 `json:"price_per_hour"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.CapacityGPUs == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "capacity_gpus is required", nil)
			return
		}
		id := chi.URLParam(r, "nodeID")
		if err := reg.UpdateCapacity(r.Context(), id, *req.CapacityGPUs, req.PricePerHour); err != nil {
			writeError(w, r, err)
			return
		}
		node, err := reg.Get(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, node)
	}
}

// NewUpdateEligibilityHandler returns an http.HandlerFunc for
// PATCH /api/v1/nodes/{nodeID}/eligibility.
func NewUpdateEligibilityHandler(reg NodeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Eligible *bool `json:"eligible"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Eligible == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "eligible is required", nil)
			return
		}
		id := chi.URLParam(r, "nodeID")
		if err := reg.UpdateEligibility(r.Context(), id, *req.Eligible); err != nil {
			writeError(w, r, err)
			return
		}
		node, err := reg.Get(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, node)
	}
}

// NewDeregisterNodeHandler returns an http.HandlerFunc for
// DELETE /api/v1/nodes/{nodeID}.
func NewDeregisterNodeHandler(reg NodeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Deregister(r.Context(), chi.URLParam(r, "nodeID")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
