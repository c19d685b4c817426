package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/gpufleet/internal/api/response"
	"github.com/kiranshivaraju/gpufleet/internal/checkpoint"
	"github.com/kiranshivaraju/gpufleet/internal/jobs"
	"github.com/kiranshivaraju/gpufleet/internal/registry"
	"github.com/kiranshivaraju/gpufleet/internal/router"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorTable maps domain errors to stable API codes. Order matters: the
// first match wins.
var errorTable = []errorMapping{
	{registry.ErrDuplicateNode, http.StatusConflict, "DUPLICATE_NODE", "A node with this id is already registered"},
	{registry.ErrNodeNotFound, http.StatusNotFound, "NODE_NOT_FOUND", "Node not found"},
	{registry.ErrNodeBusy, http.StatusConflict, "NODE_BUSY", "Node still has active jobs"},
	{registry.ErrCapacityInUse, http.StatusConflict, "CAPACITY_IN_USE", "Capacity is below the GPUs currently in use"},
	{registry.ErrInvalidDescriptor, http.StatusBadRequest, "INVALID_REQUEST", "Invalid node descriptor"},
	{registry.ErrServiceUnavailable, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "The node registry is unavailable"},
	{router.ErrNoCapacity, http.StatusServiceUnavailable, "NO_CAPACITY", "No eligible node has capacity for the job"},
	{jobs.ErrJobNotFound, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found"},
	{jobs.ErrJobTerminal, http.StatusConflict, "JOB_TERMINAL", "Job has already finished"},
	{jobs.ErrMigrationInProgress, http.StatusConflict, "MIGRATION_IN_PROGRESS", "Job is being migrated"},
	{jobs.ErrInvalidRequirements, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job requirements"},
	{checkpoint.ErrNoCheckpoint, http.StatusNotFound, "NO_CHECKPOINT", "Job has no committed checkpoint"},
	{checkpoint.ErrRestoreFailed, http.StatusInternalServerError, "RESTORE_FAILED", "Checkpoint could not be restored"},
	{checkpoint.ErrQueueFull, http.StatusServiceUnavailable, "QUEUE_FULL", "Checkpoint queue is full"},
	{checkpoint.ErrNotDurable, http.StatusServiceUnavailable, "NOT_DURABLE", "Checkpoint could not be persisted"},
	{checkpoint.ErrClosed, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Checkpointing is shutting down"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT", "The request timed out"},
}

// writeError answers with the envelope for err. Unmapped errors are logged
// and reported as internal errors.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			response.Error(w, m.status, m.code, m.message, map[string]string{"reason": err.Error()})
			return
		}
	}
	slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}
