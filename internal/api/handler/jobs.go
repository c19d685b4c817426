package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/api/response"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// MaxCheckpointBytes bounds a single checkpoint upload.
	MaxCheckpointBytes = 64 << 20
)

// JobService defines the job operations the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req models.Requirements) (*models.Job, *models.RoutingDecision, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	Status(ctx context.Context, id uuid.UUID) (*models.JobStatusView, error)
	Complete(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Job, error)
	Checkpoint(ctx context.Context, id uuid.UUID, payload []byte, wait bool) (*models.Checkpoint, error)
}

// FailoverLog lists recorded failovers of a job.
type FailoverLog interface {
	Events(ctx context.Context, jobID uuid.UUID) ([]*models.FailoverEvent, error)
}

type submitResponse struct {
	Job      *models.Job             `json:"job"`
	Decision *models.RoutingDecision `json:"decision"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.Requirements
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, decision, err := svc.Submit(r.Context(), req)
		if err != nil {
			if job != nil {
				// The job exists and was recorded as failed.
				w.Header().Set("X-Job-ID", job.ID.String())
			}
			writeError(w, r, err)
			return
		}
		response.Created(w, submitResponse{Job: job, Decision: decision})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Supports ?node_id=, ?status=running,migrating and ?limit=.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{NodeID: q.Get("node_id"), Limit: defaultListLimit}

		if raw := q.Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				st, err := models.ParseJobStatus(strings.TrimSpace(s))
				if err != nil {
					response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
					return
				}
				filter.Statuses = append(filter.Statuses, st)
			}
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			filter.Limit = min(n, maxListLimit)
		}

		list, err := svc.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		response.Collection(w, list, response.FirstPage(filter.Limit, len(list)))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		view, err := svc.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewCompleteJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/complete.
func NewCompleteJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := svc.Complete(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel. The body is optional.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		job, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewCheckpointHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/checkpoints. The raw body is the payload. With
// ?wait=true the response is sent once the checkpoint is durable.
func NewCheckpointHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxCheckpointBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Checkpoint payload is too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read checkpoint payload", nil)
			return
		}

		cp, err := svc.Checkpoint(r.Context(), id, payload, wait)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if wait {
			response.Created(w, cp)
			return
		}
		response.Accepted(w, cp)
	}
}

// NewFailoversHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/failovers.
func NewFailoversHandler(log FailoverLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		list, err := log.Events(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.FailoverEvent{}
		}
		response.JSON(w, list)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
