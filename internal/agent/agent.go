// Package agent is the process that runs on every GPU node. It answers the
// control plane's health probes, pushes heartbeats, and accepts restored
// checkpoints when a job fails over onto the node.
package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

// SeqHeader carries the checkpoint sequence number on restore requests.
const SeqHeader = "X-Checkpoint-Seq"

const maxRestoreBytes = 64 << 20

type Config struct {
	NodeID   string
	Interval time.Duration
}

// Restored is a checkpoint handed to this node by a failover.
type Restored struct {
	JobID      uuid.UUID `json:"job_id"`
	Seq        int64     `json:"seq"`
	Bytes      int       `json:"bytes"`
	RestoredAt time.Time `json:"restored_at"`
}

type Agent struct {
	cfg     Config
	gpus    Sampler
	sink    Sink
	logger  *slog.Logger
	failing atomic.Bool

	mu       sync.Mutex
	restored map[uuid.UUID]Restored
	payloads map[uuid.UUID][]byte
}

func New(cfg Config, gpus Sampler, sink Sink, logger *slog.Logger) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		gpus:     gpus,
		sink:     sink,
		logger:   logger.With("node_id", cfg.NodeID),
		restored: make(map[uuid.UUID]Restored),
		payloads: make(map[uuid.UUID][]byte),
	}
}

// Fail simulates a node outage: probes get 503 and heartbeats stop.
func (a *Agent) Fail() { a.failing.Store(true) }

// Recover undoes Fail.
func (a *Agent) Recover() { a.failing.Store(false) }

func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", a.healthz)
	r.Get("/jobs", a.listJobs)
	r.Post("/jobs/{jobID}/restore", a.restore)
	return r
}

// Payload returns the last checkpoint restored for the job.
func (a *Agent) Payload(jobID uuid.UUID) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.payloads[jobID]
	return p, ok
}

// Run sends a heartbeat every interval until ctx is done, then closes the sink.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.sink.Close(closeCtx); err != nil {
			a.logger.Warn("closing heartbeat sink", "error", err)
		}
	}()

	a.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	if a.failing.Load() {
		return
	}
	s := a.gpus.Sample()
	hb := models.Heartbeat{
		NodeID:      a.cfg.NodeID,
		Utilization: s.Utilization,
		GPUsVisible: s.GPUsVisible,
		At:          time.Now().UTC(),
	}
	if err := a.sink.Send(ctx, hb); err != nil && ctx.Err() == nil {
		a.logger.Warn("heartbeat failed", "error", err)
	}
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request) {
	if a.failing.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "failing"})
		return
	}
	writeJSON(w, http.StatusOK, a.gpus.Sample())
}

func (a *Agent) listJobs(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	list := make([]Restored, 0, len(a.restored))
	for _, rs := range a.restored {
		list = append(list, rs)
	}
	a.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].RestoredAt.Before(list[j].RestoredAt) })
	writeJSON(w, http.StatusOK, list)
}

func (a *Agent) restore(w http.ResponseWriter, r *http.Request) {
	if a.failing.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "failing"})
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	seq, err := strconv.ParseInt(r.Header.Get(SeqHeader), 10, 64)
	if err != nil || seq < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid " + SeqHeader})
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRestoreBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return
	}

	rs := Restored{JobID: jobID, Seq: seq, Bytes: len(payload), RestoredAt: time.Now().UTC()}
	a.mu.Lock()
	a.restored[jobID] = rs
	a.payloads[jobID] = payload
	a.mu.Unlock()

	a.logger.Info("job restored", "job_id", jobID, "seq", seq, "bytes", len(payload))
	writeJSON(w, http.StatusOK, rs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
