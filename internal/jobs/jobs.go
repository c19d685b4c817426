// Package jobs owns the job lifecycle shared by placement, checkpointing and
// failover. Every status change goes through a Service so that terminal
// transitions and migrations cannot interleave.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/cache"
	"github.com/kiranshivaraju/gpufleet/internal/checkpoint"
	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/internal/router"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobTerminal         = errors.New("job already finished")
	ErrMigrationInProgress = errors.New("job migration already in progress")
	ErrNotOnNode           = errors.New("job is not running on the node")
	ErrMigrationAborted    = errors.New("job finished during migration")
	ErrInvalidRequirements = errors.New("invalid job requirements")
)

// Router places a job and reserves capacity for it.
type Router interface {
	Route(ctx context.Context, req router.Request) (*models.RoutingDecision, error)
}

// Registry holds the capacity reservations of jobs.
type Registry interface {
	Release(ctx context.Context, jobID uuid.UUID) error
	Assignments(nodeID string) []models.Assignment
}

// Checkpoints is the part of the checkpoint manager the job lifecycle needs.
type Checkpoints interface {
	Checkpoint(ctx context.Context, jobID uuid.UUID, payload []byte) (*models.Checkpoint, error)
	CheckpointSync(ctx context.Context, jobID uuid.UUID, payload []byte) (*models.Checkpoint, error)
	Latest(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error)
	Release(ctx context.Context, jobID uuid.UUID) error
}

type Config struct {
	StatusTTL time.Duration
}

type Service struct {
	cfg         Config
	store       store.Store
	router      Router
	registry    Registry
	checkpoints Checkpoints
	cache       cache.Cache
	publisher   events.Publisher
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	jobLocks   map[uuid.UUID]*sync.Mutex
	migrations map[uuid.UUID]*migration
}

// migration is an in-flight move. done is closed by EndMigration.
type migration struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithCache enables the status cache.
func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, st store.Store, rt Router, reg Registry, cps Checkpoints, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg,
		store:       st,
		router:      rt,
		registry:    reg,
		checkpoints: cps,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		jobLocks:    make(map[uuid.UUID]*sync.Mutex),
		migrations:  make(map[uuid.UUID]*migration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lockJob(id uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.jobLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func validate(req models.Requirements) error {
	if req.GPUs < 0 {
		return fmt.Errorf("%w: gpus must not be negative", ErrInvalidRequirements)
	}
	if req.Spec.MemoryGB < 0 {
		return fmt.Errorf("%w: memory_gb must not be negative", ErrInvalidRequirements)
	}
	return nil
}

// Submit creates a job, routes it and starts it on the chosen node. When no
// node can take the job it is recorded as failed and the routing error is
// returned together with the failed job.
func (s *Service) Submit(ctx context.Context, req models.Requirements) (*models.Job, *models.RoutingDecision, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}
	if req.GPUs == 0 {
		req.GPUs = 1
	}

	now := s.now()
	job := &models.Job{
		ID:           uuid.New(),
		Requirements: req,
		Status:       models.JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("create job: %w", err)
	}

	unlock := s.lockJob(job.ID)
	defer unlock()

	decision, err := s.router.Route(ctx, router.Request{JobID: job.ID, Requirements: req})
	if err != nil {
		s.logger.Warn("job placement failed", "job_id", job.ID, "error", err)
		if ferr := s.store.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, models.JobStatusFailed,
			store.WithErrorMessage(err.Error())); ferr != nil {
			s.logger.Error("mark job failed", "job_id", job.ID, "error", ferr)
		}
		if failed, gerr := s.store.GetJob(context.WithoutCancel(ctx), job.ID); gerr == nil {
			job = failed
		}
		return job, nil, err
	}

	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, store.WithNodeID(decision.ChosenNode)); err != nil {
		bg := context.WithoutCancel(ctx)
		if rerr := s.registry.Release(bg, job.ID); rerr != nil {
			s.logger.Error("release reservation", "job_id", job.ID, "node_id", decision.ChosenNode, "error", rerr)
		}
		return nil, decision, fmt.Errorf("start job: %w", err)
	}

	started, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, decision, fmt.Errorf("read job: %w", err)
	}
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type: events.TypeJobAssigned,
		Key:  job.ID.String(),
		Payload: map[string]any{
			"job_id":      job.ID,
			"node_id":     decision.ChosenNode,
			"decision_id": decision.ID,
		},
	})
	s.logger.Info("job started", "job_id", job.ID, "node_id", decision.ChosenNode, "gpus", req.GPUs)
	return started, decision, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	list, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return list, nil
}

// Status answers a status query from the cache when possible. Cache
// failures fall back to the store.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*models.JobStatusView, error) {
	key := cache.JobStatusKey(id)
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("job status cache read", "job_id", id, "error", err)
		}
		if ok {
			var view models.JobStatusView
			if err := json.Unmarshal(raw, &view); err == nil {
				return &view, nil
			}
		}
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &models.JobStatusView{
		ID:        job.ID,
		Status:    job.Status,
		NodeID:    job.NodeID,
		UpdatedAt: job.UpdatedAt,
	}
	cp, err := s.checkpoints.Latest(ctx, id)
	switch {
	case err == nil:
		view.LastCheckpointSeq = cp.Seq
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
	default:
		return nil, err
	}

	if s.cache != nil && s.cfg.StatusTTL > 0 {
		if raw, err := json.Marshal(view); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cfg.StatusTTL); err != nil {
				s.logger.Warn("job status cache write", "job_id", id, "error", err)
			}
		}
	}
	return view, nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(context.WithoutCancel(ctx), cache.JobStatusKey(id)); err != nil {
		s.logger.Warn("job status cache invalidate", "job_id", id, "error", err)
	}
}

// Complete marks the job completed and frees its node capacity and
// checkpoints.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.finish(ctx, id, models.JobStatusCompleted, "")
}

// Cancel stops the job. A migration in flight is aborted.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Job, error) {
	return s.finish(ctx, id, models.JobStatusCancelled, reason)
}

func (s *Service) finish(ctx context.Context, id uuid.UUID, status models.JobStatus, reason string) (*models.Job, error) {
	unlock := s.lockJob(id)
	defer unlock()

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
	}

	s.mu.Lock()
	if mig, ok := s.migrations[id]; ok {
		mig.cancel(ErrMigrationAborted)
	}
	s.mu.Unlock()

	var opts []store.JobUpdateOption
	if reason != "" {
		opts = append(opts, store.WithErrorMessage(reason))
	}
	if err := s.store.UpdateJobStatus(ctx, id, status, opts...); err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	s.invalidate(ctx, id)

	bg := context.WithoutCancel(ctx)
	if err := s.registry.Release(bg, id); err != nil {
		s.logger.Error("release assignment", "job_id", id, "error", err)
	}
	if err := s.checkpoints.Release(bg, id); err != nil {
		s.logger.Error("release checkpoints", "job_id", id, "error", err)
	}

	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type: events.TypeJobFinished,
		Key:  id.String(),
		Payload: map[string]any{
			"job_id": id,
			"status": status,
			"reason": reason,
		},
	})
	s.logger.Info("job finished", "job_id", id, "status", status)
	return s.Get(bg, id)
}

// Checkpoint records a checkpoint for a live job. With wait set it returns
// only after the write committed or exhausted its retries.
func (s *Service) Checkpoint(ctx context.Context, id uuid.UUID, payload []byte, wait bool) (*models.Checkpoint, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
	}
	var cp *models.Checkpoint
	if wait {
		cp, err = s.checkpoints.CheckpointSync(ctx, id, payload)
	} else {
		cp, err = s.checkpoints.Checkpoint(ctx, id, payload)
	}
	if cp != nil {
		s.invalidate(ctx, id)
	}
	return cp, err
}

// ActiveOnNode lists the live jobs that depend on the node: those running
// on it and those holding a reservation there, such as a job being placed
// or migrated onto it.
func (s *Service) ActiveOnNode(ctx context.Context, nodeID string) ([]*models.Job, error) {
	list, err := s.store.ListJobs(ctx, store.JobFilter{
		NodeID:   nodeID,
		Statuses: []models.JobStatus{models.JobStatusRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs on %s: %w", nodeID, err)
	}
	seen := make(map[uuid.UUID]bool, len(list))
	for _, job := range list {
		seen[job.ID] = true
	}
	for _, a := range s.registry.Assignments(nodeID) {
		if seen[a.JobID] {
			continue
		}
		job, err := s.store.GetJob(ctx, a.JobID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get job %s: %w", a.JobID, err)
		}
		if job.Status.Terminal() {
			continue
		}
		seen[job.ID] = true
		list = append(list, job)
	}
	return list, nil
}

// Interrupted lists jobs left in migrating status with no migration in
// flight, as happens when the process stops mid-failover.
func (s *Service) Interrupted(ctx context.Context) ([]*models.Job, error) {
	list, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusMigrating},
	})
	if err != nil {
		return nil, fmt.Errorf("list migrating jobs: %w", err)
	}
	out := list[:0]
	for _, job := range list {
		if !s.Migrating(job.ID) {
			out = append(out, job)
		}
	}
	return out, nil
}

// BeginMigration takes the job's migration slot and moves it off fromNode.
// A job already in migrating status with no migration in flight is adopted
// whatever fromNode says. The returned context is cancelled with
// ErrMigrationAborted when the job is completed or cancelled while the
// migration runs. Every successful call must be paired with EndMigration.
func (s *Service) BeginMigration(ctx context.Context, id uuid.UUID, fromNode string) (context.Context, error) {
	unlock := s.lockJob(id)
	defer unlock()

	s.mu.Lock()
	_, busy := s.migrations[id]
	s.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: %s", ErrMigrationInProgress, id)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
	}
	stranded := job.Status == models.JobStatusMigrating
	if !stranded && (job.Status != models.JobStatusRunning || job.NodeID == nil || *job.NodeID != fromNode) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotOnNode, id, fromNode)
	}

	if !stranded {
		if err := s.store.UpdateJobStatus(ctx, id, models.JobStatusMigrating, store.WithoutNode()); err != nil {
			return nil, fmt.Errorf("mark migrating: %w", err)
		}
		s.invalidate(ctx, id)
	}
	// Drops the failed node's assignment, or whatever reservation an
	// interrupted migration left behind.
	if err := s.registry.Release(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Error("release failed node assignment", "job_id", id, "node_id", fromNode, "error", err)
	}

	mctx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.migrations[id] = &migration{cancel: cancel, done: make(chan struct{})}
	s.mu.Unlock()

	s.logger.Info("job migration started", "job_id", id, "node_id", fromNode, "resumed", stranded)
	return mctx, nil
}

// AwaitMigration blocks until no migration of the job is in flight.
func (s *Service) AwaitMigration(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	mig, ok := s.migrations[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-mig.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseReservation drops the capacity a migrating job reserved on its
// destination so the migration can be routed elsewhere.
func (s *Service) ReleaseReservation(ctx context.Context, id uuid.UUID) error {
	unlock := s.lockJob(id)
	defer unlock()

	if err := s.registry.Release(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// CompleteMigration resumes the job on toNode. If the job finished in the
// meantime the reservation on toNode is released and ErrMigrationAborted
// is returned.
func (s *Service) CompleteMigration(ctx context.Context, id uuid.UUID, toNode string, restoredSeq int64) error {
	unlock := s.lockJob(id)
	defer unlock()

	bg := context.WithoutCancel(ctx)
	job, err := s.Get(bg, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		if err := s.registry.Release(bg, id); err != nil {
			s.logger.Error("release reservation", "job_id", id, "node_id", toNode, "error", err)
		}
		return fmt.Errorf("%w: %s is %s", ErrMigrationAborted, id, job.Status)
	}

	if err := s.store.UpdateJobStatus(bg, id, models.JobStatusRunning, store.WithNodeID(toNode)); err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	s.invalidate(bg, id)
	events.Emit(bg, s.publisher, s.logger, events.Event{
		Type: events.TypeJobAssigned,
		Key:  id.String(),
		Payload: map[string]any{
			"job_id":       id,
			"node_id":      toNode,
			"restored_seq": restoredSeq,
		},
	})
	s.logger.Info("job migration completed", "job_id", id, "node_id", toNode, "restored_seq", restoredSeq)
	return nil
}

// FailMigration marks the job failed and frees whatever it still holds,
// its checkpoints included.
func (s *Service) FailMigration(ctx context.Context, id uuid.UUID, reason string) error {
	unlock := s.lockJob(id)
	defer unlock()

	bg := context.WithoutCancel(ctx)
	if err := s.registry.Release(bg, id); err != nil {
		s.logger.Error("release reservation", "job_id", id, "error", err)
	}

	job, err := s.Get(bg, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrMigrationAborted, id, job.Status)
	}
	if err := s.store.UpdateJobStatus(bg, id, models.JobStatusFailed,
		store.WithoutNode(), store.WithErrorMessage(reason)); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	s.invalidate(bg, id)
	if err := s.checkpoints.Release(bg, id); err != nil {
		s.logger.Error("release checkpoints", "job_id", id, "error", err)
	}
	events.Emit(bg, s.publisher, s.logger, events.Event{
		Type: events.TypeJobFinished,
		Key:  id.String(),
		Payload: map[string]any{
			"job_id": id,
			"status": models.JobStatusFailed,
			"reason": reason,
		},
	})
	s.logger.Warn("job migration failed", "job_id", id, "reason", reason)
	return nil
}

// EndMigration frees the job's migration slot.
func (s *Service) EndMigration(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mig, ok := s.migrations[id]; ok {
		mig.cancel(nil)
		close(mig.done)
		delete(s.migrations, id)
	}
}

// Migrating reports whether a migration of the job is in flight.
func (s *Service) Migrating(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.migrations[id]
	return ok
}
