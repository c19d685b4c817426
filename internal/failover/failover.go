// Package failover moves jobs off nodes the health monitor declares failed
// and measures each move against the recovery target.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/checkpoint"
	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/internal/health"
	"github.com/kiranshivaraju/gpufleet/internal/jobs"
	"github.com/kiranshivaraju/gpufleet/internal/router"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Jobs is the migration protocol of the jobs service.
type Jobs interface {
	ActiveOnNode(ctx context.Context, nodeID string) ([]*models.Job, error)
	Interrupted(ctx context.Context) ([]*models.Job, error)
	BeginMigration(ctx context.Context, id uuid.UUID, fromNode string) (context.Context, error)
	AwaitMigration(ctx context.Context, id uuid.UUID) error
	ReleaseReservation(ctx context.Context, id uuid.UUID) error
	CompleteMigration(ctx context.Context, id uuid.UUID, toNode string, restoredSeq int64) error
	FailMigration(ctx context.Context, id uuid.UUID, reason string) error
	EndMigration(id uuid.UUID)
}

type Router interface {
	Route(ctx context.Context, req router.Request) (*models.RoutingDecision, error)
}

type Restorer interface {
	Restore(ctx context.Context, jobID uuid.UUID) ([]byte, *models.Checkpoint, error)
}

// HealthEvents is the source of node state transitions and current health.
type HealthEvents interface {
	Subscribe() *health.Subscription
	Snapshot() health.Snapshot
}

// Dispatcher hands restored state to the node that takes the job over.
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeID string, jobID uuid.UUID, seq int64, payload []byte) error
}

// maxReroutes bounds how often one migration picks a new destination after
// the chosen one left healthy.
const maxReroutes = 3

type Config struct {
	SLATarget   time.Duration
	Concurrency int
	// RetryInitial and RetryMax shape the backoff between attempts to list
	// a failed node's jobs.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

type Manager struct {
	cfg        Config
	store      store.Store
	jobs       Jobs
	router     Router
	restorer   Restorer
	source     HealthEvents
	dispatcher Dispatcher
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

type Option func(*Manager)

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(cfg Config, st store.Store, j Jobs, rt Router, restorer Restorer, source HealthEvents, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = 10 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		store:    st,
		jobs:     j,
		router:   rt,
		restorer: restorer,
		source:   source,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run handles health transitions until ctx ends. Each failed node is handled
// on its own goroutine; Run waits for them before returning. Migrations left
// unfinished by a previous shutdown are resumed first.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.source.Subscribe()
	defer sub.Close()
	defer m.wg.Wait()

	m.resumeInterrupted(ctx)

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, health.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read health events: %w", err)
		}
		if e.To != models.HealthFailed {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.HandleFailure(ctx, e); err != nil {
				m.logger.Error("node failover", "node_id", e.NodeID, "error", err)
			}
		}()
	}
}

func (m *Manager) resumeInterrupted(ctx context.Context) {
	stranded, err := m.jobs.Interrupted(ctx)
	if err != nil {
		m.logger.Error("list interrupted migrations", "error", err)
		return
	}
	if len(stranded) == 0 {
		return
	}
	m.logger.Warn("resuming interrupted migrations", "jobs", len(stranded))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.Concurrency)
		for _, job := range stranded {
			g.Go(func() error {
				m.migrate(gctx, job, "", job.UpdatedAt)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// HandleFailure migrates every job that depends on the failed node and
// returns the recorded failover events. A job another trigger is already
// migrating is waited for and then moved again if it landed on this node.
func (m *Manager) HandleFailure(ctx context.Context, e models.HealthEvent) ([]*models.FailoverEvent, error) {
	active, err := m.activeOnNode(ctx, e.NodeID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		m.logger.Info("failed node had no running jobs", "node_id", e.NodeID)
		return nil, nil
	}
	m.logger.Warn("failing over node", "node_id", e.NodeID, "jobs", len(active))

	detected := e.ObservedAt
	if detected.IsZero() {
		detected = m.now()
	}

	var (
		mu  sync.Mutex
		out []*models.FailoverEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, job := range active {
		g.Go(func() error {
			ev := m.migrate(gctx, job, e.NodeID, detected)
			if ev != nil {
				mu.Lock()
				out = append(out, ev)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// activeOnNode retries the lookup with backoff until it succeeds or ctx
// ends. A failed transition is delivered once, so giving up would strand
// the node's jobs.
func (m *Manager) activeOnNode(ctx context.Context, nodeID string) ([]*models.Job, error) {
	var active []*models.Job
	lookup := func() error {
		var err error
		active, err = m.jobs.ActiveOnNode(ctx, nodeID)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitial
	b.MaxInterval = m.cfg.RetryMax
	b.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("list jobs on failed node, retrying", "node_id", nodeID, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(lookup, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return active, nil
}

// begin takes the job's migration slot, waiting out a migration already in
// flight. It returns nil when the job no longer needs moving off from.
func (m *Manager) begin(ctx context.Context, id uuid.UUID, from string) context.Context {
	for {
		mctx, err := m.jobs.BeginMigration(ctx, id, from)
		switch {
		case err == nil:
			return mctx
		case errors.Is(err, jobs.ErrMigrationInProgress):
			m.logger.Debug("waiting for migration in flight", "job_id", id, "node_id", from)
			if err := m.jobs.AwaitMigration(ctx, id); err != nil {
				return nil
			}
		case errors.Is(err, jobs.ErrNotOnNode), errors.Is(err, jobs.ErrJobTerminal):
			m.logger.Debug("skipping failover", "job_id", id, "node_id", from, "error", err)
			return nil
		default:
			m.logger.Error("begin migration", "job_id", id, "node_id", from, "error", err)
			return nil
		}
	}
}

func (m *Manager) migrate(ctx context.Context, job *models.Job, from string, detected time.Time) *models.FailoverEvent {
	mctx := m.begin(ctx, job.ID, from)
	if mctx == nil {
		return nil
	}
	defer m.jobs.EndMigration(job.ID)

	ev := &models.FailoverEvent{
		ID:         uuid.New(),
		JobID:      job.ID,
		SourceNode: from,
		DetectedAt: detected,
	}

	var exclude []string
	if from != "" {
		exclude = append(exclude, from)
	}
	var (
		dest     string
		payload  []byte
		restored bool
	)
	for attempt := 0; ; attempt++ {
		decision, err := m.router.Route(mctx, router.Request{
			JobID:        job.ID,
			Requirements: job.Requirements,
			Exclude:      exclude,
		})
		if err != nil {
			return m.fail(ctx, mctx, ev, models.FailoverNoCapacity, err)
		}
		dest = decision.ChosenNode
		ev.DestNode = &dest

		if !restored {
			p, cp, err := m.restorer.Restore(mctx, job.ID)
			switch {
			case err == nil:
				ev.RestoredSeq = cp.Seq
			case errors.Is(err, checkpoint.ErrNoCheckpoint):
				m.logger.Info("no checkpoint, restarting from empty state", "job_id", job.ID, "node_id", dest)
			default:
				return m.fail(ctx, mctx, ev, models.FailoverRestoreFailed, err)
			}
			payload, restored = p, true
		}

		if m.dispatcher != nil {
			if err := m.dispatcher.Dispatch(mctx, dest, job.ID, ev.RestoredSeq, payload); err != nil {
				m.logger.Warn("dispatch restored state", "job_id", job.ID, "node_id", dest, "seq", ev.RestoredSeq, "error", err)
			}
		}

		state := m.state(dest)
		if state == models.HealthHealthy {
			break
		}
		if attempt >= maxReroutes {
			return m.fail(ctx, mctx, ev, models.FailoverNoCapacity,
				fmt.Errorf("destination %s is %s after %d reroutes", dest, state, attempt))
		}
		m.logger.Warn("failover destination left healthy, rerouting",
			"job_id", job.ID, "node_id", dest, "state", state)
		if err := m.jobs.ReleaseReservation(mctx, job.ID); err != nil {
			return m.fail(ctx, mctx, ev, models.FailoverNoCapacity, err)
		}
		exclude = append(exclude, dest)
	}

	if err := m.jobs.CompleteMigration(mctx, job.ID, dest, ev.RestoredSeq); err != nil {
		if errors.Is(err, jobs.ErrMigrationAborted) {
			ev.Outcome = models.FailoverAborted
			return m.record(ctx, ev, err)
		}
		return m.fail(ctx, mctx, ev, models.FailoverAborted, err)
	}

	ev.Outcome = models.FailoverSucceeded
	return m.record(ctx, ev, nil)
}

// state is the node's last observed health. Nodes not probed yet count as
// healthy, as they do for routing.
func (m *Manager) state(nodeID string) models.HealthState {
	h, ok := m.source.Snapshot().Nodes[nodeID]
	if !ok {
		return models.HealthHealthy
	}
	return h.State
}

// fail settles a migration that cannot complete. A job that finished on its
// own is recorded as aborted. On shutdown nothing is recorded and the job
// stays migrating so the next Run resumes it. Otherwise the job is marked
// failed.
func (m *Manager) fail(ctx, mctx context.Context, ev *models.FailoverEvent, outcome models.FailoverOutcome, cause error) *models.FailoverEvent {
	if errors.Is(context.Cause(mctx), jobs.ErrMigrationAborted) {
		ev.Outcome = models.FailoverAborted
		return m.record(ctx, ev, cause)
	}
	if ctx.Err() != nil {
		m.logger.Warn("failover interrupted, job left migrating", "job_id", ev.JobID, "error", cause)
		return nil
	}

	ev.Outcome = outcome
	if err := m.jobs.FailMigration(ctx, ev.JobID, string(outcome)+": "+cause.Error()); err != nil {
		if errors.Is(err, jobs.ErrMigrationAborted) {
			ev.Outcome = models.FailoverAborted
		} else {
			m.logger.Error("fail migration", "job_id", ev.JobID, "error", err)
		}
	}
	return m.record(ctx, ev, cause)
}

func (m *Manager) record(ctx context.Context, ev *models.FailoverEvent, cause error) *models.FailoverEvent {
	ev.CompletedAt = m.now()
	ev.SLABreach = ev.RecoveryTime() > m.cfg.SLATarget
	if cause != nil {
		msg := cause.Error()
		ev.ErrorMessage = &msg
	}

	bg := context.WithoutCancel(ctx)
	if err := m.store.CreateFailoverEvent(bg, ev); err != nil {
		m.logger.Error("record failover event", "job_id", ev.JobID, "error", err)
	}
	events.Emit(bg, m.publisher, m.logger, events.Event{
		Type: events.TypeFailover, Key: ev.JobID.String(), At: ev.CompletedAt, Payload: ev,
	})
	if ev.SLABreach {
		m.logger.Warn("failover exceeded recovery target",
			"job_id", ev.JobID, "recovery_time", ev.RecoveryTime(), "target", m.cfg.SLATarget)
		events.Emit(bg, m.publisher, m.logger, events.Event{
			Type: events.TypeSLABreach, Key: ev.JobID.String(), At: ev.CompletedAt, Payload: ev,
		})
	}
	m.logger.Info("failover finished",
		"job_id", ev.JobID, "node_id", ev.SourceNode, "outcome", ev.Outcome,
		"restored_seq", ev.RestoredSeq, "recovery_time", ev.RecoveryTime())
	return ev
}

// Events lists the recorded failovers of a job.
func (m *Manager) Events(ctx context.Context, jobID uuid.UUID) ([]*models.FailoverEvent, error) {
	list, err := m.store.ListFailoverEvents(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list failover events: %w", err)
	}
	return list, nil
}
