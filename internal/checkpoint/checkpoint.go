// Package checkpoint persists opaque job state asynchronously and restores
// the most recent durable copy after a failure.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/blobstore"
	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

var (
	ErrNoCheckpoint  = errors.New("no committed checkpoint")
	ErrRestoreFailed = errors.New("checkpoint restore failed")
	ErrQueueFull     = errors.New("checkpoint queue full")
	ErrNotDurable    = errors.New("checkpoint could not be made durable")
	ErrClosed        = errors.New("checkpoint manager closed")
)

const maxWarnings = 100

type Config struct {
	QueueSize      int
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// BlobKey is where the payload for a job's checkpoint lives. The zero-padded
// sequence keeps keys in sequence order.
func BlobKey(jobID uuid.UUID, seq int64) string {
	return fmt.Sprintf("checkpoints/%s/%020d", jobID, seq)
}

type result struct {
	cp  *models.Checkpoint
	err error
}

type writeTask struct {
	cp      models.Checkpoint
	payload []byte
	done    chan result
}

type Manager struct {
	cfg       Config
	store     store.Store
	blobs     blobstore.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	seqs     map[uuid.UUID]int64
	jobLocks map[uuid.UUID]*sync.Mutex

	closeMu sync.RWMutex
	closed  bool
	queue   chan writeTask
	wg      sync.WaitGroup

	warnMu   sync.Mutex
	warnings []models.DurabilityWarning
}

type Option func(*Manager)

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New starts cfg.Workers background writers. Call Close to drain them.
func New(cfg Config, s store.Store, blobs blobstore.Store, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	m := &Manager{
		cfg:      cfg,
		store:    s,
		blobs:    blobs,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		seqs:     make(map[uuid.UUID]int64),
		jobLocks: make(map[uuid.UUID]*sync.Mutex),
		queue:    make(chan writeTask, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *Manager) lockJob(jobID uuid.UUID) func() {
	m.mu.Lock()
	l, ok := m.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		m.jobLocks[jobID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Checkpoint records the payload as the job's next checkpoint and queues the
// durable write. It returns once the write is queued; the checkpoint is
// pending until a worker commits it. A full queue blocks until ctx ends.
func (m *Manager) Checkpoint(ctx context.Context, jobID uuid.UUID, payload []byte) (*models.Checkpoint, error) {
	cp, err := m.enqueue(ctx, jobID, payload, nil)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// CheckpointSync is Checkpoint followed by waiting for the write to commit
// or exhaust its retries.
func (m *Manager) CheckpointSync(ctx context.Context, jobID uuid.UUID, payload []byte) (*models.Checkpoint, error) {
	done := make(chan result, 1)
	cp, err := m.enqueue(ctx, jobID, payload, done)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.cp, res.err
	case <-ctx.Done():
		return cp, ctx.Err()
	}
}

func (m *Manager) enqueue(ctx context.Context, jobID uuid.UUID, payload []byte, done chan result) (*models.Checkpoint, error) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	cp, err := m.nextCheckpoint(ctx, jobID, payload)
	if err != nil {
		return nil, err
	}

	task := writeTask{cp: *cp, payload: append([]byte(nil), payload...), done: done}
	select {
	case m.queue <- task:
	case <-ctx.Done():
		if err := m.store.UpdateCheckpointStatus(context.WithoutCancel(ctx), cp.ID, models.CheckpointStatusFailed); err != nil {
			m.logger.Warn("mark unqueued checkpoint failed", "job_id", jobID, "seq", cp.Seq, "error", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}

	m.logger.Debug("checkpoint queued", "job_id", jobID, "seq", cp.Seq, "size", cp.Size)
	return cp, nil
}

// nextCheckpoint assigns the next sequence number and records the pending
// metadata. Sequence numbers never repeat for a job.
func (m *Manager) nextCheckpoint(ctx context.Context, jobID uuid.UUID, payload []byte) (*models.Checkpoint, error) {
	unlock := m.lockJob(jobID)
	defer unlock()

	m.mu.Lock()
	seq, known := m.seqs[jobID]
	m.mu.Unlock()
	if !known {
		last, err := m.store.MaxCheckpointSeq(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("read checkpoint sequence: %w", err)
		}
		seq = last
	}
	seq++

	sum := sha256.Sum256(payload)
	cp := &models.Checkpoint{
		ID:        uuid.New(),
		JobID:     jobID,
		Seq:       seq,
		BlobKey:   BlobKey(jobID, seq),
		Size:      len(payload),
		Digest:    hex.EncodeToString(sum[:]),
		Status:    models.CheckpointStatusPending,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("record checkpoint: %w", err)
	}

	m.mu.Lock()
	m.seqs[jobID] = seq
	m.mu.Unlock()
	return cp, nil
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for task := range m.queue {
		cp, err := m.write(task)
		if task.done != nil {
			task.done <- result{cp: cp, err: err}
		}
	}
}

func (m *Manager) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.MaxAttempts-1)), ctx)
}

func (m *Manager) write(task writeTask) (*models.Checkpoint, error) {
	ctx := context.Background()
	cp := task.cp

	attempts := 0
	put := func() error {
		attempts++
		return m.blobs.Put(ctx, cp.BlobKey, task.payload)
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("checkpoint write failed, retrying",
			"job_id", cp.JobID, "seq", cp.Seq, "attempt", attempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(put, m.policy(ctx), notify); err != nil {
		cp.Status = models.CheckpointStatusFailed
		if uerr := m.store.UpdateCheckpointStatus(ctx, cp.ID, models.CheckpointStatusFailed); uerr != nil {
			m.logger.Error("mark checkpoint failed", "job_id", cp.JobID, "seq", cp.Seq, "error", uerr)
		}
		m.warn(models.DurabilityWarning{JobID: cp.JobID, Seq: cp.Seq, Attempts: attempts, Error: err.Error(), At: m.now()})
		return &cp, fmt.Errorf("%w: seq %d after %d attempts: %w", ErrNotDurable, cp.Seq, attempts, err)
	}

	if err := m.store.UpdateCheckpointStatus(ctx, cp.ID, models.CheckpointStatusCommitted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Released while the write was in flight.
			_ = m.blobs.Delete(ctx, cp.BlobKey)
			return nil, fmt.Errorf("checkpoint %d for job %s was released", cp.Seq, cp.JobID)
		}
		m.logger.Error("commit checkpoint", "job_id", cp.JobID, "seq", cp.Seq, "error", err)
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	now := m.now()
	cp.Status = models.CheckpointStatusCommitted
	cp.CommittedAt = &now

	m.logger.Info("checkpoint committed", "job_id", cp.JobID, "seq", cp.Seq, "size", cp.Size, "attempts", attempts)
	events.Emit(ctx, m.publisher, m.logger, events.Event{
		Type: events.TypeCheckpointCommit, Key: cp.JobID.String(), At: now,
		Payload: map[string]any{"seq": cp.Seq, "size": cp.Size},
	})

	if err := m.prune(ctx, cp.JobID); err != nil {
		m.logger.Warn("checkpoint retention failed", "job_id", cp.JobID, "error", err)
	}
	return &cp, nil
}

func (m *Manager) warn(w models.DurabilityWarning) {
	m.warnMu.Lock()
	m.warnings = append(m.warnings, w)
	if len(m.warnings) > maxWarnings {
		m.warnings = m.warnings[len(m.warnings)-maxWarnings:]
	}
	m.warnMu.Unlock()

	m.logger.Warn("checkpoint not durable",
		"job_id", w.JobID, "seq", w.Seq, "attempts", w.Attempts, "error", w.Error)
	events.Emit(context.Background(), m.publisher, m.logger, events.Event{
		Type: events.TypeDurabilityWarning, Key: w.JobID.String(), At: w.At, Payload: w,
	})
}

// Warnings returns the most recent durability warnings, oldest first.
func (m *Manager) Warnings() []models.DurabilityWarning {
	m.warnMu.Lock()
	defer m.warnMu.Unlock()
	return append([]models.DurabilityWarning(nil), m.warnings...)
}

// prune deletes committed checkpoints older than the newest committed one,
// keeping any a restore was attempted against, and removes failed ones.
func (m *Manager) prune(ctx context.Context, jobID uuid.UUID) error {
	unlock := m.lockJob(jobID)
	defer unlock()

	all, err := m.store.ListCheckpoints(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	var newest int64
	for _, c := range all {
		if c.Status == models.CheckpointStatusCommitted && c.Seq > newest {
			newest = c.Seq
		}
	}

	var errs []error
	for _, c := range all {
		stale := c.Status == models.CheckpointStatusCommitted && c.Seq < newest && !c.RestoreAttempted
		if !stale && c.Status != models.CheckpointStatusFailed {
			continue
		}
		if err := m.remove(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(ctx context.Context, c *models.Checkpoint) error {
	if err := m.blobs.Delete(ctx, c.BlobKey); err != nil {
		return fmt.Errorf("delete blob %s: %w", c.BlobKey, err)
	}
	if err := m.store.DeleteCheckpoint(ctx, c.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete checkpoint %d: %w", c.Seq, err)
	}
	return nil
}

// Restore reads the job's highest committed checkpoint and verifies it.
// The checkpoint is marked restore-attempted first so retention keeps it.
func (m *Manager) Restore(ctx context.Context, jobID uuid.UUID) ([]byte, *models.Checkpoint, error) {
	cp, err := m.pinLatest(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	var payload []byte
	read := func() error {
		b, err := m.blobs.Get(ctx, cp.BlobKey)
		if errors.Is(err, blobstore.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		sum := sha256.Sum256(b)
		if hex.EncodeToString(sum[:]) != cp.Digest {
			return backoff.Permanent(fmt.Errorf("digest mismatch for seq %d", cp.Seq))
		}
		payload = b
		return nil
	}
	if err := backoff.Retry(read, m.policy(ctx)); err != nil {
		m.logger.Error("checkpoint restore failed", "job_id", jobID, "seq", cp.Seq, "error", err)
		return nil, cp, fmt.Errorf("%w: job %s seq %d: %w", ErrRestoreFailed, jobID, cp.Seq, err)
	}

	m.logger.Info("checkpoint restored", "job_id", jobID, "seq", cp.Seq, "size", len(payload))
	return payload, cp, nil
}

// pinLatest picks the checkpoint to restore and marks it under the job lock,
// so a commit landing in between cannot prune it first.
func (m *Manager) pinLatest(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	unlock := m.lockJob(jobID)
	defer unlock()

	cp, err := m.Latest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := m.store.MarkRestoreAttempted(ctx, cp.ID); err != nil {
		m.logger.Warn("mark restore attempted", "job_id", jobID, "seq", cp.Seq, "error", err)
	} else {
		cp.RestoreAttempted = true
	}
	return cp, nil
}

// Latest returns the highest committed checkpoint for the job.
func (m *Manager) Latest(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	cp, err := m.store.LatestCommittedCheckpoint(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s", ErrNoCheckpoint, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("read latest checkpoint: %w", err)
	}
	return cp, nil
}

// List returns every recorded checkpoint for the job in sequence order.
func (m *Manager) List(ctx context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}

// Release deletes every checkpoint of a finished job. Writes still in the
// queue discard themselves when they find their record gone.
func (m *Manager) Release(ctx context.Context, jobID uuid.UUID) error {
	unlock := m.lockJob(jobID)
	defer unlock()

	all, err := m.store.ListCheckpoints(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	var errs []error
	for _, c := range all {
		if err := m.remove(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.logger.Info("checkpoints released", "job_id", jobID, "count", len(all))
	return nil
}

// Close stops accepting checkpoints and waits for queued writes to finish.
func (m *Manager) Close() {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.closeMu.Unlock()
	m.wg.Wait()
}
