package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Nodes ---

var nodeColumns = []string{
	"n.id", "n.operator_id", "n.region", "n.endpoint", "n.spec", "n.capacity_gpus",
	"COALESCE((SELECT SUM(a.gpus) FROM assignments a WHERE a.node_id = n.id), 0)",
	"n.price_per_hour", "n.eligible", "n.created_at", "n.updated_at",
}

func scanNode(row pgx.Row) (*models.Node, error) {
	var n models.Node
	var spec []byte
	if err := row.Scan(&n.ID, &n.OperatorID, &n.Region, &n.Endpoint, &spec, &n.CapacityGPUs,
		&n.UsedGPUs, &n.PricePerHour, &n.Eligible, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &n.Spec); err != nil {
		return nil, fmt.Errorf("decode node spec: %w", err)
	}
	return &n, nil
}

func (s *PostgresStore) CreateNode(ctx context.Context, node *models.Node) error {
	spec, err := json.Marshal(node.Spec)
	if err != nil {
		return fmt.Errorf("encode node spec: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO nodes (id, operator_id, region, endpoint, spec, capacity_gpus, price_per_hour, eligible, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		node.ID, node.OperatorID, node.Region, node.Endpoint, spec, node.CapacityGPUs,
		node.PricePerHour, node.Eligible, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	query, args, err := s.psql.Select(nodeColumns...).From("nodes n").Where(sq.Eq{"n.id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get node query: %w", err)
	}
	n, err := scanNode(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*models.Node, error) {
	q := s.psql.Select(nodeColumns...).From("nodes n").OrderBy("n.id")
	if filter.Region != "" {
		q = q.Where(sq.Eq{"n.region": filter.Region})
	}
	if filter.OperatorID != "" {
		q = q.Where(sq.Eq{"n.operator_id": filter.OperatorID})
	}
	if filter.EligibleOnly {
		q = q.Where(sq.Eq{"n.eligible": true})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list nodes query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) UpdateNode(ctx context.Context, id string, opts ...NodeUpdateOption) error {
	params := applyNodeOptions(opts)

	q := s.psql.Update("nodes").Set("updated_at", time.Now().UTC()).Where(sq.Eq{"id": id})
	if params.CapacityGPUs != nil {
		q = q.Set("capacity_gpus", *params.CapacityGPUs)
	}
	if params.PricePerHour != nil {
		q = q.Set("price_per_hour", *params.PricePerHour)
	}
	if params.Eligible != nil {
		q = q.Set("eligible", *params.Eligible)
	}
	if params.Endpoint != nil {
		q = q.Set("endpoint", *params.Endpoint)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update node query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateNodeHealth(ctx context.Context, h models.NodeHealth) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO node_health (node_id, state, last_probe_at, mean_latency_ms, success_rate, error_rate, utilization, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (node_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   last_probe_at = EXCLUDED.last_probe_at,
		   mean_latency_ms = EXCLUDED.mean_latency_ms,
		   success_rate = EXCLUDED.success_rate,
		   error_rate = EXCLUDED.error_rate,
		   utilization = EXCLUDED.utilization,
		   updated_at = NOW()`,
		h.NodeID, h.State.String(), h.LastProbeAt, float64(h.MeanLatency)/float64(time.Millisecond),
		h.SuccessRate, h.ErrorRate, h.Utilization)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update node health: %w", err)
	}
	return nil
}

// --- Assignments ---

func (s *PostgresStore) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (job_id, node_id, gpus, assigned_at) VALUES ($1, $2, $3, $4)`,
		a.JobID, a.NodeID, a.GPUs, a.AssignedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAssignment(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assignments WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAssignments(ctx context.Context, nodeID string) ([]*models.Assignment, error) {
	q := s.psql.Select("job_id", "node_id", "gpus", "assigned_at").From("assignments").OrderBy("assigned_at", "job_id")
	if nodeID != "" {
		q = q.Where(sq.Eq{"node_id": nodeID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list assignments query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []*models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.JobID, &a.NodeID, &a.GPUs, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, requirements, node_id, status, error_message, started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var reqs []byte
	var status string
	if err := row.Scan(&j.ID, &reqs, &j.NodeID, &status, &j.ErrorMessage,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reqs, &j.Requirements); err != nil {
		return nil, fmt.Errorf("decode job requirements: %w", err)
	}
	st, err := models.ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	j.Status = st
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	reqs, err := json.Marshal(job.Requirements)
	if err != nil {
		return fmt.Errorf("encode job requirements: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, requirements, node_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, reqs, job.NodeID, string(job.Status), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	q := s.psql.Select(jobColumns).From("jobs").OrderBy("created_at DESC", "id")
	if filter.NodeID != "" {
		q = q.Where(sq.Eq{"node_id": filter.NodeID})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := applyJobOptions(opts)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin job update: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	from := models.JobStatus(current)
	if from != status && !from.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	q := s.psql.Update("jobs").
		Set("status", string(status)).
		Set("updated_at", now).
		Where(sq.Eq{"id": id})
	if status == models.JobStatusRunning && from == models.JobStatusPending {
		q = q.Set("started_at", now)
	}
	if status.Terminal() {
		q = q.Set("finished_at", now)
	}
	if params.NodeID != nil {
		q = q.Set("node_id", *params.NodeID)
	}
	if params.ClearNode {
		q = q.Set("node_id", nil)
	}
	if params.ErrorMessage != nil {
		q = q.Set("error_message", *params.ErrorMessage)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build job update: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job update: %w", err)
	}
	return nil
}

// --- Checkpoints ---

const checkpointColumns = `id, job_id, seq, blob_key, size, digest, status, restore_attempted, created_at, committed_at`

func scanCheckpoint(row pgx.Row) (*models.Checkpoint, error) {
	var c models.Checkpoint
	if err := row.Scan(&c.ID, &c.JobID, &c.Seq, &c.BlobKey, &c.Size, &c.Digest, &c.Status,
		&c.RestoreAttempted, &c.CreatedAt, &c.CommittedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, job_id, seq, blob_key, size, digest, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.JobID, cp.Seq, cp.BlobKey, cp.Size, cp.Digest, cp.Status, cp.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCheckpointStatus(ctx context.Context, id uuid.UUID, status string) error {
	q := s.psql.Update("checkpoints").Set("status", status).Where(sq.Eq{"id": id})
	if status == models.CheckpointStatusCommitted {
		q = q.Set("committed_at", time.Now().UTC())
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build checkpoint update: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update checkpoint status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRestoreAttempted(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE checkpoints SET restore_attempted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark restore attempted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestCommittedCheckpoint(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	c, err := scanCheckpoint(s.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE job_id = $1 AND status = $2 ORDER BY seq DESC LIMIT 1`,
		jobID, models.CheckpointStatusCommitted))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) MaxCheckpointSeq(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM checkpoints WHERE job_id = $1`, jobID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max checkpoint seq: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Failover events ---

func (s *PostgresStore) CreateFailoverEvent(ctx context.Context, e *models.FailoverEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failover_events (id, job_id, source_node, dest_node, detected_at, completed_at, outcome, restored_seq, sla_breach, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.JobID, e.SourceNode, e.DestNode, e.DetectedAt, e.CompletedAt,
		string(e.Outcome), e.RestoredSeq, e.SLABreach, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("create failover event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFailoverEvents(ctx context.Context, jobID uuid.UUID) ([]*models.FailoverEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, source_node, dest_node, detected_at, completed_at, outcome, restored_seq, sla_breach, error_message
		 FROM failover_events WHERE job_id = $1 ORDER BY detected_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list failover events: %w", err)
	}
	defer rows.Close()

	var out []*models.FailoverEvent
	for rows.Next() {
		var e models.FailoverEvent
		var outcome string
		if err := rows.Scan(&e.ID, &e.JobID, &e.SourceNode, &e.DestNode, &e.DetectedAt,
			&e.CompletedAt, &outcome, &e.RestoredSeq, &e.SLABreach, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan failover event: %w", err)
		}
		e.Outcome = models.FailoverOutcome(outcome)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
