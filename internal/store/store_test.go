package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("gpufleet_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))
	// Applying twice is a no-op.
	require.NoError(t, store.RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// backends returns every Store implementation the current test mode can run.
func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	b := map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemoryStore() },
	}
	if !testing.Short() {
		b["postgres"] = func(t *testing.T) store.Store { return store.NewPostgresStore(setupTestDB(t)) }
	}
	return b
}

func testNode(id string) *models.Node {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.NewNode(models.NodeDescriptor{
		ID:         id,
		OperatorID: "op-1",
		Region:     "us-east",
		Endpoint:   "http://" + id + ":9100",
		Spec: models.ComputeSpec{
			Manufacturer: "NVIDIA",
			Model:        "A100",
			MemoryGB:     80,
			Features:     []string{"cuda12", "nvlink"},
		},
		CapacityGPUs: 4,
		PricePerHour: 2.5,
		Eligible:     true,
	}, now)
}

func testJob() *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:           uuid.New(),
		Requirements: models.Requirements{Spec: models.ComputeSpec{Model: "A100"}, GPUs: 1},
		Status:       models.JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStore_Nodes(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			require.NoError(t, s.CreateNode(ctx, testNode("node-b")))
			require.NoError(t, s.CreateNode(ctx, testNode("node-a")))
			assert.ErrorIs(t, s.CreateNode(ctx, testNode("node-a")), store.ErrDuplicateKey)

			n, err := s.GetNode(ctx, "node-a")
			require.NoError(t, err)
			assert.Equal(t, "A100", n.Spec.Model)
			assert.Equal(t, []string{"cuda12", "nvlink"}, n.Spec.Features)
			assert.Equal(t, 0, n.UsedGPUs)

			nodes, err := s.ListNodes(ctx, store.NodeFilter{})
			require.NoError(t, err)
			require.Len(t, nodes, 2)
			assert.Equal(t, "node-a", nodes[0].ID)

			require.NoError(t, s.UpdateNode(ctx, "node-b", store.WithEligible(false), store.WithCapacity(8)))
			eligible, err := s.ListNodes(ctx, store.NodeFilter{EligibleOnly: true})
			require.NoError(t, err)
			require.Len(t, eligible, 1)
			assert.Equal(t, "node-a", eligible[0].ID)

			b, err := s.GetNode(ctx, "node-b")
			require.NoError(t, err)
			assert.Equal(t, 8, b.CapacityGPUs)

			assert.ErrorIs(t, s.UpdateNode(ctx, "missing", store.WithPrice(1)), store.ErrNotFound)
			_, err = s.GetNode(ctx, "missing")
			assert.ErrorIs(t, err, store.ErrNotFound)

			require.NoError(t, s.DeleteNode(ctx, "node-b"))
			assert.ErrorIs(t, s.DeleteNode(ctx, "node-b"), store.ErrNotFound)
		})
	}
}

func TestStore_NodeHealth(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			require.NoError(t, s.CreateNode(ctx, testNode("node-a")))

			h := models.NodeHealth{NodeID: "node-a", State: models.HealthDegraded, LastProbeAt: time.Now().UTC(), SuccessRate: 0.5}
			require.NoError(t, s.UpdateNodeHealth(ctx, h))
			h.State = models.HealthSuspect
			require.NoError(t, s.UpdateNodeHealth(ctx, h))

			err := s.UpdateNodeHealth(ctx, models.NodeHealth{NodeID: "ghost", State: models.HealthHealthy})
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestStore_Assignments(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			require.NoError(t, s.CreateNode(ctx, testNode("node-a")))
			require.NoError(t, s.CreateNode(ctx, testNode("node-b")))
			job := testJob()
			require.NoError(t, s.CreateJob(ctx, job))

			a := &models.Assignment{JobID: job.ID, NodeID: "node-a", GPUs: 2, AssignedAt: time.Now().UTC()}
			require.NoError(t, s.CreateAssignment(ctx, a))

			// A second assignment for the same job is refused regardless of node.
			dup := &models.Assignment{JobID: job.ID, NodeID: "node-b", GPUs: 1, AssignedAt: time.Now().UTC()}
			assert.ErrorIs(t, s.CreateAssignment(ctx, dup), store.ErrDuplicateKey)

			n, err := s.GetNode(ctx, "node-a")
			require.NoError(t, err)
			assert.Equal(t, 2, n.UsedGPUs)

			list, err := s.ListAssignments(ctx, "node-a")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, job.ID, list[0].JobID)

			none, err := s.ListAssignments(ctx, "node-b")
			require.NoError(t, err)
			assert.Empty(t, none)

			require.NoError(t, s.DeleteAssignment(ctx, job.ID))
			assert.ErrorIs(t, s.DeleteAssignment(ctx, job.ID), store.ErrNotFound)
		})
	}
}

func TestStore_JobLifecycle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			job := testJob()
			require.NoError(t, s.CreateJob(ctx, job))

			require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, store.WithNodeID("node-a")))
			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusRunning, got.Status)
			require.NotNil(t, got.NodeID)
			assert.Equal(t, "node-a", *got.NodeID)
			assert.NotNil(t, got.StartedAt)
			assert.Equal(t, "A100", got.Requirements.Spec.Model)

			require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusMigrating, store.WithoutNode()))
			got, err = s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Nil(t, got.NodeID)

			require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage("no capacity")))
			got, err = s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusFailed, got.Status)
			require.NotNil(t, got.ErrorMessage)
			assert.Equal(t, "no capacity", *got.ErrorMessage)
			assert.NotNil(t, got.FinishedAt)

			err = s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning)
			assert.True(t, errors.Is(err, store.ErrInvalidTransition), "got %v", err)

			assert.ErrorIs(t, s.UpdateJobStatus(ctx, uuid.New(), models.JobStatusRunning), store.ErrNotFound)
		})
	}
}

func TestStore_ListJobsFilter(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			onA := testJob()
			onB := testJob()
			pending := testJob()
			for _, j := range []*models.Job{onA, onB, pending} {
				require.NoError(t, s.CreateJob(ctx, j))
			}
			require.NoError(t, s.UpdateJobStatus(ctx, onA.ID, models.JobStatusRunning, store.WithNodeID("node-a")))
			require.NoError(t, s.UpdateJobStatus(ctx, onB.ID, models.JobStatusRunning, store.WithNodeID("node-b")))

			jobs, err := s.ListJobs(ctx, store.JobFilter{NodeID: "node-a"})
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, onA.ID, jobs[0].ID)

			running, err := s.ListJobs(ctx, store.JobFilter{Statuses: []models.JobStatus{models.JobStatusRunning}})
			require.NoError(t, err)
			assert.Len(t, running, 2)

			limited, err := s.ListJobs(ctx, store.JobFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestStore_Checkpoints(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			job := testJob()
			require.NoError(t, s.CreateJob(ctx, job))

			seq, err := s.MaxCheckpointSeq(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(0), seq)

			_, err = s.LatestCommittedCheckpoint(ctx, job.ID)
			assert.ErrorIs(t, err, store.ErrNotFound)

			var ids []uuid.UUID
			for i := int64(1); i <= 3; i++ {
				cp := &models.Checkpoint{
					ID: uuid.New(), JobID: job.ID, Seq: i, BlobKey: "k", Status: models.CheckpointStatusPending,
					CreatedAt: time.Now().UTC(),
				}
				require.NoError(t, s.CreateCheckpoint(ctx, cp))
				ids = append(ids, cp.ID)
			}
			dup := &models.Checkpoint{ID: uuid.New(), JobID: job.ID, Seq: 2, Status: models.CheckpointStatusPending, CreatedAt: time.Now().UTC()}
			assert.ErrorIs(t, s.CreateCheckpoint(ctx, dup), store.ErrDuplicateKey)

			require.NoError(t, s.UpdateCheckpointStatus(ctx, ids[0], models.CheckpointStatusCommitted))
			require.NoError(t, s.UpdateCheckpointStatus(ctx, ids[1], models.CheckpointStatusCommitted))

			latest, err := s.LatestCommittedCheckpoint(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), latest.Seq)
			assert.NotNil(t, latest.CommittedAt)

			require.NoError(t, s.MarkRestoreAttempted(ctx, ids[0]))
			all, err := s.ListCheckpoints(ctx, job.ID)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.True(t, all[0].RestoreAttempted)
			assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})

			seq, err = s.MaxCheckpointSeq(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(3), seq)

			require.NoError(t, s.DeleteCheckpoint(ctx, ids[2]))
			assert.ErrorIs(t, s.DeleteCheckpoint(ctx, ids[2]), store.ErrNotFound)
		})
	}
}

func TestStore_FailoverEvents(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			job := testJob()
			require.NoError(t, s.CreateJob(ctx, job))

			dest := "node-b"
			detected := time.Now().UTC().Truncate(time.Microsecond)
			e := &models.FailoverEvent{
				ID: uuid.New(), JobID: job.ID, SourceNode: "node-a", DestNode: &dest,
				DetectedAt: detected, CompletedAt: detected.Add(45 * time.Second),
				Outcome: models.FailoverSucceeded, RestoredSeq: 5, SLABreach: true,
			}
			require.NoError(t, s.CreateFailoverEvent(ctx, e))

			events, err := s.ListFailoverEvents(ctx, job.ID)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, models.FailoverSucceeded, events[0].Outcome)
			assert.True(t, events[0].SLABreach)
			assert.Equal(t, int64(5), events[0].RestoredSeq)
			assert.Equal(t, 45*time.Second, events[0].RecoveryTime())
		})
	}
}

func TestMemoryStore_Unavailable(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	outage := errors.New("connection refused")
	s.SetUnavailable(outage)

	assert.ErrorIs(t, s.Ping(ctx), outage)
	assert.ErrorIs(t, s.CreateNode(ctx, testNode("node-a")), outage)
	_, err := s.ListNodes(ctx, store.NodeFilter{})
	assert.ErrorIs(t, err, outage)

	s.SetUnavailable(nil)
	assert.NoError(t, s.CreateNode(ctx, testNode("node-a")))
}
