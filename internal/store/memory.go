package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

// MemoryStore is an in-process Store for development mode and tests.
// Returned records are copies; callers may mutate them freely.
type MemoryStore struct {
	mu          sync.RWMutex
	nodes       map[string]*models.Node
	health      map[string]models.NodeHealth
	assignments map[uuid.UUID]*models.Assignment
	jobs        map[uuid.UUID]*models.Job
	checkpoints map[uuid.UUID]*models.Checkpoint
	failovers   []*models.FailoverEvent

	// PingErr, when set, is returned by Ping and by every write, simulating
	// an unreachable database.
	PingErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]*models.Node),
		health:      make(map[string]models.NodeHealth),
		assignments: make(map[uuid.UUID]*models.Assignment),
		jobs:        make(map[uuid.UUID]*models.Job),
		checkpoints: make(map[uuid.UUID]*models.Checkpoint),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.PingErr
}

// SetUnavailable toggles the simulated outage.
func (s *MemoryStore) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingErr = err
}

func (s *MemoryStore) usedGPUs(nodeID string) int {
	used := 0
	for _, a := range s.assignments {
		if a.NodeID == nodeID {
			used += a.GPUs
		}
	}
	return used
}

func (s *MemoryStore) nodeCopy(n *models.Node) *models.Node {
	cp := *n
	cp.Spec.Features = append([]string(nil), n.Spec.Features...)
	cp.UsedGPUs = s.usedGPUs(n.ID)
	return &cp
}

// --- Nodes ---

func (s *MemoryStore) CreateNode(_ context.Context, node *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	if _, ok := s.nodes[node.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *node
	cp.Spec.Features = append([]string(nil), node.Spec.Features...)
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, id string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PingErr != nil {
		return nil, s.PingErr
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.nodeCopy(n), nil
}

func (s *MemoryStore) ListNodes(_ context.Context, filter NodeFilter) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PingErr != nil {
		return nil, s.PingErr
	}
	var out []*models.Node
	for _, n := range s.nodes {
		if filter.Region != "" && n.Region != filter.Region {
			continue
		}
		if filter.OperatorID != "" && n.OperatorID != filter.OperatorID {
			continue
		}
		if filter.EligibleOnly && !n.Eligible {
			continue
		}
		out = append(out, s.nodeCopy(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateNode(_ context.Context, id string, opts ...NodeUpdateOption) error {
	params := applyNodeOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if params.CapacityGPUs != nil {
		n.CapacityGPUs = *params.CapacityGPUs
	}
	if params.PricePerHour != nil {
		n.PricePerHour = *params.PricePerHour
	}
	if params.Eligible != nil {
		n.Eligible = *params.Eligible
	}
	if params.Endpoint != nil {
		n.Endpoint = *params.Endpoint
	}
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	if _, ok := s.nodes[id]; !ok {
		return ErrNotFound
	}
	if s.usedGPUs(id) > 0 {
		return fmt.Errorf("delete node: node %s still has assignments", id)
	}
	delete(s.nodes, id)
	delete(s.health, id)
	return nil
}

func (s *MemoryStore) UpdateNodeHealth(_ context.Context, h models.NodeHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	if _, ok := s.nodes[h.NodeID]; !ok {
		return ErrNotFound
	}
	s.health[h.NodeID] = h
	return nil
}

// NodeHealth returns the last persisted health summary for a node.
func (s *MemoryStore) NodeHealth(id string) (models.NodeHealth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[id]
	return h, ok
}

// --- Assignments ---

func (s *MemoryStore) CreateAssignment(_ context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	if _, ok := s.assignments[a.JobID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := s.nodes[a.NodeID]; !ok {
		return ErrNotFound
	}
	cp := *a
	s.assignments[a.JobID] = &cp
	return nil
}

func (s *MemoryStore) DeleteAssignment(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	if _, ok := s.assignments[jobID]; !ok {
		return ErrNotFound
	}
	delete(s.assignments, jobID)
	return nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, nodeID string) ([]*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PingErr != nil {
		return nil, s.PingErr
	}
	var out []*models.Assignment
	for _, a := range s.assignments {
		if nodeID != "" && a.NodeID != nodeID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].JobID.String() < out[j].JobID.String()
	})
	return out, nil
}

// --- Jobs ---

func copyJob(j *models.Job) *models.Job {
	cp := *j
	cp.Requirements.Spec.Features = append([]string(nil), j.Requirements.Spec.Features...)
	if j.NodeID != nil {
		id := *j.NodeID
		cp.NodeID = &id
	}
	return &cp
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PingErr != nil {
		return nil, s.PingErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PingErr != nil {
		return nil, s.PingErr
	}
	want := make(map[models.JobStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		want[st] = true
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if filter.NodeID != "" && (j.NodeID == nil || *j.NodeID != filter.NodeID) {
			continue
		}
		if len(want) > 0 && !want[j.Status] {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID.String() < out[k].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := applyJobOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != status && !j.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	if status == models.JobStatusRunning && j.Status == models.JobStatusPending {
		j.StartedAt = &now
	}
	if status.Terminal() {
		j.FinishedAt = &now
	}
	j.Status = status
	j.UpdatedAt = now
	if params.NodeID != nil {
		nodeID := *params.NodeID
		j.NodeID = &nodeID
	}
	if params.ClearNode {
		j.NodeID = nil
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		j.ErrorMessage = &msg
	}
	return nil
}

// --- Checkpoints ---

func (s *MemoryStore) CreateCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	for _, c := range s.checkpoints {
		if c.JobID == cp.JobID && c.Seq == cp.Seq {
			return ErrDuplicateKey
		}
	}
	c := *cp
	s.checkpoints[cp.ID] = &c
	return nil
}

func (s *MemoryStore) UpdateCheckpointStatus(_ context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	c, ok := s.checkpoints[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if status == models.CheckpointStatusCommitted {
		now := time.Now().UTC()
		c.CommittedAt = &now
	}
	return nil
}

func (s *MemoryStore) MarkRestoreAttempted(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	c, ok := s.checkpoints[id]
	if !ok {
		return ErrNotFound
	}
	c.RestoreAttempted = true
	return nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PingErr != nil {
		return nil, s.PingErr
	}
	var out []*models.Checkpoint
	for _, c := range s.checkpoints {
		if c.JobID == jobID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) LatestCommittedCheckpoint(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	all, err := s.ListCheckpoints(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status == models.CheckpointStatusCommitted {
			return all[i], nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MaxCheckpointSeq(_ context.Context, jobID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PingErr != nil {
		return 0, s.PingErr
	}
	var max int64
	for _, c := range s.checkpoints {
		if c.JobID == jobID && c.Seq > max {
			max = c.Seq
		}
	}
	return max, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	if _, ok := s.checkpoints[id]; !ok {
		return ErrNotFound
	}
	delete(s.checkpoints, id)
	return nil
}

// --- Failover events ---

func (s *MemoryStore) CreateFailoverEvent(_ context.Context, e *models.FailoverEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PingErr != nil {
		return s.PingErr
	}
	cp := *e
	s.failovers = append(s.failovers, &cp)
	return nil
}

func (s *MemoryStore) ListFailoverEvents(_ context.Context, jobID uuid.UUID) ([]*models.FailoverEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PingErr != nil {
		return nil, s.PingErr
	}
	var out []*models.FailoverEvent
	for _, e := range s.failovers {
		if e.JobID == jobID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
