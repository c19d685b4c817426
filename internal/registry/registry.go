// Package registry is the authoritative record of compute nodes, their
// declared capability and capacity, and the active job assignments that
// consume that capacity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

var (
	ErrDuplicateNode        = errors.New("node already registered")
	ErrNodeNotFound         = errors.New("node not found")
	ErrNodeBusy             = errors.New("node has active assignments")
	ErrCapacityInUse        = errors.New("capacity below GPUs in use")
	ErrJobAssigned          = errors.New("job already holds an assignment")
	ErrInsufficientCapacity = errors.New("node cannot take the reservation")
	ErrInvalidDescriptor    = errors.New("invalid node descriptor")
	ErrServiceUnavailable   = errors.New("registry backing store unavailable")
)

type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeUpdated      ChangeKind = "updated"
	ChangeDeregistered ChangeKind = "deregistered"
	ChangeAssigned     ChangeKind = "assigned"
	ChangeReleased     ChangeKind = "released"
)

// ChangeEvent describes one mutation of the registry. JobID is set for
// assignment changes only.
type ChangeEvent struct {
	Kind   ChangeKind
	NodeID string
	JobID  uuid.UUID
	At     time.Time
}

// Registry serves reads from an in-memory index and writes through to the
// store before updating the index. Writes to the same node are serialized.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	nodes       map[string]*models.Node
	assignments map[uuid.UUID]models.Assignment
	pendingJobs map[uuid.UUID]bool
	nodeLocks   map[string]*sync.Mutex

	subMu  sync.RWMutex
	subs   map[int]func(ChangeEvent)
	nextID int
}

func New(s store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:       s,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		nodes:       make(map[string]*models.Node),
		assignments: make(map[uuid.UUID]models.Assignment),
		pendingJobs: make(map[uuid.UUID]bool),
		nodeLocks:   make(map[string]*sync.Mutex),
		subs:        make(map[int]func(ChangeEvent)),
	}
}

// Load replaces the in-memory index with the store's contents.
func (r *Registry) Load(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx, store.NodeFilter{})
	if err != nil {
		return unavailable("load nodes", err)
	}
	assignments, err := r.store.ListAssignments(ctx, "")
	if err != nil {
		return unavailable("load assignments", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		n.UsedGPUs = 0
		r.nodes[n.ID] = n
	}
	r.assignments = make(map[uuid.UUID]models.Assignment, len(assignments))
	for _, a := range assignments {
		r.assignments[a.JobID] = *a
		if n, ok := r.nodes[a.NodeID]; ok {
			n.UsedGPUs += a.GPUs
		}
	}
	r.logger.Info("registry loaded", "nodes", len(nodes), "assignments", len(assignments))
	return nil
}

// Subscribe registers fn for every change. fn runs synchronously after the
// change is applied and must not call back into write operations.
// The returned func removes the subscription.
func (r *Registry) Subscribe(fn func(ChangeEvent)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) notify(kind ChangeKind, nodeID string, jobID uuid.UUID) {
	ev := ChangeEvent{Kind: kind, NodeID: nodeID, JobID: jobID, At: r.now()}
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, fn := range r.subs {
		fn(ev)
	}
}

func (r *Registry) lockNode(id string) func() {
	r.mu.Lock()
	l, ok := r.nodeLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.nodeLocks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func validate(d models.NodeDescriptor) error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	case d.CapacityGPUs < 1:
		return fmt.Errorf("%w: capacity_gpus must be at least 1", ErrInvalidDescriptor)
	case d.PricePerHour < 0:
		return fmt.Errorf("%w: price_per_hour must not be negative", ErrInvalidDescriptor)
	case d.Spec.MemoryGB < 0:
		return fmt.Errorf("%w: memory_gb must not be negative", ErrInvalidDescriptor)
	}
	return nil
}

// Register adds a node and returns its id.
func (r *Registry) Register(ctx context.Context, d models.NodeDescriptor) (string, error) {
	if err := validate(d); err != nil {
		return "", err
	}
	unlock := r.lockNode(d.ID)
	defer unlock()

	r.mu.RLock()
	_, exists := r.nodes[d.ID]
	r.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateNode, d.ID)
	}

	node := models.NewNode(d, r.now())
	if err := r.store.CreateNode(ctx, node); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateNode, d.ID)
		}
		return "", unavailable("create node", err)
	}

	r.mu.Lock()
	r.nodes[node.ID] = node
	r.mu.Unlock()

	r.logger.Info("node registered", "node_id", node.ID, "region", node.Region, "capacity_gpus", node.CapacityGPUs)
	r.notify(ChangeRegistered, node.ID, uuid.Nil)
	return node.ID, nil
}

// UpdateCapacity changes the GPU capacity and, when price is non-nil, the
// hourly price.
func (r *Registry) UpdateCapacity(ctx context.Context, id string, capacityGPUs int, price *float64) error {
	if capacityGPUs < 1 {
		return fmt.Errorf("%w: capacity_gpus must be at least 1", ErrInvalidDescriptor)
	}
	if price != nil && *price < 0 {
		return fmt.Errorf("%w: price_per_hour must not be negative", ErrInvalidDescriptor)
	}
	unlock := r.lockNode(id)
	defer unlock()

	n, err := r.indexed(id)
	if err != nil {
		return err
	}
	if capacityGPUs < n.UsedGPUs {
		return fmt.Errorf("%w: %d in use, requested %d", ErrCapacityInUse, n.UsedGPUs, capacityGPUs)
	}

	opts := []store.NodeUpdateOption{store.WithCapacity(capacityGPUs)}
	if price != nil {
		opts = append(opts, store.WithPrice(*price))
	}
	if err := r.store.UpdateNode(ctx, id, opts...); err != nil {
		return r.storeErr("update node", id, err)
	}

	r.mu.Lock()
	if n, ok := r.nodes[id]; ok {
		n.CapacityGPUs = capacityGPUs
		if price != nil {
			n.PricePerHour = *price
		}
		n.UpdatedAt = r.now()
	}
	r.mu.Unlock()

	r.notify(ChangeUpdated, id, uuid.Nil)
	return nil
}

// UpdateEligibility turns placement on or off for a node.
func (r *Registry) UpdateEligibility(ctx context.Context, id string, eligible bool) error {
	unlock := r.lockNode(id)
	defer unlock()

	if _, err := r.indexed(id); err != nil {
		return err
	}
	if err := r.store.UpdateNode(ctx, id, store.WithEligible(eligible)); err != nil {
		return r.storeErr("update node", id, err)
	}

	r.mu.Lock()
	if n, ok := r.nodes[id]; ok {
		n.Eligible = eligible
		n.UpdatedAt = r.now()
	}
	r.mu.Unlock()

	r.logger.Info("node eligibility changed", "node_id", id, "eligible", eligible)
	r.notify(ChangeUpdated, id, uuid.Nil)
	return nil
}

// Deregister removes a node that holds no assignments.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	unlock := r.lockNode(id)
	defer unlock()

	n, err := r.indexed(id)
	if err != nil {
		return err
	}
	if n.UsedGPUs > 0 {
		return fmt.Errorf("%w: %s", ErrNodeBusy, id)
	}
	if err := r.store.DeleteNode(ctx, id); err != nil {
		return r.storeErr("delete node", id, err)
	}

	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()

	r.logger.Info("node deregistered", "node_id", id)
	r.notify(ChangeDeregistered, id, uuid.Nil)
	return nil
}

// Get returns a copy of the node.
func (r *Registry) Get(id string) (*models.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return copyNode(n), nil
}

// List returns every node ordered by id.
func (r *Registry) List() []*models.Node {
	return r.filter(func(*models.Node) bool { return true })
}

// ListEligible returns nodes that can take a job with the given
// requirements right now, ordered by id.
func (r *Registry) ListEligible(req models.Requirements) []*models.Node {
	gpus := req.GPUs
	if gpus < 1 {
		gpus = 1
	}
	return r.filter(func(n *models.Node) bool {
		return n.Eligible && n.FreeGPUs() >= gpus && n.Spec.Satisfies(req.Spec)
	})
}

func (r *Registry) filter(keep func(*models.Node) bool) []*models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if keep(n) {
			out = append(out, copyNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assign reserves gpus on the node for the job. A job holds at most one
// assignment at a time.
func (r *Registry) Assign(ctx context.Context, nodeID string, jobID uuid.UUID, gpus int) (*models.Assignment, error) {
	if gpus < 1 {
		gpus = 1
	}

	r.mu.Lock()
	if _, ok := r.assignments[jobID]; ok || r.pendingJobs[jobID] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobAssigned, jobID)
	}
	r.pendingJobs[jobID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingJobs, jobID)
		r.mu.Unlock()
	}()

	unlock := r.lockNode(nodeID)
	defer unlock()

	n, err := r.indexed(nodeID)
	if err != nil {
		return nil, err
	}
	if !n.Eligible || n.FreeGPUs() < gpus {
		return nil, fmt.Errorf("%w: %s has %d free GPUs, need %d", ErrInsufficientCapacity, nodeID, n.FreeGPUs(), gpus)
	}

	a := models.Assignment{JobID: jobID, NodeID: nodeID, GPUs: gpus, AssignedAt: r.now()}
	if err := r.store.CreateAssignment(ctx, &a); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %s", ErrJobAssigned, jobID)
		}
		return nil, r.storeErr("create assignment", nodeID, err)
	}

	r.mu.Lock()
	r.assignments[jobID] = a
	if n, ok := r.nodes[nodeID]; ok {
		n.UsedGPUs += gpus
	}
	r.mu.Unlock()

	r.logger.Debug("capacity reserved", "node_id", nodeID, "job_id", jobID, "gpus", gpus)
	r.notify(ChangeAssigned, nodeID, jobID)
	return &a, nil
}

// Release frees the job's reservation. Releasing a job without an
// assignment is a no-op.
func (r *Registry) Release(ctx context.Context, jobID uuid.UUID) error {
	r.mu.RLock()
	a, ok := r.assignments[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	unlock := r.lockNode(a.NodeID)
	defer unlock()

	if err := r.store.DeleteAssignment(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return unavailable("delete assignment", err)
	}

	r.mu.Lock()
	if cur, ok := r.assignments[jobID]; ok {
		delete(r.assignments, jobID)
		if n, ok := r.nodes[cur.NodeID]; ok {
			n.UsedGPUs -= cur.GPUs
		}
	}
	r.mu.Unlock()

	r.logger.Debug("capacity released", "node_id", a.NodeID, "job_id", jobID)
	r.notify(ChangeReleased, a.NodeID, jobID)
	return nil
}

// Assignments lists the active assignments on a node, oldest first.
func (r *Registry) Assignments(nodeID string) []models.Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Assignment
	for _, a := range r.assignments {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].JobID.String() < out[j].JobID.String()
	})
	return out
}

// AssignmentFor returns the job's active assignment, if any.
func (r *Registry) AssignmentFor(jobID uuid.UUID) (models.Assignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assignments[jobID]
	return a, ok
}

// HasAssignments reports whether the node holds any active reservation.
func (r *Registry) HasAssignments(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return ok && n.UsedGPUs > 0
}

func (r *Registry) indexed(id string) (*models.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return copyNode(n), nil
}

func (r *Registry) storeErr(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrServiceUnavailable, err)
}

func copyNode(n *models.Node) *models.Node {
	cp := *n
	cp.Spec.Features = append([]string(nil), n.Spec.Features...)
	return &cp
}
