package registry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/registry"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func descriptor(id string, gpus int, price float64) models.NodeDescriptor {
	return models.NodeDescriptor{
		ID:           id,
		OperatorID:   "op-1",
		Region:       "us-east",
		Endpoint:     "http://" + id + ":9100",
		Spec:         models.ComputeSpec{Manufacturer: "NVIDIA", Model: "A100", MemoryGB: 80, Features: []string{"cuda12"}},
		CapacityGPUs: gpus,
		PricePerHour: price,
		Eligible:     true,
	}
}

func newRegistry(t *testing.T) (*registry.Registry, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return registry.New(s, quietLogger()), s
}

func TestRegister_Duplicate(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, descriptor("n1", 4, 2.5))
	require.NoError(t, err)
	assert.Equal(t, "n1", id)

	_, err = r.Register(ctx, descriptor("n1", 4, 2.5))
	assert.ErrorIs(t, err, registry.ErrDuplicateNode)
}

func TestRegister_Validation(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		d    models.NodeDescriptor
	}{
		{"missing id", descriptor("", 4, 1)},
		{"zero capacity", descriptor("n", 0, 1)},
		{"negative price", descriptor("n", 1, -1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(ctx, tt.d)
			assert.ErrorIs(t, err, registry.ErrInvalidDescriptor)
		})
	}
}

func TestRegister_StoreUnavailable(t *testing.T) {
	r, s := newRegistry(t)
	s.SetUnavailable(errors.New("connection refused"))

	_, err := r.Register(context.Background(), descriptor("n1", 4, 1))
	assert.ErrorIs(t, err, registry.ErrServiceUnavailable)

	_, err = r.Get("n1")
	assert.ErrorIs(t, err, registry.ErrNodeNotFound, "index must not change when the write fails")
}

func TestListEligible(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	small := descriptor("b-small", 1, 1)
	small.Spec.MemoryGB = 24
	_, err := r.Register(ctx, small)
	require.NoError(t, err)
	_, err = r.Register(ctx, descriptor("c-big", 8, 4))
	require.NoError(t, err)
	_, err = r.Register(ctx, descriptor("a-big", 2, 3))
	require.NoError(t, err)
	off := descriptor("d-off", 8, 1)
	off.Eligible = false
	_, err = r.Register(ctx, off)
	require.NoError(t, err)

	req := models.Requirements{Spec: models.ComputeSpec{Manufacturer: "nvidia", MemoryGB: 40}, GPUs: 2}
	got := r.ListEligible(req)
	require.Len(t, got, 2)
	assert.Equal(t, "a-big", got[0].ID)
	assert.Equal(t, "c-big", got[1].ID)

	req.Spec.Features = []string{"nvlink"}
	assert.Empty(t, r.ListEligible(req))
}

func TestAssignRelease_Bookkeeping(t *testing.T) {
	r, s := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, descriptor("n1", 4, 1))
	require.NoError(t, err)

	job := uuid.New()
	a, err := r.Assign(ctx, "n1", job, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, a.GPUs)

	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 3, n.UsedGPUs)
	assert.True(t, r.HasAssignments("n1"))

	got, ok := r.AssignmentFor(job)
	require.True(t, ok)
	assert.Equal(t, "n1", got.NodeID)
	assert.Len(t, r.Assignments("n1"), 1)

	_, err = r.Assign(ctx, "n1", uuid.New(), 2)
	assert.ErrorIs(t, err, registry.ErrInsufficientCapacity)

	_, err = r.Assign(ctx, "n1", job, 1)
	assert.ErrorIs(t, err, registry.ErrJobAssigned)

	require.NoError(t, r.Release(ctx, job))
	n, err = r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 0, n.UsedGPUs)
	_, ok = r.AssignmentFor(job)
	assert.False(t, ok)

	persisted, err := s.ListAssignments(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, persisted)

	assert.NoError(t, r.Release(ctx, job), "release is idempotent")
}

func TestAssign_UnknownNode(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Assign(context.Background(), "ghost", uuid.New(), 1)
	assert.ErrorIs(t, err, registry.ErrNodeNotFound)
}

func TestAssign_ConcurrentSingleAssignmentPerJob(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		_, err := r.Register(ctx, descriptor(id, 8, 1))
		require.NoError(t, err)
	}

	job := uuid.New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			node := []string{"n1", "n2", "n3", "n4"}[i%4]
			if _, err := r.Assign(ctx, node, job, 1); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, registry.ErrJobAssigned)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	used := 0
	for _, n := range r.List() {
		used += n.UsedGPUs
	}
	assert.Equal(t, 1, used)
}

func TestAssign_ConcurrentCapacity(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, descriptor("n1", 5, 1))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Assign(ctx, "n1", uuid.New(), 1); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), wins.Load())
	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 5, n.UsedGPUs)
}

func TestDeregister_Busy(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, descriptor("n1", 2, 1))
	require.NoError(t, err)

	job := uuid.New()
	_, err = r.Assign(ctx, "n1", job, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Deregister(ctx, "n1"), registry.ErrNodeBusy)

	require.NoError(t, r.Release(ctx, job))
	require.NoError(t, r.Deregister(ctx, "n1"))

	_, err = r.Get("n1")
	assert.ErrorIs(t, err, registry.ErrNodeNotFound)
	assert.ErrorIs(t, r.Deregister(ctx, "n1"), registry.ErrNodeNotFound)
}

func TestUpdateCapacity(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, descriptor("n1", 4, 1))
	require.NoError(t, err)
	_, err = r.Assign(ctx, "n1", uuid.New(), 3)
	require.NoError(t, err)

	assert.ErrorIs(t, r.UpdateCapacity(ctx, "n1", 2, nil), registry.ErrCapacityInUse)

	price := 1.75
	require.NoError(t, r.UpdateCapacity(ctx, "n1", 6, &price))
	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 6, n.CapacityGPUs)
	assert.Equal(t, 1.75, n.PricePerHour)
	assert.Equal(t, 3, n.FreeGPUs())

	assert.ErrorIs(t, r.UpdateCapacity(ctx, "ghost", 2, nil), registry.ErrNodeNotFound)
}

func TestUpdateEligibility(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, descriptor("n1", 4, 1))
	require.NoError(t, err)

	require.NoError(t, r.UpdateEligibility(ctx, "n1", false))
	assert.Empty(t, r.ListEligible(models.Requirements{GPUs: 1}))

	_, err = r.Assign(ctx, "n1", uuid.New(), 1)
	assert.ErrorIs(t, err, registry.ErrInsufficientCapacity)
}

func TestSubscribe(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []registry.ChangeKind
	unsubscribe := r.Subscribe(func(e registry.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	})

	_, err := r.Register(ctx, descriptor("n1", 4, 1))
	require.NoError(t, err)
	job := uuid.New()
	_, err = r.Assign(ctx, "n1", job, 1)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, job))
	require.NoError(t, r.UpdateEligibility(ctx, "n1", false))
	require.NoError(t, r.Deregister(ctx, "n1"))

	unsubscribe()
	_, err = r.Register(ctx, descriptor("n2", 4, 1))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []registry.ChangeKind{
		registry.ChangeRegistered,
		registry.ChangeAssigned,
		registry.ChangeReleased,
		registry.ChangeUpdated,
		registry.ChangeDeregistered,
	}, kinds)
}

func TestLoad_RebuildsIndex(t *testing.T) {
	r, s := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, descriptor("n1", 4, 1))
	require.NoError(t, err)
	job := uuid.New()
	_, err = r.Assign(ctx, "n1", job, 2)
	require.NoError(t, err)

	fresh := registry.New(s, quietLogger())
	require.NoError(t, fresh.Load(ctx))

	n, err := fresh.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 2, n.UsedGPUs)
	a, ok := fresh.AssignmentFor(job)
	require.True(t, ok)
	assert.Equal(t, "n1", a.NodeID)

	s.SetUnavailable(errors.New("down"))
	assert.ErrorIs(t, fresh.Load(ctx), registry.ErrServiceUnavailable)
}

func TestGet_ReturnsCopy(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Register(context.Background(), descriptor("n1", 4, 1))
	require.NoError(t, err)

	n, err := r.Get("n1")
	require.NoError(t, err)
	n.CapacityGPUs = 100
	n.Spec.Features[0] = "mutated"

	again, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 4, again.CapacityGPUs)
	assert.Equal(t, "cuda12", again.Spec.Features[0])
}
