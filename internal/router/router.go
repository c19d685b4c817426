// Package router places jobs on the best eligible, healthy node and reserves
// capacity for them.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/internal/health"
	"github.com/kiranshivaraju/gpufleet/internal/registry"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

var ErrNoCapacity = errors.New("no eligible node has capacity")

// Registry is the part of the node registry the router needs.
type Registry interface {
	ListEligible(req models.Requirements) []*models.Node
	Assign(ctx context.Context, nodeID string, jobID uuid.UUID, gpus int) (*models.Assignment, error)
	Subscribe(fn func(registry.ChangeEvent)) func()
}

// HealthView is the part of the health monitor the router needs.
type HealthView interface {
	Snapshot() health.Snapshot
	Refresh(ctx context.Context) error
}

type Request struct {
	JobID        uuid.UUID
	Requirements models.Requirements
	Exclude      []string
}

type Config struct {
	Freshness       time.Duration
	RefreshTimeout  time.Duration
	DecisionLogSize int
}

type Router struct {
	cfg       Config
	registry  Registry
	health    HealthView
	strategy  Strategy
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	cacheMu  sync.Mutex
	cacheGen uint64
	cache    map[string][]*models.Node

	logMu     sync.Mutex
	decisions []models.RoutingDecision
	logNext   int
	logCount  int

	unsubscribe func()
}

type Option func(*Router)

func WithPublisher(p events.Publisher) Option {
	return func(r *Router) { r.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func New(cfg Config, reg Registry, hv HealthView, strategy Strategy, logger *slog.Logger, opts ...Option) *Router {
	if cfg.DecisionLogSize < 1 {
		cfg.DecisionLogSize = 1
	}
	r := &Router{
		cfg:       cfg,
		registry:  reg,
		health:    hv,
		strategy:  strategy,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		cache:     make(map[string][]*models.Node),
		decisions: make([]models.RoutingDecision, cfg.DecisionLogSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.unsubscribe = reg.Subscribe(func(registry.ChangeEvent) { r.invalidate() })
	return r
}

// Close stops listening to registry changes.
func (r *Router) Close() {
	r.unsubscribe()
}

// SetWeights changes the scoring weights when the strategy supports it.
func (r *Router) SetWeights(w Weights) bool {
	ws, ok := r.strategy.(interface{ SetWeights(Weights) })
	if !ok {
		return false
	}
	ws.SetWeights(w)
	r.logger.Info("routing weights updated",
		"spec", w.Spec, "performance", w.Performance, "load", w.Load,
		"proximity", w.Proximity, "price", w.Price)
	return true
}

// Route ranks the candidates for req, reserves capacity on the best one that
// still has room, and returns the decision.
func (r *Router) Route(ctx context.Context, req Request) (*models.RoutingDecision, error) {
	if req.Requirements.GPUs < 1 {
		req.Requirements.GPUs = 1
	}

	snap, stale := r.snapshot(ctx)

	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	var candidates []Candidate
	for _, n := range r.eligible(req.Requirements) {
		if excluded[n.ID] {
			continue
		}
		h, tracked := snap.Nodes[n.ID]
		if !tracked {
			// Not probed yet: new nodes start healthy.
			h = models.NodeHealth{NodeID: n.ID, State: models.HealthHealthy}
		}
		if h.State != models.HealthHealthy {
			continue
		}
		candidates = append(candidates, Candidate{Node: n, Health: h})
	}
	if len(candidates) == 0 {
		r.logger.Info("no routing candidates", "job_id", req.JobID, "excluded", req.Exclude)
		return nil, ErrNoCapacity
	}

	ranked := r.strategy.Rank(req.Requirements, candidates)

	decision := models.RoutingDecision{
		ID:            uuid.New(),
		JobID:         req.JobID,
		Candidates:    ranked,
		Excluded:      sortedKeys(excluded),
		StaleSnapshot: stale,
	}

	for _, c := range ranked {
		_, err := r.registry.Assign(ctx, c.NodeID, req.JobID, req.Requirements.GPUs)
		switch {
		case err == nil:
			decision.ChosenNode = c.NodeID
		case errors.Is(err, registry.ErrInsufficientCapacity), errors.Is(err, registry.ErrNodeNotFound):
			r.logger.Debug("reservation lost, trying next candidate", "job_id", req.JobID, "node_id", c.NodeID, "error", err)
			continue
		default:
			return nil, fmt.Errorf("reserve capacity on %s: %w", c.NodeID, err)
		}
		break
	}
	if decision.ChosenNode == "" {
		r.logger.Info("every candidate refused the reservation", "job_id", req.JobID, "candidates", len(ranked))
		return nil, ErrNoCapacity
	}

	decision.DecidedAt = r.now()
	r.record(decision)
	events.Emit(ctx, r.publisher, r.logger, events.Event{
		Type: events.TypeRoutingDecision, Key: req.JobID.String(), At: decision.DecidedAt, Payload: decision,
	})
	r.logger.Info("job routed",
		"job_id", req.JobID, "node_id", decision.ChosenNode,
		"score", ranked[0].Score, "candidates", len(ranked), "stale_snapshot", stale)
	return &decision, nil
}

// snapshot returns the health view, refreshing it first when it is older
// than the freshness bound. A failed refresh falls back to the stale view.
func (r *Router) snapshot(ctx context.Context) (health.Snapshot, bool) {
	snap := r.health.Snapshot()
	if r.now().Sub(snap.TakenAt) <= r.cfg.Freshness {
		return snap, false
	}

	rctx, cancel := context.WithTimeout(ctx, r.cfg.RefreshTimeout)
	defer cancel()
	if err := r.health.Refresh(rctx); err != nil {
		r.logger.Warn("health refresh failed, routing on stale snapshot",
			"taken_at", snap.TakenAt, "error", err)
		return snap, true
	}
	return r.health.Snapshot(), false
}

func (r *Router) eligible(req models.Requirements) []*models.Node {
	key := cacheKey(req)

	r.cacheMu.Lock()
	if nodes, ok := r.cache[key]; ok {
		r.cacheMu.Unlock()
		return nodes
	}
	gen := r.cacheGen
	r.cacheMu.Unlock()

	nodes := r.registry.ListEligible(req)

	r.cacheMu.Lock()
	if r.cacheGen == gen {
		r.cache[key] = nodes
	}
	r.cacheMu.Unlock()
	return nodes
}

func (r *Router) invalidate() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cacheGen++
	clear(r.cache)
}

// cacheKey identifies a requirement set. Feature order does not matter.
func cacheKey(req models.Requirements) string {
	req.Spec.Features = append([]string(nil), req.Spec.Features...)
	sort.Strings(req.Spec.Features)
	b, _ := json.Marshal(req)
	return string(b)
}

func (r *Router) record(d models.RoutingDecision) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	r.decisions[r.logNext] = d
	r.logNext = (r.logNext + 1) % len(r.decisions)
	if r.logCount < len(r.decisions) {
		r.logCount++
	}
}

// Decisions returns up to limit recent decisions, newest first.
func (r *Router) Decisions(limit int) []models.RoutingDecision {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	if limit <= 0 || limit > r.logCount {
		limit = r.logCount
	}
	out := make([]models.RoutingDecision, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.logNext - i + len(r.decisions)) % len(r.decisions)
		out = append(out, r.decisions[idx])
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
