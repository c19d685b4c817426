// Package health observes node liveness and drives each node through the
// healthy, degraded, suspect, failed and recovering states.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Nodes is the monitor's view of the registry.
type Nodes interface {
	List() []*models.Node
	HasAssignments(nodeID string) bool
}

// Sink persists health summaries.
type Sink interface {
	UpdateNodeHealth(ctx context.Context, h models.NodeHealth) error
}

type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	LatencyThreshold time.Duration
	Thresholds       Thresholds
	Window           int
	Concurrency      int
}

// Snapshot is a point-in-time copy of every tracked node's health. TakenAt
// is when the last complete probe cycle finished; zero before the first.
type Snapshot struct {
	TakenAt time.Time
	Nodes   map[string]models.NodeHealth
}

// Healthy reports whether id is tracked and in the healthy state.
func (s Snapshot) Healthy(id string) bool {
	h, ok := s.Nodes[id]
	return ok && h.State == models.HealthHealthy
}

type tracker struct {
	machine     *machine
	window      *window
	lastProbeAt time.Time
	utilization float64
	probes      int
}

type probeResult struct {
	node    *models.Node
	outcome models.ProbeOutcome
	latency time.Duration
	report  Report
	err     error
}

type Monitor struct {
	cfg       Config
	nodes     Nodes
	prober    Prober
	metrics   MetricsSource
	sink      Sink
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// cycle holds one token while a probe cycle runs. cycles counts the
	// cycles that applied their results.
	cycle  chan struct{}
	cycles atomic.Uint64

	mu        sync.RWMutex
	trackers  map[string]*tracker
	seq       uint64
	lastCycle time.Time
	subs      map[*Subscription]struct{}
}

type Option func(*Monitor)

// WithMetrics fills utilization from a metrics backend when probes omit it.
func WithMetrics(src MetricsSource) Option {
	return func(m *Monitor) { m.metrics = src }
}

// WithSink persists every node's summary after each cycle.
func WithSink(s Sink) Option {
	return func(m *Monitor) { m.sink = s }
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg Config, nodes Nodes, prober Prober, logger *slog.Logger, opts ...Option) *Monitor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	m := &Monitor{
		cfg:      cfg,
		nodes:    nodes,
		prober:   prober,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		trackers: make(map[string]*tracker),
		subs:     make(map[*Subscription]struct{}),
		cycle:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run probes on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", m.cfg.Interval, "concurrency", m.cfg.Concurrency)
	for {
		if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("probe cycle incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			m.closeSubscriptions()
			m.logger.Info("health monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh runs one probe cycle synchronously. Cycles never overlap. A call
// that has to wait for another cycle returns ctx.Err() if ctx ends first,
// and returns nil without probing again if that cycle applied its results.
// If ctx ends before every probe returns, no result from the cycle is
// applied.
func (m *Monitor) Refresh(ctx context.Context) error {
	seen := m.cycles.Load()
	select {
	case m.cycle <- struct{}{}:
	default:
		select {
		case m.cycle <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if m.cycles.Load() != seen {
			<-m.cycle
			return nil
		}
	}
	defer func() { <-m.cycle }()

	nodes := m.nodes.List()
	results := make([]probeResult, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i, n := range nodes {
		g.Go(func() error {
			results[i] = m.probe(gctx, n)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	var utilization map[string]float64
	if m.metrics != nil {
		u, err := m.metrics.Utilization(ctx)
		if err != nil {
			m.logger.Warn("metrics query failed", "error", err)
		}
		utilization = u
	}

	summaries, emitted := m.apply(nodes, results, utilization)
	m.cycles.Add(1)

	for _, e := range emitted {
		events.Emit(ctx, m.publisher, m.logger, events.Event{
			Type: events.TypeHealthTransition, Key: e.NodeID, At: e.ObservedAt, Payload: e,
		})
	}
	if m.sink != nil {
		for _, h := range summaries {
			if err := m.sink.UpdateNodeHealth(ctx, h); err != nil {
				m.logger.Warn("persist node health failed", "node_id", h.NodeID, "error", err)
			}
		}
	}
	return nil
}

func (m *Monitor) probe(ctx context.Context, n *models.Node) probeResult {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	report, err := m.prober.Probe(pctx, n)
	latency := time.Since(start)

	res := probeResult{node: n, latency: latency, report: report, err: err}
	switch {
	case err == nil && pctx.Err() != nil:
		res.outcome = models.ProbeTimeout
	case err == nil && m.cfg.LatencyThreshold > 0 && latency > m.cfg.LatencyThreshold:
		res.outcome = models.ProbeSlow
	case err == nil:
		res.outcome = models.ProbeSuccess
	case errors.Is(err, ErrProbeTimeout), errors.Is(err, ErrNoHeartbeat),
		errors.Is(err, context.DeadlineExceeded), pctx.Err() != nil:
		res.outcome = models.ProbeTimeout
	default:
		res.outcome = models.ProbeError
	}
	return res
}

// apply folds a cycle's results into the trackers in node-id order.
func (m *Monitor) apply(nodes []*models.Node, results []probeResult, utilization map[string]float64) ([]models.NodeHealth, []models.HealthEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	live := make(map[string]bool, len(nodes))
	summaries := make([]models.NodeHealth, 0, len(nodes))
	var emitted []models.HealthEvent

	for _, res := range results {
		id := res.node.ID
		live[id] = true

		t, ok := m.trackers[id]
		if !ok {
			t = &tracker{machine: newMachine(), window: newWindow(m.cfg.Window)}
			m.trackers[id] = t
		}

		from := t.machine.state
		to, reason, changed := t.machine.step(res.outcome, m.nodes.HasAssignments(id), m.cfg.Thresholds)

		t.window.add(models.HealthRecord{
			NodeID:              id,
			At:                  now,
			Outcome:             res.outcome,
			Latency:             res.latency,
			ConsecutiveFailures: t.machine.failStreak,
		})
		t.lastProbeAt = now
		t.probes++
		if res.report.HasUtilization {
			t.utilization = res.report.Utilization
		} else if u, ok := utilization[id]; ok {
			t.utilization = u
		}

		if res.err != nil {
			m.logger.Debug("probe failed", "node_id", id, "outcome", res.outcome, "error", res.err)
		}

		if changed {
			m.seq++
			e := models.HealthEvent{Seq: m.seq, NodeID: id, From: from, To: to, ObservedAt: now, Reason: reason}
			emitted = append(emitted, e)
			for s := range m.subs {
				s.enqueue(e)
			}
			level := slog.LevelInfo
			if to == models.HealthFailed || to == models.HealthSuspect {
				level = slog.LevelWarn
			}
			m.logger.Log(context.Background(), level, "node health changed",
				"node_id", id, "from", from, "to", to, "reason", reason, "seq", m.seq)
		}
		summaries = append(summaries, m.summary(id, t))
	}

	for id := range m.trackers {
		if !live[id] {
			delete(m.trackers, id)
		}
	}
	m.lastCycle = now
	return summaries, emitted
}

func (m *Monitor) summary(id string, t *tracker) models.NodeHealth {
	mean, success, errRate := t.window.stats()
	return models.NodeHealth{
		NodeID:      id,
		State:       t.machine.state,
		LastProbeAt: t.lastProbeAt,
		MeanLatency: mean,
		SuccessRate: success,
		ErrorRate:   errRate,
		Utilization: t.utilization,
		Probes:      t.probes,
	}
}

// Snapshot copies the current health of every tracked node.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Snapshot{TakenAt: m.lastCycle, Nodes: make(map[string]models.NodeHealth, len(m.trackers))}
	for id, t := range m.trackers {
		out.Nodes[id] = m.summary(id, t)
	}
	return out
}

// Health returns one node's summary. Nodes not yet probed are reported
// healthy with no probe history.
func (m *Monitor) Health(id string) models.NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trackers[id]
	if !ok {
		return models.NodeHealth{NodeID: id, State: models.HealthHealthy}
	}
	return m.summary(id, t)
}

// History returns the node's rolling probe window, oldest first.
func (m *Monitor) History(id string) []models.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trackers[id]
	if !ok {
		return nil
	}
	return t.window.recent()
}

// Subscribe returns a queue receiving every transition from now on.
func (m *Monitor) Subscribe() *Subscription {
	s := newSubscription()
	s.remove = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, s)
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s
}

func (m *Monitor) closeSubscriptions() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
