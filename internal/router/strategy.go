package router

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

// Weights set the relative importance of each score component. They are
// normalized to sum to 1 before use.
type Weights struct {
	Spec        float64
	Performance float64
	Load        float64
	Proximity   float64
	Price       float64
}

func DefaultWeights() Weights {
	return Weights{Spec: 0.20, Performance: 0.30, Load: 0.25, Proximity: 0.15, Price: 0.10}
}

func (w Weights) normalized() Weights {
	sum := w.Spec + w.Performance + w.Load + w.Proximity + w.Price
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Spec:        w.Spec / sum,
		Performance: w.Performance / sum,
		Load:        w.Load / sum,
		Proximity:   w.Proximity / sum,
		Price:       w.Price / sum,
	}
}

// Candidate is a node the router may place a job on, with its current health.
type Candidate struct {
	Node   *models.Node
	Health models.NodeHealth
}

// Strategy ranks candidates, best first. Implementations must be
// deterministic for identical inputs.
type Strategy interface {
	Rank(req models.Requirements, candidates []Candidate) []models.CandidateScore
}

const (
	offRegionProximity = 0.25
	scorePrecision     = 1e6
)

// WeightedStrategy combines spec fit, observed performance, load, region
// proximity and price into a weighted score.
type WeightedStrategy struct {
	latencyRef time.Duration

	mu      sync.RWMutex
	weights Weights
}

func NewWeightedStrategy(w Weights, latencyRef time.Duration) *WeightedStrategy {
	if latencyRef <= 0 {
		latencyRef = 100 * time.Millisecond
	}
	return &WeightedStrategy{latencyRef: latencyRef, weights: w.normalized()}
}

// SetWeights swaps the weights used by subsequent Rank calls.
func (s *WeightedStrategy) SetWeights(w Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = w.normalized()
}

func (s *WeightedStrategy) Weights() Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights
}

func (s *WeightedStrategy) Rank(req models.Requirements, candidates []Candidate) []models.CandidateScore {
	w := s.Weights()

	minPrice := math.Inf(1)
	for _, c := range candidates {
		if c.Node.PricePerHour < minPrice {
			minPrice = c.Node.PricePerHour
		}
	}

	out := make([]models.CandidateScore, 0, len(candidates))
	for _, c := range candidates {
		comp := models.ScoreComponents{
			Spec:        specFit(req.Spec, c.Node.Spec),
			Performance: s.performance(c.Health),
			Load:        1 - clamp01(c.Health.Utilization),
			Proximity:   proximity(req.Region, c.Node.Region),
			Price:       priceScore(minPrice, c.Node.PricePerHour),
		}
		total := w.Spec*comp.Spec +
			w.Performance*comp.Performance +
			w.Load*comp.Load +
			w.Proximity*comp.Proximity +
			w.Price*comp.Price
		out = append(out, models.CandidateScore{
			NodeID:       c.Node.ID,
			Score:        round(total),
			PricePerHour: c.Node.PricePerHour,
			Components:   comp,
		})
	}
	sortScores(out)
	return out
}

// sortScores orders by score, then cheaper price, then node id.
func sortScores(s []models.CandidateScore) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if s[i].PricePerHour != s[j].PricePerHour {
			return s[i].PricePerHour < s[j].PricePerHour
		}
		return s[i].NodeID < s[j].NodeID
	})
}

// specFit is 1 when the node's memory matches the requirement exactly and
// falls towards 0.5 as the node oversizes it.
func specFit(req, node models.ComputeSpec) float64 {
	if req.MemoryGB <= 0 || node.MemoryGB <= 0 || node.MemoryGB == req.MemoryGB {
		return 1
	}
	fit := float64(req.MemoryGB) / float64(node.MemoryGB)
	return 0.5 + 0.5*clamp01(fit)
}

func (s *WeightedStrategy) performance(h models.NodeHealth) float64 {
	success := 1.0
	if h.Probes > 0 {
		success = clamp01(h.SuccessRate)
	}
	speed := 1 / (1 + float64(h.MeanLatency)/float64(s.latencyRef))
	return 0.5*success + 0.5*speed
}

func proximity(hint, region string) float64 {
	if hint == "" || hint == region {
		return 1
	}
	return offRegionProximity
}

func priceScore(minPrice, price float64) float64 {
	if price <= 0 {
		return 1
	}
	return clamp01(minPrice / price)
}

func round(v float64) float64 {
	return math.Round(v*scorePrecision) / scorePrecision
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
