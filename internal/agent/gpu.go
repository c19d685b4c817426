package agent

import (
	"math/rand/v2"
	"sync"
)

// Sample is one reading of the node's GPUs.
type Sample struct {
	Utilization  float64 `json:"utilization"`
	GPUsVisible  int     `json:"gpus_visible"`
	MemoryUsedGB float64 `json:"memory_used_gb"`
}

// Sampler reads the node's GPUs.
type Sampler interface {
	Sample() Sample
}

// Simulator stands in for nvidia-smi on machines without GPUs. Utilization
// follows a bounded random walk so probes see a plausible, changing load.
type Simulator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	gpus     int
	memoryGB int
	util     float64
}

func NewSimulator(gpus, memoryGB int, seed uint64) *Simulator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Simulator{
		rng:      rng,
		gpus:     gpus,
		memoryGB: memoryGB,
		util:     0.2 + 0.3*rng.Float64(),
	}
}

func (s *Simulator) Sample() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.util += (s.rng.Float64() - 0.5) * 0.2
	if s.util < 0 {
		s.util = 0
	}
	if s.util > 1 {
		s.util = 1
	}
	return Sample{
		Utilization:  s.util,
		GPUsVisible:  s.gpus,
		MemoryUsedGB: s.util * float64(s.memoryGB*s.gpus),
	}
}
