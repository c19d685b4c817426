package models

import (
	"fmt"
	"time"
)

// HealthState is the control plane's belief about a node's liveness.
type HealthState uint8

const (
	HealthHealthy HealthState = iota + 1
	HealthDegraded
	HealthSuspect
	HealthFailed
	HealthRecovering
)

var healthStateNames = map[HealthState]string{
	HealthHealthy:    "healthy",
	HealthDegraded:   "degraded",
	HealthSuspect:    "suspect",
	HealthFailed:     "failed",
	HealthRecovering: "recovering",
}

func (s HealthState) String() string {
	if n, ok := healthStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("HealthState(%d)", uint8(s))
}

// ParseHealthState is the inverse of String.
func ParseHealthState(s string) (HealthState, error) {
	for st, n := range healthStateNames {
		if n == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown health state %q", s)
}

func (s HealthState) MarshalText() ([]byte, error) {
	if _, ok := healthStateNames[s]; !ok {
		return nil, fmt.Errorf("invalid health state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *HealthState) UnmarshalText(b []byte) error {
	st, err := ParseHealthState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ProbeOutcome classifies a single probe.
type ProbeOutcome string

const (
	ProbeSuccess ProbeOutcome = "success"
	ProbeSlow    ProbeOutcome = "slow"
	ProbeTimeout ProbeOutcome = "timeout"
	ProbeError   ProbeOutcome = "error"
)

// Failed reports whether the probe did not get an answer at all.
func (o ProbeOutcome) Failed() bool {
	return o == ProbeTimeout || o == ProbeError
}

// HealthRecord is one entry of a node's rolling probe window.
type HealthRecord struct {
	NodeID              string        `json:"node_id"`
	At                  time.Time     `json:"at"`
	Outcome             ProbeOutcome  `json:"outcome"`
	Latency             time.Duration `json:"latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// NodeHealth is the monitor's view of one node.
type NodeHealth struct {
	NodeID      string        `json:"node_id"`
	State       HealthState   `json:"state"`
	LastProbeAt time.Time     `json:"last_probe_at"`
	MeanLatency time.Duration `json:"mean_latency"`
	SuccessRate float64       `json:"success_rate"`
	ErrorRate   float64       `json:"error_rate"`
	Utilization float64       `json:"utilization"`
	Probes      int           `json:"probes"`
}

// HealthEvent is published once per state transition.
type HealthEvent struct {
	Seq        uint64      `json:"seq"`
	NodeID     string      `json:"node_id"`
	From       HealthState `json:"from"`
	To         HealthState `json:"to"`
	ObservedAt time.Time   `json:"observed_at"`
	Reason     string      `json:"reason"`
}

// Heartbeat is what a node agent reports in push and etcd probe modes.
type Heartbeat struct {
	NodeID      string    `json:"node_id"`
	Utilization float64   `json:"utilization"`
	GPUsVisible int       `json:"gpus_visible"`
	At          time.Time `json:"at"`
}
