package models

import (
	"time"

	"github.com/google/uuid"
)

// ScoreComponents are the per-factor contributions, each in [0,1].
type ScoreComponents struct {
	Spec        float64 `json:"spec"`
	Performance float64 `json:"performance"`
	Load        float64 `json:"load"`
	Proximity   float64 `json:"proximity"`
	Price       float64 `json:"price"`
}

// CandidateScore is one ranked entry of a routing decision.
type CandidateScore struct {
	NodeID       string          `json:"node_id"`
	Score        float64         `json:"score"`
	PricePerHour float64         `json:"price_per_hour"`
	Components   ScoreComponents `json:"components"`
}

// RoutingDecision records why a job was placed where it was.
type RoutingDecision struct {
	ID            uuid.UUID        `json:"id"`
	JobID         uuid.UUID        `json:"job_id"`
	Candidates    []CandidateScore `json:"candidates"`
	ChosenNode    string           `json:"chosen_node"`
	Excluded      []string         `json:"excluded,omitempty"`
	StaleSnapshot bool             `json:"stale_snapshot"`
	DecidedAt     time.Time        `json:"decided_at"`
}
