package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusMigrating JobStatus = "migrating"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:   {JobStatusMigrating, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusMigrating: {JobStatusRunning, JobStatusFailed, JobStatusCompleted, JobStatusCancelled},
}

// ParseJobStatus converts a stored string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusPending, JobStatusRunning, JobStatusMigrating,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether s -> next is a legal edge.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, a := range jobTransitions[s] {
		if a == next {
			return true
		}
	}
	return false
}

// Requirements is what a job asks of the node it runs on.
type Requirements struct {
	Spec   ComputeSpec `json:"spec"             yaml:"spec"`
	GPUs   int         `json:"gpus"             yaml:"gpus"`
	Region string      `json:"region,omitempty" yaml:"region,omitempty"`
}

// Job is a unit of GPU work placed by the router and moved by failover.
type Job struct {
	ID           uuid.UUID    `db:"id"            json:"id"`
	Requirements Requirements `db:"requirements"  json:"requirements"`
	NodeID       *string      `db:"node_id"       json:"node_id,omitempty"`
	Status       JobStatus    `db:"status"        json:"status"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time   `db:"started_at"    json:"started_at,omitempty"`
	FinishedAt   *time.Time   `db:"finished_at"   json:"finished_at,omitempty"`
	CreatedAt    time.Time    `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"    json:"updated_at"`
}

// JobStatusView is the answer to a status query.
type JobStatusView struct {
	ID                uuid.UUID `json:"id"`
	Status            JobStatus `json:"status"`
	NodeID            *string   `json:"node_id,omitempty"`
	LastCheckpointSeq int64     `json:"last_checkpoint_seq"`
	UpdatedAt         time.Time `json:"updated_at"`
}
