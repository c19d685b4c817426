package models

import (
	"time"

	"github.com/google/uuid"
)

// FailoverOutcome is the result of migrating one job off a failed node.
type FailoverOutcome string

const (
	FailoverSucceeded     FailoverOutcome = "succeeded"
	FailoverNoCapacity    FailoverOutcome = "no-capacity"
	FailoverRestoreFailed FailoverOutcome = "restore-failed"
	FailoverAborted       FailoverOutcome = "aborted"
)

// FailoverEvent measures one migration against the recovery target.
type FailoverEvent struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	JobID        uuid.UUID       `db:"job_id"        json:"job_id"`
	SourceNode   string          `db:"source_node"   json:"source_node"`
	DestNode     *string         `db:"dest_node"     json:"dest_node,omitempty"`
	DetectedAt   time.Time       `db:"detected_at"   json:"detected_at"`
	CompletedAt  time.Time       `db:"completed_at"  json:"completed_at"`
	Outcome      FailoverOutcome `db:"outcome"       json:"outcome"`
	RestoredSeq  int64           `db:"restored_seq"  json:"restored_seq"`
	SLABreach    bool            `db:"sla_breach"    json:"sla_breach"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
}

// RecoveryTime is the wall-clock time from detection to resumed execution.
func (e *FailoverEvent) RecoveryTime() time.Duration {
	return e.CompletedAt.Sub(e.DetectedAt)
}
