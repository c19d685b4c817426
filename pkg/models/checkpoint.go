package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	CheckpointStatusPending   = "pending"
	CheckpointStatusCommitted = "committed"
	CheckpointStatusFailed    = "failed"
)

// Checkpoint is the metadata of a durable snapshot of job state. The payload
// itself lives in the blob store under BlobKey.
type Checkpoint struct {
	ID               uuid.UUID  `db:"id"                json:"id"`
	JobID            uuid.UUID  `db:"job_id"            json:"job_id"`
	Seq              int64      `db:"seq"               json:"seq"`
	BlobKey          string     `db:"blob_key"          json:"blob_key"`
	Size             int        `db:"size"              json:"size"`
	Digest           string     `db:"digest"            json:"digest"`
	Status           string     `db:"status"            json:"status"`
	RestoreAttempted bool       `db:"restore_attempted" json:"restore_attempted"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	CommittedAt      *time.Time `db:"committed_at"      json:"committed_at,omitempty"`
}

// DurabilityWarning reports a checkpoint that could not be persisted after
// retries ran out. The job keeps running on its last commit.
type DurabilityWarning struct {
	JobID    uuid.UUID `json:"job_id"`
	Seq      int64     `json:"seq"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}
