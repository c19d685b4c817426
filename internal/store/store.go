package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateNode(ctx context.Context, node *models.Node) error
	GetNode(ctx context.Context, id string) (*models.Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*models.Node, error)
	UpdateNode(ctx context.Context, id string, opts ...NodeUpdateOption) error
	DeleteNode(ctx context.Context, id string) error
	UpdateNodeHealth(ctx context.Context, h models.NodeHealth) error

	CreateAssignment(ctx context.Context, a *models.Assignment) error
	DeleteAssignment(ctx context.Context, jobID uuid.UUID) error
	ListAssignments(ctx context.Context, nodeID string) ([]*models.Assignment, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error

	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	UpdateCheckpointStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkRestoreAttempted(ctx context.Context, id uuid.UUID) error
	ListCheckpoints(ctx context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error)
	LatestCommittedCheckpoint(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error)
	MaxCheckpointSeq(ctx context.Context, jobID uuid.UUID) (int64, error)
	DeleteCheckpoint(ctx context.Context, id uuid.UUID) error

	CreateFailoverEvent(ctx context.Context, e *models.FailoverEvent) error
	ListFailoverEvents(ctx context.Context, jobID uuid.UUID) ([]*models.FailoverEvent, error)
}

// NodeFilter narrows ListNodes. Zero values match everything.
type NodeFilter struct {
	Region       string
	OperatorID   string
	EligibleOnly bool
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	NodeID   string
	Statuses []models.JobStatus
	Limit    int
}

type nodeUpdateParams struct {
	CapacityGPUs *int
	PricePerHour *float64
	Eligible     *bool
	Endpoint     *string
}

type NodeUpdateOption func(*nodeUpdateParams)

func WithCapacity(gpus int) NodeUpdateOption {
	return func(p *nodeUpdateParams) {
		p.CapacityGPUs = &gpus
	}
}

func WithPrice(price float64) NodeUpdateOption {
	return func(p *nodeUpdateParams) {
		p.PricePerHour = &price
	}
}

func WithEligible(eligible bool) NodeUpdateOption {
	return func(p *nodeUpdateParams) {
		p.Eligible = &eligible
	}
}

func WithEndpoint(endpoint string) NodeUpdateOption {
	return func(p *nodeUpdateParams) {
		p.Endpoint = &endpoint
	}
}

type jobUpdateParams struct {
	NodeID       *string
	ClearNode    bool
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

// WithNodeID records the node the job now runs on.
func WithNodeID(id string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.NodeID = &id
		p.ClearNode = false
	}
}

// WithoutNode clears the job's node.
func WithoutNode() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.NodeID = nil
		p.ClearNode = true
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func applyJobOptions(opts []JobUpdateOption) *jobUpdateParams {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

func applyNodeOptions(opts []NodeUpdateOption) *nodeUpdateParams {
	params := &nodeUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}
