package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ComputeSpec describes the GPU capability a node offers or a job requires.
// Empty fields in a requirement match anything.
type ComputeSpec struct {
	Manufacturer string   `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"        yaml:"model,omitempty"`
	MemoryGB     int      `json:"memory_gb,omitempty"    yaml:"memory_gb,omitempty"`
	Features     []string `json:"features,omitempty"     yaml:"features,omitempty"`
}

// Satisfies reports whether a node offering s meets the requirement req.
func (s ComputeSpec) Satisfies(req ComputeSpec) bool {
	if req.Manufacturer != "" && !strings.EqualFold(req.Manufacturer, s.Manufacturer) {
		return false
	}
	if req.Model != "" && !strings.EqualFold(req.Model, s.Model) {
		return false
	}
	if s.MemoryGB < req.MemoryGB {
		return false
	}
	have := make(map[string]struct{}, len(s.Features))
	for _, f := range s.Features {
		have[strings.ToLower(f)] = struct{}{}
	}
	for _, f := range req.Features {
		if _, ok := have[strings.ToLower(f)]; !ok {
			return false
		}
	}
	return true
}

// NodeDescriptor is the operator-supplied registration payload.
type NodeDescriptor struct {
	ID           string      `json:"id"             yaml:"id"`
	OperatorID   string      `json:"operator_id"    yaml:"operator_id"`
	Region       string      `json:"region"         yaml:"region"`
	Endpoint     string      `json:"endpoint"       yaml:"endpoint"`
	Spec         ComputeSpec `json:"spec"           yaml:"spec"`
	CapacityGPUs int         `json:"capacity_gpus"  yaml:"capacity_gpus"`
	PricePerHour float64     `json:"price_per_hour" yaml:"price_per_hour"`
	Eligible     bool        `json:"eligible"       yaml:"eligible"`
}

// Node is a registered GPU compute unit. UsedGPUs is derived from active assignments.
type Node struct {
	ID           string      `db:"id"             json:"id"`
	OperatorID   string      `db:"operator_id"    json:"operator_id"`
	Region       string      `db:"region"         json:"region"`
	Endpoint     string      `db:"endpoint"       json:"endpoint"`
	Spec         ComputeSpec `db:"spec"           json:"spec"`
	CapacityGPUs int         `db:"capacity_gpus"  json:"capacity_gpus"`
	UsedGPUs     int         `db:"-"              json:"used_gpus"`
	PricePerHour float64     `db:"price_per_hour" json:"price_per_hour"`
	Eligible     bool        `db:"eligible"       json:"eligible"`
	CreatedAt    time.Time   `db:"created_at"     json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"     json:"updated_at"`
}

// FreeGPUs returns the unreserved capacity of the node.
func (n *Node) FreeGPUs() int {
	return n.CapacityGPUs - n.UsedGPUs
}

// NewNode builds a Node from a descriptor.
func NewNode(d NodeDescriptor, now time.Time) *Node {
	return &Node{
		ID:           d.ID,
		OperatorID:   d.OperatorID,
		Region:       d.Region,
		Endpoint:     d.Endpoint,
		Spec:         d.Spec,
		CapacityGPUs: d.CapacityGPUs,
		PricePerHour: d.PricePerHour,
		Eligible:     d.Eligible,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Assignment binds a job to the node it currently runs on.
type Assignment struct {
	JobID      uuid.UUID `db:"job_id"      json:"job_id"`
	NodeID     string    `db:"node_id"     json:"node_id"`
	GPUs       int       `db:"gpus"        json:"gpus"`
	AssignedAt time.Time `db:"assigned_at" json:"assigned_at"`
}
