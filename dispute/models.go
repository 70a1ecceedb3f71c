package dispute

import (
	"time"

	"escrowflow/distribution"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// Priority orders disputes for arbiter attention, low to urgent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the ordering of the priority; unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

// Valid reports whether the priority is one of the known levels.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Record mirrors the disputes table. Exactly one dispute may exist per escrow
// hold; the outcome fields are written once at resolution and never change.
type Record struct {
	ID              string
	HoldID          string
	RaisedBy        string
	Reason          string
	Status          Status
	Priority        Priority
	Escalated       bool
	Outcome         *distribution.Outcome
	RefundPercent   *int
	ResolutionNotes *string
	ResolvedBy      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// Evidence is one append-only attachment reference. The engine never carries
// file bytes; RefURL points into the external evidence store.
type Evidence struct {
	ID          string
	DisputeID   string
	SubmittedBy string
	Kind        string
	RefURL      string
	Description string
	SubmittedAt time.Time
}

// ArbiterNote is an append-only audit annotation; adding one never changes
// the dispute state.
type ArbiterNote struct {
	ID        string
	DisputeID string
	ArbiterID string
	Note      string
	CreatedAt time.Time
}
