package escrow

import (
	"time"

	"escrowflow/money"
)

// Status represents the lifecycle of an escrow hold.
type Status string

const (
	StatusHeld              Status = "held"
	StatusReleasePending    Status = "release_pending"
	StatusReleased          Status = "released"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusDisputed          Status = "disputed"
)

// Terminal reports whether the status is final. Terminal holds are retained
// for audit and never mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Settleable reports whether a distribution may be applied from this status.
func (s Status) Settleable() bool {
	switch s {
	case StatusHeld, StatusReleasePending, StatusDisputed:
		return true
	}
	return false
}

// Hold mirrors the escrow_holds table. Amount is immutable once created; only
// the status and the distributed amount change over the hold's life.
type Hold struct {
	ID            string
	EngagementID  string
	Amount        money.Cents
	Status        Status
	AutoReleaseAt *time.Time
	Distributed   money.Cents
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SettledAt     *time.Time
}
