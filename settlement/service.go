// Package settlement orchestrates the escrow settlement and dispute
// resolution flow. It owns every transaction boundary: each public operation
// validates input and authorization first, then wraps the state transition and
// any ledger/distribution write in a single transaction keyed to one hold.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/dispute"
	"escrowflow/distribution"
	"escrowflow/engagement"
	"escrowflow/escrow"
	"escrowflow/money"
)

// Action names an operation for the access-control collaborator.
type Action string

const (
	ActionRaiseDispute   Action = "raise_dispute"
	ActionAddEvidence    Action = "add_evidence"
	ActionExtendDeadline Action = "extend_deadline"
	ActionArbitrate      Action = "arbitrate"
)

var (
	// ErrUnauthorized signals the caller is neither a party nor an arbiter
	// for the requested action.
	ErrUnauthorized = errors.New("settlement: unauthorized")
)

// Authorizer is the external access-control collaborator.
type Authorizer interface {
	Authorize(ctx context.Context, callerID, holdID string, action Action) (bool, error)
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// HoldLedger is the escrow ledger surface the executor drives.
type HoldLedger interface {
	CreateHold(ctx context.Context, engagementID string, amount money.Cents, deadline time.Time) (escrow.Hold, error)
	GetHold(ctx context.Context, holdID string) (escrow.Hold, error)
	ArmAutoRelease(ctx context.Context, holdID string, deadline time.Time) (escrow.Hold, error)
	LockHold(ctx context.Context, tx pgx.Tx, holdID string) (escrow.Hold, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, holdID string) (escrow.Hold, error)
	ClaimExpired(ctx context.Context, limit int) ([]escrow.Hold, error)
	ApplyDistribution(ctx context.Context, tx pgx.Tx, holdID string, rec distribution.Record, newStatus escrow.Status) (escrow.Hold, error)
}

// DisputeStore is the dispute workflow surface the executor drives.
type DisputeStore interface {
	Create(ctx context.Context, tx pgx.Tx, params dispute.CreateParams) (dispute.Record, error)
	GetByID(ctx context.Context, disputeID string) (dispute.Record, error)
	LockByID(ctx context.Context, tx pgx.Tx, disputeID string) (dispute.Record, error)
	AppendEvidence(ctx context.Context, tx pgx.Tx, disputeID, submittedBy string, items []dispute.Evidence) ([]dispute.Evidence, error)
	MarkUnderReview(ctx context.Context, tx pgx.Tx, disputeID string) error
	AppendNote(ctx context.Context, disputeID, arbiterID, note string) (dispute.ArbiterNote, error)
	UpdatePriority(ctx context.Context, disputeID string, priority dispute.Priority) (dispute.Record, error)
	Escalate(ctx context.Context, disputeID string) (dispute.Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, params dispute.ResolveParams) (dispute.Record, error)
	Close(ctx context.Context, disputeID string) (dispute.Record, error)
}

// Snapshot bundles the updated hold and dispute returned by each operation.
type Snapshot struct {
	Hold    escrow.Hold
	Dispute *dispute.Record
}

// Settlement is the result of a terminal transition: the settled hold, the
// resolved dispute when one existed, and the itemized distribution.
type Settlement struct {
	Hold         escrow.Hold
	Dispute      *dispute.Record
	Distribution distribution.Record
}

type Service struct {
	pool        TxBeginner
	holds       HoldLedger
	disputes    DisputeStore
	engagements engagement.Reader
	authz       Authorizer
	now         func() time.Time
}

func NewService(pool TxBeginner, holds HoldLedger, disputes DisputeStore, engagements engagement.Reader, authz Authorizer) *Service {
	return &Service{
		pool:        pool,
		holds:       holds,
		disputes:    disputes,
		engagements: engagements,
		authz:       authz,
		now:         time.Now,
	}
}

// CreateHold opens the escrow hold for a delivered engagement and arms the
// auto-release timer. Called once by the upstream workflow.
func (s *Service) CreateHold(ctx context.Context, engagementID string, autoReleaseDelay time.Duration) (escrow.Hold, error) {
	eng, err := s.engagements.GetEngagement(ctx, engagementID)
	if err != nil {
		return escrow.Hold{}, err
	}
	if eng.DeliveredAt == nil {
		return escrow.Hold{}, dispute.ValidationError{Field: "engagement", Reason: "not yet delivered"}
	}
	if autoReleaseDelay <= 0 {
		return escrow.Hold{}, dispute.ValidationError{Field: "auto_release_delay", Reason: "must be positive"}
	}
	return s.holds.CreateHold(ctx, engagementID, eng.Amount, s.now().Add(autoReleaseDelay))
}

// ExtendAutoRelease pushes the auto-release deadline of a held hold further
// out, giving the client more review time. Only a party may extend, and only
// while the hold is still held; a disputed or settled hold rejects the re-arm.
func (s *Service) ExtendAutoRelease(ctx context.Context, callerID, holdID string, delay time.Duration) (escrow.Hold, error) {
	if delay <= 0 {
		return escrow.Hold{}, dispute.ValidationError{Field: "auto_release_delay", Reason: "must be positive"}
	}
	if _, err := s.holds.GetHold(ctx, holdID); err != nil {
		return escrow.Hold{}, err
	}
	if err := s.authorize(ctx, callerID, holdID, ActionExtendDeadline); err != nil {
		return escrow.Hold{}, err
	}
	return s.holds.ArmAutoRelease(ctx, holdID, s.now().Add(delay))
}

// RaiseDispute freezes the default release: in one transaction the hold flips
// held -> disputed with its deadline cleared, the dispute row is created, and
// the raiser's initial evidence is attached. Both or neither.
func (s *Service) RaiseDispute(ctx context.Context, callerID, holdID, reason string, items []dispute.Evidence) (Snapshot, error) {
	if err := dispute.ValidateReason(reason); err != nil {
		return Snapshot{}, err
	}
	for _, item := range items {
		if err := dispute.ValidateEvidence(item); err != nil {
			return Snapshot{}, err
		}
	}
	// Existence first so an unknown hold reads as not-found, not as an
	// authorization denial.
	if _, err := s.holds.GetHold(ctx, holdID); err != nil {
		return Snapshot{}, err
	}
	if err := s.authorize(ctx, callerID, holdID, ActionRaiseDispute); err != nil {
		return Snapshot{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("settlement: begin raise tx: %w", err)
	}
	defer tx.Rollback(ctx)

	hold, err := s.holds.MarkDisputed(ctx, tx, holdID)
	if err != nil {
		return Snapshot{}, err
	}

	rec, err := s.disputes.Create(ctx, tx, dispute.CreateParams{
		HoldID:   holdID,
		RaisedBy: callerID,
		Reason:   reason,
	})
	if err != nil {
		return Snapshot{}, err
	}

	if len(items) > 0 {
		if _, err := s.disputes.AppendEvidence(ctx, tx, rec.ID, callerID, items); err != nil {
			return Snapshot{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("settlement: commit raise tx: %w", err)
	}

	return Snapshot{Hold: hold, Dispute: &rec}, nil
}

// AddEvidence appends evidence while the dispute is still active. The first
// item from the counter-party advances the dispute to under_review.
func (s *Service) AddEvidence(ctx context.Context, callerID, disputeID string, items []dispute.Evidence) (Snapshot, error) {
	if len(items) == 0 {
		return Snapshot{}, dispute.ValidationError{Field: "evidence", Reason: "at least one item required"}
	}
	for _, item := range items {
		if err := dispute.ValidateEvidence(item); err != nil {
			return Snapshot{}, err
		}
	}

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.authorize(ctx, callerID, d.HoldID, ActionAddEvidence); err != nil {
		return Snapshot{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("settlement: begin evidence tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.disputes.LockByID(ctx, tx, disputeID)
	if err != nil {
		return Snapshot{}, err
	}
	if !locked.Status.AcceptsEvidence() {
		return Snapshot{}, dispute.ErrAlreadyResolved
	}

	if _, err := s.disputes.AppendEvidence(ctx, tx, disputeID, callerID, items); err != nil {
		return Snapshot{}, err
	}

	if locked.Status == dispute.StatusOpen && callerID != locked.RaisedBy {
		if err := s.disputes.MarkUnderReview(ctx, tx, disputeID); err != nil {
			return Snapshot{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("settlement: commit evidence tx: %w", err)
	}

	refreshed, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return Snapshot{}, err
	}
	hold, err := s.holds.GetHold(ctx, refreshed.HoldID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Hold: hold, Dispute: &refreshed}, nil
}

// AddArbiterNote records an audit-only annotation; the dispute state is
// untouched.
func (s *Service) AddArbiterNote(ctx context.Context, arbiterID, disputeID, note string) (dispute.ArbiterNote, error) {
	if len(note) == 0 {
		return dispute.ArbiterNote{}, dispute.ValidationError{Field: "note", Reason: "must not be empty"}
	}
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return dispute.ArbiterNote{}, err
	}
	if err := s.authorize(ctx, arbiterID, d.HoldID, ActionArbitrate); err != nil {
		return dispute.ArbiterNote{}, err
	}
	return s.disputes.AppendNote(ctx, disputeID, arbiterID, note)
}

// UpdatePriority changes the arbiter-facing priority of an active dispute.
func (s *Service) UpdatePriority(ctx context.Context, arbiterID, disputeID string, priority dispute.Priority) (dispute.Record, error) {
	if !priority.Valid() {
		return dispute.Record{}, dispute.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown level %q", priority)}
	}
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return dispute.Record{}, err
	}
	if err := s.authorize(ctx, arbiterID, d.HoldID, ActionArbitrate); err != nil {
		return dispute.Record{}, err
	}
	return s.disputes.UpdatePriority(ctx, disputeID, priority)
}

// Escalate forces the priority to urgent.
func (s *Service) Escalate(ctx context.Context, arbiterID, disputeID string) (dispute.Record, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return dispute.Record{}, err
	}
	if err := s.authorize(ctx, arbiterID, d.HoldID, ActionArbitrate); err != nil {
		return dispute.Record{}, err
	}
	return s.disputes.Escalate(ctx, disputeID)
}

// Resolve applies the arbiter's outcome. In one transaction the dispute is
// compare-and-set to resolved, the distribution is computed from the
// engagement's persisted rates, and the hold moves to its terminal status with
// the distribution record written. A concurrent second resolve loses the CAS
// and observes ErrAlreadyResolved; no second distribution can exist.
func (s *Service) Resolve(ctx context.Context, arbiterID, disputeID string, outcome distribution.Outcome, refundPercent *int, narrative string) (Settlement, error) {
	if err := dispute.ValidateResolution(outcome, refundPercent, narrative); err != nil {
		return Settlement{}, err
	}

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return Settlement{}, err
	}
	if err := s.authorize(ctx, arbiterID, d.HoldID, ActionArbitrate); err != nil {
		return Settlement{}, err
	}

	hold, err := s.holds.GetHold(ctx, d.HoldID)
	if err != nil {
		return Settlement{}, err
	}
	eng, err := s.engagements.GetEngagement(ctx, hold.EngagementID)
	if err != nil {
		return Settlement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("settlement: begin resolve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock ordering is always hold before dispute.
	locked, err := s.holds.LockHold(ctx, tx, d.HoldID)
	if err != nil {
		return Settlement{}, err
	}

	resolved, err := s.disputes.Resolve(ctx, tx, dispute.ResolveParams{
		DisputeID:     disputeID,
		ArbiterID:     arbiterID,
		Outcome:       outcome,
		RefundPercent: refundPercent,
		Narrative:     narrative,
	})
	if err != nil {
		return Settlement{}, err
	}

	rec, err := s.computeDistribution(locked.Amount, eng, outcome, refundPercent)
	if err != nil {
		return Settlement{}, err
	}

	settled, err := s.holds.ApplyDistribution(ctx, tx, d.HoldID, rec, terminalStatus(outcome))
	if err != nil {
		return Settlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, fmt.Errorf("settlement: commit resolve tx: %w", err)
	}

	return Settlement{Hold: settled, Dispute: &resolved, Distribution: rec}, nil
}

// CloseDispute archives a resolved dispute; no further effect.
func (s *Service) CloseDispute(ctx context.Context, arbiterID, disputeID string) (dispute.Record, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return dispute.Record{}, err
	}
	if err := s.authorize(ctx, arbiterID, d.HoldID, ActionArbitrate); err != nil {
		return dispute.Record{}, err
	}
	return s.disputes.Close(ctx, disputeID)
}

func (s *Service) computeDistribution(gross money.Cents, eng engagement.Engagement, outcome distribution.Outcome, refundPercent *int) (distribution.Record, error) {
	params := distribution.ComputeParams{
		Gross:             gross,
		Outcome:           outcome,
		PlatformFeeBps:    eng.PlatformFeeBps,
		WithholdingTaxBps: eng.WithholdingTaxBps,
	}
	if eng.FirmAffiliated() {
		params.FirmCommissionBps = eng.FirmCommissionBps
	}
	if refundPercent != nil {
		params.RefundPercent = *refundPercent
	}
	rec, err := distribution.Compute(params)
	if err != nil {
		return distribution.Record{}, fmt.Errorf("settlement: compute distribution: %w", err)
	}
	return rec, nil
}

func terminalStatus(outcome distribution.Outcome) escrow.Status {
	switch outcome {
	case distribution.OutcomeFullRefund:
		return escrow.StatusRefunded
	case distribution.OutcomePartialRefund:
		return escrow.StatusPartiallyRefunded
	default:
		return escrow.StatusReleased
	}
}

func (s *Service) authorize(ctx context.Context, callerID, holdID string, action Action) error {
	ok, err := s.authz.Authorize(ctx, callerID, holdID, action)
	if err != nil {
		return fmt.Errorf("settlement: authorize %s: %w", action, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s on hold %s", ErrUnauthorized, action, holdID)
	}
	return nil
}
