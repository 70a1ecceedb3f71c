package dispute

import (
	"fmt"
	"strings"

	"escrowflow/distribution"
	"escrowflow/money"
)

const (
	// Reason bounds for raising a dispute.
	MinReasonLen = 10
	MaxReasonLen = 2000
	// MinNarrativeLen is the smallest acceptable resolution narrative.
	MinNarrativeLen = 20
)

// ValidationError marks recoverable caller mistakes detected before any
// transaction is opened. It is deliberately a distinct type from the
// state-conflict sentinels so callers can retry with corrected input instead
// of refreshing state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("dispute: invalid %s: %s", e.Field, e.Reason)
}

func validationf(field, format string, args ...any) error {
	return ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AcceptsEvidence reports whether evidence may still be appended. Evidence is
// append-only and frozen the moment the dispute resolves.
func (s Status) AcceptsEvidence() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Resolvable reports whether an arbiter may resolve from this status. A
// dispute whose counter-party never submitted evidence stays open, so open is
// resolvable too; blocking resolution would strand the hold.
func (s Status) Resolvable() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// ValidateTransition enforces the dispute state machine.
func ValidateTransition(from, to Status) error {
	allowed := map[Status][]Status{
		StatusOpen:        {StatusUnderReview, StatusResolved},
		StatusUnderReview: {StatusResolved},
		StatusResolved:    {StatusClosed},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadStatus, from, to)
}

// ValidateReason checks the free-text reason bounds for raising a dispute.
func ValidateReason(reason string) error {
	l := len(strings.TrimSpace(reason))
	if l < MinReasonLen {
		return validationf("reason", "must be at least %d characters", MinReasonLen)
	}
	if l > MaxReasonLen {
		return validationf("reason", "must be at most %d characters", MaxReasonLen)
	}
	return nil
}

// ValidateEvidence checks one evidence item; the reference URL is mandatory
// because the engine stores pointers into the evidence store, never bytes.
func ValidateEvidence(item Evidence) error {
	if strings.TrimSpace(item.Kind) == "" {
		return validationf("evidence.kind", "type tag is required")
	}
	if strings.TrimSpace(item.RefURL) == "" {
		return validationf("evidence.ref_url", "external reference is required")
	}
	return nil
}

// ValidateResolution checks the arbiter's resolution input: a minimum-length
// narrative always, and a refund percentage exactly when the outcome is
// partial.
func ValidateResolution(outcome distribution.Outcome, refundPercent *int, narrative string) error {
	if !outcome.Valid() {
		return validationf("outcome", "unknown outcome %q", outcome)
	}
	if len(strings.TrimSpace(narrative)) < MinNarrativeLen {
		return validationf("narrative", "must be at least %d characters", MinNarrativeLen)
	}
	if outcome == distribution.OutcomePartialRefund {
		if refundPercent == nil {
			return validationf("refund_percent", "required for partial refund")
		}
		if !money.ValidPercent(*refundPercent) {
			return validationf("refund_percent", "must be within [0,100], got %d", *refundPercent)
		}
		return nil
	}
	if refundPercent != nil {
		return validationf("refund_percent", "only allowed for partial refund")
	}
	return nil
}
