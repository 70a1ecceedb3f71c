package distribution

import (
	"errors"
	"fmt"

	"escrowflow/money"
)

// Outcome identifies how a settlement divides the held amount. The three
// values are mutually exclusive; an arbiter picks exactly one, and the default
// auto-release path uses OutcomeRelease.
type Outcome string

const (
	OutcomeRelease       Outcome = "release"
	OutcomePartialRefund Outcome = "partial_refund"
	OutcomeFullRefund    Outcome = "full_refund"
)

// Valid reports whether the outcome is one of the known values.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeRelease, OutcomePartialRefund, OutcomeFullRefund:
		return true
	}
	return false
}

var (
	ErrInvalidOutcome = errors.New("distribution: invalid outcome")
	ErrInvalidPercent = errors.New("distribution: refund percent out of range")
)

// ComputeParams carries everything the calculator needs. FirmCommissionBps is
// zero for a solo practitioner; the formula is identical either way.
type ComputeParams struct {
	Gross             money.Cents
	Outcome           Outcome
	RefundPercent     int // partial refund only, [0,100]
	PlatformFeeBps    money.Bps
	FirmCommissionBps money.Bps
	WithholdingTaxBps money.Bps
}

// Record is the itemized result of one settlement. Every rate used is carried
// alongside the amounts so the record stays reproducible after the
// engagement's configured defaults change.
type Record struct {
	Outcome           Outcome
	Gross             money.Cents
	PlatformFee       money.Cents
	FirmCommission    money.Cents
	PractitionerGross money.Cents
	WithheldTax       money.Cents
	PractitionerNet   money.Cents
	Refund            money.Cents
	RefundPercent     int
	PlatformFeeBps    money.Bps
	FirmCommissionBps money.Bps
	WithholdingTaxBps money.Bps
}

// Conserved reports whether every cent of the gross amount is accounted for:
// the platform fee, firm commission, practitioner net, the tax withheld on the
// practitioner's behalf, and the client refund must sum to the gross exactly.
func (r Record) Conserved() bool {
	return r.PlatformFee+r.FirmCommission+r.PractitionerNet+r.WithheldTax+r.Refund == r.Gross
}

// Compute produces the distribution for one settlement. Each component is
// rounded half-up to the cent; the practitioner gross share is derived by
// subtraction so any residual cent lands there and conservation holds exactly.
func Compute(p ComputeParams) (Record, error) {
	if p.Gross < 0 {
		return Record{}, money.ErrNegativeAmount
	}
	if !p.Outcome.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, p.Outcome)
	}
	if p.Outcome == OutcomePartialRefund && !money.ValidPercent(p.RefundPercent) {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidPercent, p.RefundPercent)
	}

	rec := Record{
		Outcome:           p.Outcome,
		Gross:             p.Gross,
		PlatformFeeBps:    p.PlatformFeeBps,
		FirmCommissionBps: p.FirmCommissionBps,
		WithholdingTaxBps: p.WithholdingTaxBps,
	}

	switch p.Outcome {
	case OutcomeFullRefund:
		rec.Refund = p.Gross
		return rec, nil
	case OutcomePartialRefund:
		refund, err := money.Share(p.Gross, money.PercentToBps(p.RefundPercent))
		if err != nil {
			return Record{}, fmt.Errorf("distribution: refund share: %w", err)
		}
		rec.Refund = refund
		rec.RefundPercent = p.RefundPercent
	case OutcomeRelease:
		// refund stays zero
	}

	remainder := p.Gross - rec.Refund

	fee, err := money.Share(remainder, p.PlatformFeeBps)
	if err != nil {
		return Record{}, fmt.Errorf("distribution: platform fee: %w", err)
	}
	rec.PlatformFee = fee

	firm, err := money.Share(remainder-fee, p.FirmCommissionBps)
	if err != nil {
		return Record{}, fmt.Errorf("distribution: firm commission: %w", err)
	}
	rec.FirmCommission = firm

	rec.PractitionerGross = remainder - fee - firm

	tax, err := money.Share(rec.PractitionerGross, p.WithholdingTaxBps)
	if err != nil {
		return Record{}, fmt.Errorf("distribution: withheld tax: %w", err)
	}
	rec.WithheldTax = tax
	rec.PractitionerNet = rec.PractitionerGross - tax

	return rec, nil
}
