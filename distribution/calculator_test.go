package distribution

import (
	"errors"
	"math/rand"
	"testing"

	"escrowflow/money"
)

// Scenario: gross 10,000.00, solo practitioner, 15% platform fee, 10% tax,
// release to practitioner.
func TestCompute_ReleaseSolo(t *testing.T) {
	rec, err := Compute(ComputeParams{
		Gross:             1000000,
		Outcome:           OutcomeRelease,
		PlatformFeeBps:    1500,
		WithholdingTaxBps: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.PlatformFee != 150000 {
		t.Errorf("platform fee = %d, want 150000", rec.PlatformFee)
	}
	if rec.FirmCommission != 0 {
		t.Errorf("firm commission = %d, want 0", rec.FirmCommission)
	}
	if rec.PractitionerGross != 850000 {
		t.Errorf("practitioner gross = %d, want 850000", rec.PractitionerGross)
	}
	if rec.WithheldTax != 85000 {
		t.Errorf("withheld tax = %d, want 85000", rec.WithheldTax)
	}
	if rec.PractitionerNet != 765000 {
		t.Errorf("practitioner net = %d, want 765000", rec.PractitionerNet)
	}
	if rec.Refund != 0 {
		t.Errorf("refund = %d, want 0", rec.Refund)
	}
	if !rec.Conserved() {
		t.Errorf("record does not conserve gross: %+v", rec)
	}
}

// Scenario: gross 10,000.00, 60% partial refund; the remaining 4,000.00 runs
// through the same fee/tax split as a release.
func TestCompute_PartialRefund(t *testing.T) {
	rec, err := Compute(ComputeParams{
		Gross:             1000000,
		Outcome:           OutcomePartialRefund,
		RefundPercent:     60,
		PlatformFeeBps:    1500,
		WithholdingTaxBps: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Refund != 600000 {
		t.Errorf("refund = %d, want 600000", rec.Refund)
	}
	if rec.PlatformFee != 60000 {
		t.Errorf("platform fee = %d, want 60000", rec.PlatformFee)
	}
	if rec.PractitionerGross != 340000 {
		t.Errorf("practitioner gross = %d, want 340000", rec.PractitionerGross)
	}
	if rec.WithheldTax != 34000 {
		t.Errorf("withheld tax = %d, want 34000", rec.WithheldTax)
	}
	if rec.PractitionerNet != 306000 {
		t.Errorf("practitioner net = %d, want 306000", rec.PractitionerNet)
	}
	if !rec.Conserved() {
		t.Errorf("record does not conserve gross: %+v", rec)
	}
}

func TestCompute_FullRefund(t *testing.T) {
	rec, err := Compute(ComputeParams{
		Gross:             1000000,
		Outcome:           OutcomeFullRefund,
		PlatformFeeBps:    1500,
		FirmCommissionBps: 2000,
		WithholdingTaxBps: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Refund != 1000000 {
		t.Errorf("refund = %d, want full gross", rec.Refund)
	}
	if rec.PlatformFee != 0 || rec.FirmCommission != 0 || rec.PractitionerNet != 0 || rec.WithheldTax != 0 {
		t.Errorf("expected all non-refund shares zero: %+v", rec)
	}
	if !rec.Conserved() {
		t.Errorf("record does not conserve gross: %+v", rec)
	}
}

func TestCompute_FirmCommission(t *testing.T) {
	rec, err := Compute(ComputeParams{
		Gross:             1000000,
		Outcome:           OutcomeRelease,
		PlatformFeeBps:    1500,
		FirmCommissionBps: 2000, // 20% of the post-fee remainder
		WithholdingTaxBps: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.FirmCommission != 170000 { // 20% of 850000
		t.Errorf("firm commission = %d, want 170000", rec.FirmCommission)
	}
	if rec.PractitionerGross != 680000 {
		t.Errorf("practitioner gross = %d, want 680000", rec.PractitionerGross)
	}
	if rec.WithheldTax != 68000 {
		t.Errorf("withheld tax = %d, want 68000", rec.WithheldTax)
	}
	if rec.PractitionerNet != 612000 {
		t.Errorf("practitioner net = %d, want 612000", rec.PractitionerNet)
	}
	if !rec.Conserved() {
		t.Errorf("record does not conserve gross: %+v", rec)
	}
}

// Rounding edge from the settlement requirements: gross 100.00 with a 33%
// partial refund must not lose a cent anywhere.
func TestCompute_RoundingEdge(t *testing.T) {
	rec, err := Compute(ComputeParams{
		Gross:             10000,
		Outcome:           OutcomePartialRefund,
		RefundPercent:     33,
		PlatformFeeBps:    1500,
		WithholdingTaxBps: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Refund != 3300 {
		t.Errorf("refund = %d, want 3300", rec.Refund)
	}
	if !rec.Conserved() {
		t.Errorf("record does not conserve gross: %+v", rec)
	}
}

// Conservation must hold for arbitrary inputs, including amounts that do not
// divide evenly by any of the rates.
func TestCompute_ConservationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	outcomes := []Outcome{OutcomeRelease, OutcomePartialRefund, OutcomeFullRefund}

	for i := 0; i < 5000; i++ {
		p := ComputeParams{
			Gross:             money.Cents(rng.Int63n(10_000_000)),
			Outcome:           outcomes[rng.Intn(len(outcomes))],
			RefundPercent:     rng.Intn(101),
			PlatformFeeBps:    money.Bps(rng.Int63n(5001)),
			FirmCommissionBps: money.Bps(rng.Int63n(5001)),
			WithholdingTaxBps: money.Bps(rng.Int63n(5001)),
		}
		rec, err := Compute(p)
		if err != nil {
			t.Fatalf("case %d: unexpected error for %+v: %v", i, p, err)
		}
		if !rec.Conserved() {
			t.Fatalf("case %d: conservation violated for %+v: %+v", i, p, rec)
		}
		if rec.PractitionerNet < 0 || rec.WithheldTax < 0 || rec.PlatformFee < 0 || rec.FirmCommission < 0 || rec.Refund < 0 {
			t.Fatalf("case %d: negative component for %+v: %+v", i, p, rec)
		}
	}
}

func TestCompute_Validation(t *testing.T) {
	if _, err := Compute(ComputeParams{Gross: 100, Outcome: "split_evenly"}); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := Compute(ComputeParams{Gross: 100, Outcome: OutcomePartialRefund, RefundPercent: 101}); !errors.Is(err, ErrInvalidPercent) {
		t.Fatalf("expected ErrInvalidPercent, got %v", err)
	}
	if _, err := Compute(ComputeParams{Gross: -1, Outcome: OutcomeRelease}); !errors.Is(err, money.ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}
