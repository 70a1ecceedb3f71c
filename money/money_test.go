package money

import "testing"

func TestShare_RoundHalfUp(t *testing.T) {
	cases := []struct {
		name   string
		amount Cents
		rate   Bps
		want   Cents
	}{
		{"exact", 10000, 1500, 1500},
		{"zero rate", 10000, 0, 0},
		{"full rate", 10000, 10000, 10000},
		{"half rounds up", 50, 1000, 5},      // 50 * 10% = 5.0
		{"sub-half rounds down", 4, 1000, 0}, // 0.4 -> 0
		{"exact half up", 5, 1000, 1},        // 0.5 -> 1
		{"thirty three percent of a dollar", 100, 3300, 33},
		{"fifteen percent of odd amount", 999, 1500, 150}, // 149.85 -> 150
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Share(tc.amount, tc.rate)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Share(%d, %d) = %d, want %d", tc.amount, tc.rate, got, tc.want)
			}
		})
	}
}

func TestShare_Validation(t *testing.T) {
	if _, err := Share(-1, 1000); err != ErrNegativeAmount {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
	if _, err := Share(100, 10001); err != ErrRateOutOfRange {
		t.Fatalf("expected ErrRateOutOfRange, got %v", err)
	}
	if _, err := Share(100, -1); err != ErrRateOutOfRange {
		t.Fatalf("expected ErrRateOutOfRange, got %v", err)
	}
}

func TestPercentToBps(t *testing.T) {
	if got := PercentToBps(33); got != 3300 {
		t.Fatalf("expected 3300, got %d", got)
	}
	if got := PercentToBps(100); got != 10000 {
		t.Fatalf("expected 10000, got %d", got)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   Cents
		want string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{100, "1.00"},
		{123456, "1,234.56"},
		{1000000, "10,000.00"},
		{123456789, "1,234,567.89"},
		{-765000, "-7,650.00"},
	}
	for _, tc := range cases {
		if got := Format(tc.in); got != tc.want {
			t.Errorf("Format(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
