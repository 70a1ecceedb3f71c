package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is a monetary amount in the smallest currency unit. All ledger and
// distribution arithmetic happens on Cents so no settlement can lose or invent
// a fraction of a cent.
type Cents int64

// Bps is a rate in basis points (10000 = 100%). Rates are stored per record so
// historical settlements stay reproducible after configuration changes.
type Bps int64

const fullRate Bps = 10000

var (
	// ErrNegativeAmount signals an amount below zero.
	ErrNegativeAmount = fmt.Errorf("money: negative amount")
	// ErrRateOutOfRange signals a rate outside [0, 10000] basis points.
	ErrRateOutOfRange = fmt.Errorf("money: rate out of range")
)

// PercentToBps converts a whole-number percentage to basis points.
func PercentToBps(percent int) Bps {
	return Bps(percent) * 100
}

// Percent renders the rate as a percentage value.
func (b Bps) Percent() float64 {
	return float64(b) / 100
}

// Valid reports whether the rate lies in [0%, 100%].
func (b Bps) Valid() bool {
	return b >= 0 && b <= fullRate
}

// ValidPercent reports whether a whole-number percentage lies in [0, 100].
func ValidPercent(percent int) bool {
	return percent >= 0 && percent <= 100
}

// Share computes amount*rate with round-half-up to the nearest cent.
// Amounts are expected to be non-negative; negative inputs error out rather
// than guessing a rounding direction.
func Share(amount Cents, rate Bps) (Cents, error) {
	if amount < 0 {
		return 0, ErrNegativeAmount
	}
	if !rate.Valid() {
		return 0, ErrRateOutOfRange
	}
	return Cents((int64(amount)*int64(rate) + int64(fullRate)/2) / int64(fullRate)), nil
}

// Format renders cents as a human-readable decimal string with thousands
// separators, e.g. 1234567 -> "12,345.67". Used in narratives and logs only;
// persistence always stores raw cents.
func Format(amount Cents) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	whole := int64(amount) / 100
	frac := int64(amount) % 100

	digits := strconv.FormatInt(whole, 10)
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)

	return fmt.Sprintf("%s%s.%02d", sign, strings.Join(groups, ","), frac)
}
