// Package balance holds the pure arithmetic behind opname variances and debt balances.
package balance

import "github.com/shopspring/decimal"

// Remaining is the outstanding part of a debt. Amount never goes below zero;
// an overpayment is reported through Overpaid and Excess instead.
type Remaining struct {
	Amount   decimal.Decimal `json:"amount"`
	Overpaid bool            `json:"overpaid"`
	Excess   decimal.Decimal `json:"excess"`
}

// ComputeVariance returns observed - authoritative.
func ComputeVariance(authoritative decimal.Decimal, observed decimal.Decimal) decimal.Decimal {
	return observed.Sub(authoritative)
}

// ComputeRemaining returns total - paid clamped at zero. Callers must surface
// Overpaid rather than treat a zero Amount as settled exactly.
func ComputeRemaining(total decimal.Decimal, paid decimal.Decimal) Remaining {
	diff := total.Sub(paid)
	if diff.IsNegative() {
		return Remaining{
			Amount:   decimal.Zero,
			Overpaid: true,
			Excess:   diff.Neg(),
		}
	}
	return Remaining{Amount: diff, Excess: decimal.Zero}
}

// Stored values keep MaxScale decimal places and stay below 10^MaxIntegerDigits.
const (
	MaxScale         = 4
	MaxIntegerDigits = 16
)

var valueLimit = decimal.New(1, MaxIntegerDigits)

// Representable reports whether v survives storage unchanged: no more than
// MaxScale decimal places and an absolute value below 10^MaxIntegerDigits.
func Representable(v decimal.Decimal) bool {
	if !v.Equal(v.Truncate(MaxScale)) {
		return false
	}
	return v.Abs().LessThan(valueLimit)
}

// Sum adds up ledger amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total
}
