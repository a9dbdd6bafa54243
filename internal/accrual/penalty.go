package accrual

import (
	"github.com/shopspring/decimal"
)

// Penalty returns outstanding * percent for one missed period, rounded to cents.
// percent is a fraction (0.10 is 10%).
func Penalty(outstanding, percent decimal.Decimal) decimal.Decimal {
	if !outstanding.IsPositive() || !percent.IsPositive() {
		return decimal.Zero
	}
	return outstanding.Mul(percent).Round(CentPlaces)
}

// Assessment is the ordered outcome of a missed period plus compounding.
type Assessment struct {
	Penalty  decimal.Decimal
	Interest decimal.Decimal
}

// Total returns penalty + interest.
func (a Assessment) Total() decimal.Decimal {
	return a.Penalty.Add(a.Interest)
}

// Assess applies the penalty first (when missed) and then compounds interest
// for the given periods on the resulting higher balance. The order changes
// the result: 100 with a 10% penalty and 5% interest yields 115.50, not 115.
func Assess(balance, penaltyPercent, rate decimal.Decimal, periods int, missed bool) Assessment {
	out := Assessment{Penalty: decimal.Zero, Interest: decimal.Zero}
	if missed {
		out.Penalty = Penalty(balance, penaltyPercent)
	}
	out.Interest = Interest(balance.Add(out.Penalty), rate, periods)
	return out
}
