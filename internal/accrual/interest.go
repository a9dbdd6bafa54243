// Package accrual computes compounded interest and missed-payment penalties.
// Functions are pure; the ledger applies their results.
package accrual

import (
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/shopspring/decimal"
)

// CentPlaces is the precision every accrued amount is rounded to.
const CentPlaces = 2

// intermediate precision for compounding factors
const factorPlaces = 20

var one = decimal.NewFromInt(1)

// Interest returns balance * ((1 + rate)^periods - 1), rounded to cents.
// Zero or negative balances and zero periods accrue nothing.
func Interest(balance, rate decimal.Decimal, periods int) decimal.Decimal {
	if periods <= 0 || !balance.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	factor := pow(one.Add(rate), periods).Sub(one)
	return balance.Mul(factor).Round(CentPlaces)
}

// pow raises base to n by squaring, truncating intermediates so long
// compounding runs stay bounded in size.
func pow(base decimal.Decimal, n int) decimal.Decimal {
	result := one
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Truncate(factorPlaces)
		}
		base = base.Mul(base).Truncate(factorPlaces)
		n >>= 1
	}
	return result
}

// Checkpointed is the result of accruing interest since a ledger checkpoint.
type Checkpointed struct {
	Interest   decimal.Decimal
	Periods    int
	Checkpoint time.Time
}

// Since computes interest for the whole compounding periods elapsed between
// checkpoint and now. The returned checkpoint only advances by whole periods,
// so a partial period keeps accumulating and a second call at the same instant
// accrues nothing. FrequencyNone never accrues and never moves the checkpoint.
func Since(balance, rate decimal.Decimal, freq domain.Frequency, checkpoint, now time.Time) Checkpointed {
	if freq == domain.FrequencyNone || freq == "" {
		return Checkpointed{Interest: decimal.Zero, Checkpoint: checkpoint}
	}
	n := freq.StepsBetween(checkpoint, now)
	if n == 0 {
		return Checkpointed{Interest: decimal.Zero, Checkpoint: checkpoint}
	}
	return Checkpointed{
		Interest:   Interest(balance, rate, n),
		Periods:    n,
		Checkpoint: freq.Advance(checkpoint, n),
	}
}
