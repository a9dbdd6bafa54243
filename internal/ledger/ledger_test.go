package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyPayment_Partial(t *testing.T) {
	l := New("c-1", domain.LedgerState{})
	require.NoError(t, l.Bill(d("50"), 0, t0))

	res, err := l.ApplyPayment(d("20"), 0, "ref-1", t0)
	require.NoError(t, err)
	assert.True(t, res.Applied.Equal(d("20")))
	assert.True(t, res.Remainder.IsZero())
	assert.True(t, l.Balance().Equal(d("30")))
	assert.True(t, l.State().AmountPaid.Equal(d("20")))
}

func TestApplyPayment_OverpaymentReportsRemainder(t *testing.T) {
	l := New("c-1", domain.LedgerState{})
	require.NoError(t, l.Bill(d("50"), 0, t0))

	res, err := l.ApplyPayment(d("80"), 0, "ref-1", t0)
	require.NoError(t, err)
	assert.True(t, res.Applied.Equal(d("50")))
	assert.True(t, res.Remainder.Equal(d("30")))
	assert.True(t, l.Balance().IsZero())
	assert.True(t, l.State().AmountPaid.Equal(d("50")), "only the applied part counts as paid")
}

func TestApplyPayment_RejectsNonPositive(t *testing.T) {
	for _, amt := range []string{"0", "-1"} {
		l := New("c-1", domain.LedgerState{})
		require.NoError(t, l.Bill(d("10"), 0, t0))

		_, err := l.ApplyPayment(d(amt), 0, "", t0)
		var invalid *domain.ErrInvalidAmount
		require.True(t, errors.As(err, &invalid), "amount %s", amt)
		assert.True(t, l.Balance().Equal(d("10")), "ledger untouched")
		assert.Len(t, l.Entries(), 1)
	}
}

func TestAccrue_RejectsNegative(t *testing.T) {
	l := New("c-1", domain.LedgerState{})
	err := l.Accrue(d("-0.01"), decimal.Zero, 0, t0)
	var invalid *domain.ErrInvalidAmount
	require.True(t, errors.As(err, &invalid))

	err = l.Accrue(decimal.Zero, d("-1"), 0, t0)
	require.True(t, errors.As(err, &invalid))
	assert.Empty(t, l.Entries())
}

func TestAccrue_PenaltyEntryPrecedesInterest(t *testing.T) {
	l := New("c-1", domain.LedgerState{})
	require.NoError(t, l.Bill(d("100"), 0, t0))
	require.NoError(t, l.Accrue(d("5.50"), d("10"), 0, t0))

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, domain.EntryPenalty, entries[1].Kind)
	assert.True(t, entries[1].BalanceAfter.Equal(d("110")))
	assert.Equal(t, domain.EntryInterest, entries[2].Kind)
	assert.True(t, entries[2].BalanceAfter.Equal(d("115.50")))
}

func TestAccrueInterest_CheckpointedOnce(t *testing.T) {
	terms := domain.Terms{
		InterestRatePerPeriod: d("0.02"),
		CompoundingFrequency:  domain.FrequencyMonthly,
	}
	l := New("c-1", domain.LedgerState{})
	require.NoError(t, l.Bill(d("100"), 0, t0))

	got, err := l.AccrueInterest(terms, 0, t0)
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "first call only sets the checkpoint")

	now := t0.AddDate(0, 3, 0)
	got, err = l.AccrueInterest(terms, 0, now)
	require.NoError(t, err)
	assert.True(t, got.Equal(d("6.12")), "got %s", got)
	assert.True(t, l.Balance().Equal(d("106.12")))

	got, err = l.AccrueInterest(terms, 0, now)
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "same checkpoint accrues nothing")
	assert.True(t, l.Balance().Equal(d("106.12")))
	assert.True(t, l.State().AccruedThrough.Equal(now))
}

func TestAssessMissedPeriod_PenaltyThenInterest(t *testing.T) {
	terms := domain.Terms{
		InterestRatePerPeriod: d("0.05"),
		CompoundingFrequency:  domain.FrequencyMonthly,
		PenaltyPercent:        d("0.10"),
	}
	start := t0
	l := New("c-1", domain.LedgerState{Principal: d("100"), AccruedThrough: &start})

	a, err := l.AssessMissedPeriod(terms, 0, t0.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, a.Penalty.Equal(d("10")))
	assert.True(t, a.Interest.Equal(d("5.50")))
	assert.True(t, l.Balance().Equal(d("115.50")))
	assert.False(t, l.Balance().Equal(d("115")))
}

func TestState_ReturnsCopy(t *testing.T) {
	cp := t0
	l := New("c-1", domain.LedgerState{AccruedThrough: &cp})
	s := l.State()
	*s.AccruedThrough = t0.Add(time.Hour)
	assert.True(t, l.State().AccruedThrough.Equal(t0))
}

// op is one randomly generated ledger operation for the invariant property.
type op struct {
	Kind  int
	Cents int64
}

func TestProperty_BalanceInvariant(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genOp := gopter.CombineGens(gen.IntRange(0, 3), gen.Int64Range(-500, 100000)).Map(func(v []interface{}) op {
		return op{Kind: v[0].(int), Cents: v[1].(int64)}
	})

	properties.Property("balance == principal + accruals - payments and never negative", prop.ForAll(
		func(ops []op) bool {
			l := New("c-prop", domain.LedgerState{})
			principal, accruals, payments := decimal.Zero, decimal.Zero, decimal.Zero

			for i, o := range ops {
				amt := decimal.New(o.Cents, -2)
				switch o.Kind {
				case 0:
					if l.Bill(amt, i, t0) == nil {
						principal = principal.Add(amt)
					}
				case 1:
					if l.Accrue(amt, decimal.Zero, i, t0) == nil {
						accruals = accruals.Add(amt)
					}
				case 2:
					if l.Accrue(decimal.Zero, amt, i, t0) == nil {
						accruals = accruals.Add(amt)
					}
				case 3:
					res, err := l.ApplyPayment(amt, i, "", t0)
					if err == nil {
						payments = payments.Add(res.Applied)
					}
				}
				if l.Balance().IsNegative() {
					return false
				}
			}
			return l.Balance().Equal(principal.Add(accruals).Sub(payments))
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}
