package accrual_test

import (
	"testing"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/accrual"
	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestInterest(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		rate    string
		periods int
		want    string
	}{
		{"three periods at 2%", "100", "0.02", 3, "6.12"},
		{"one period at 5%", "110", "0.05", 1, "5.5"},
		{"zero periods", "100", "0.02", 0, "0"},
		{"zero rate", "100", "0", 12, "0"},
		{"zero balance", "0", "0.02", 3, "0"},
		{"twelve months at 1%", "1000", "0.01", 12, "126.83"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := accrual.Interest(d(tt.balance), d(tt.rate), tt.periods)
			assert.True(t, got.Equal(d(tt.want)), "expected %s, got %s", tt.want, got)
		})
	}
}

func TestInterest_LongRunsStayFinite(t *testing.T) {
	got := accrual.Interest(d("100"), d("0.0005"), 3650)
	assert.True(t, got.IsPositive())
	assert.LessOrEqual(t, got.Exponent(), int32(0))
	assert.GreaterOrEqual(t, got.Exponent(), int32(-2))
}

func TestSince_CheckpointIsIdempotent(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.AddDate(0, 3, 10)

	first := accrual.Since(d("100"), d("0.02"), domain.FrequencyMonthly, start, now)
	require.Equal(t, 3, first.Periods)
	assert.True(t, first.Interest.Equal(d("6.12")), "got %s", first.Interest)
	assert.True(t, first.Checkpoint.Equal(start.AddDate(0, 3, 0)))

	second := accrual.Since(d("106.12"), d("0.02"), domain.FrequencyMonthly, first.Checkpoint, now)
	assert.Equal(t, 0, second.Periods)
	assert.True(t, second.Interest.IsZero())
	assert.True(t, second.Checkpoint.Equal(first.Checkpoint))
}

func TestSince_NoneNeverAccrues(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	got := accrual.Since(d("100"), d("0.5"), domain.FrequencyNone, start, start.AddDate(5, 0, 0))
	assert.True(t, got.Interest.IsZero())
	assert.Equal(t, 0, got.Periods)
	assert.True(t, got.Checkpoint.Equal(start))
}

func TestPenalty(t *testing.T) {
	assert.True(t, accrual.Penalty(d("100"), d("0.10")).Equal(d("10")))
	assert.True(t, accrual.Penalty(d("33.33"), d("0.015")).Equal(d("0.5")))
	assert.True(t, accrual.Penalty(d("0"), d("0.10")).IsZero())
	assert.True(t, accrual.Penalty(d("100"), d("0")).IsZero())
}

func TestAssess_PenaltyThenInterest(t *testing.T) {
	got := accrual.Assess(d("100"), d("0.10"), d("0.05"), 1, true)

	assert.True(t, got.Penalty.Equal(d("10")), "penalty %s", got.Penalty)
	assert.True(t, got.Interest.Equal(d("5.5")), "interest %s", got.Interest)
	assert.True(t, d("100").Add(got.Total()).Equal(d("115.5")))

	interestFirst := d("100").Add(accrual.Interest(d("100"), d("0.05"), 1))
	interestFirst = interestFirst.Add(accrual.Penalty(d("100"), d("0.10")))
	assert.False(t, interestFirst.Equal(d("115.5")), "interest-first ordering must differ")
}

func TestAssess_NotMissedOnlyCompounds(t *testing.T) {
	got := accrual.Assess(d("100"), d("0.10"), d("0.02"), 3, false)
	assert.True(t, got.Penalty.IsZero())
	assert.True(t, got.Interest.Equal(d("6.12")))
}
