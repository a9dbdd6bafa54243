// Package pricing computes escalating session costs and contract obligations.
// All functions are pure.
package pricing

import (
	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/shopspring/decimal"
)

var secondsPerMinute = decimal.NewFromInt(60)

// ValidateSession checks session pricing parameters.
// The cap must be at least the base cost so that cost(0) == base.
func ValidateSession(p domain.SessionCostParams) error {
	if p.BaseCost.IsNegative() {
		return &domain.ErrInvalidAmount{Field: "base_cost", Value: p.BaseCost, Reason: "must be >= 0"}
	}
	if p.EscalationRate.IsNegative() {
		return &domain.ErrInvalidAmount{Field: "escalation_rate", Value: p.EscalationRate, Reason: "must be >= 0"}
	}
	if p.Cap.LessThan(p.BaseCost) {
		return &domain.ErrInvalidAmount{Field: "cap", Value: p.Cap, Reason: "must be >= base_cost"}
	}
	if !domain.WholeCents(p.BaseCost) {
		return &domain.ErrInvalidAmount{Field: "base_cost", Value: p.BaseCost, Reason: "must not have more than 2 decimal places"}
	}
	if !domain.WholeCents(p.Cap) {
		return &domain.ErrInvalidAmount{Field: "cap", Value: p.Cap, Reason: "must not have more than 2 decimal places"}
	}
	return nil
}

// SessionCost returns min(base + rate * elapsed/60, cap), rounded half-up
// to the cent. It is non-decreasing in elapsedSeconds and never exceeds cap.
func SessionCost(p domain.SessionCostParams, elapsedSeconds int64) (decimal.Decimal, error) {
	if err := ValidateSession(p); err != nil {
		return decimal.Zero, err
	}
	if elapsedSeconds < 0 {
		return decimal.Zero, &domain.ErrValidation{Field: "elapsed_seconds", Message: "must be >= 0"}
	}
	if elapsedSeconds == 0 {
		return p.BaseCost, nil
	}

	escalation := p.EscalationRate.Mul(decimal.NewFromInt(elapsedSeconds)).DivRound(secondsPerMinute, 8)
	cost := p.BaseCost.Add(escalation).Round(2)
	if cost.GreaterThan(p.Cap) {
		return p.Cap, nil
	}
	return cost, nil
}

// Estimate wraps SessionCost for display, flagging whether the cap was hit.
func Estimate(p domain.SessionCostParams, elapsedSeconds int64) (*domain.SessionEstimate, error) {
	amount, err := SessionCost(p, elapsedSeconds)
	if err != nil {
		return nil, err
	}
	return &domain.SessionEstimate{
		ElapsedSeconds: elapsedSeconds,
		Amount:         amount,
		Capped:         amount.Equal(p.Cap) && elapsedSeconds > 0,
	}, nil
}

// TotalObligation returns periodic_amount * max(period_count, 1), or an
// unbounded obligation for perpetual contracts.
func TotalObligation(t domain.Terms) domain.Obligation {
	if !t.Bounded() {
		return domain.Obligation{Unbounded: true}
	}
	return domain.Obligation{Amount: t.PeriodicAmount.Mul(decimal.NewFromInt(int64(t.PeriodCount)))}
}

// Exposure aggregates the obligations of the given contracts. Terminal
// contracts are skipped. Any perpetual contract marks the result unbounded
// while the bounded ones still contribute to BoundedTotal.
func Exposure(ownerID string, contracts []*domain.Contract) domain.Exposure {
	exp := domain.Exposure{OwnerID: ownerID, BoundedTotal: decimal.Zero, Outstanding: decimal.Zero}
	for _, c := range contracts {
		if c.State.Terminal() {
			continue
		}
		exp.OpenContracts++
		exp.Outstanding = exp.Outstanding.Add(c.Balance())

		ob := TotalObligation(c.Terms)
		if ob.Unbounded {
			exp.Unbounded = true
			continue
		}
		exp.BoundedTotal = exp.BoundedTotal.Add(ob.Amount)
	}
	return exp
}
