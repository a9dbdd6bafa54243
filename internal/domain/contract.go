package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Contracts
// ============================================================

// State is a contract lifecycle state. Only the lifecycle package moves it.
type State string

const (
	StateDraft     State = "draft"
	StateActive    State = "active"
	StateDisputed  State = "disputed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Terms are immutable once a contract leaves draft.
// Rates and penalty are fractions: 0.02 is 2%.
type Terms struct {
	PeriodicAmount        decimal.Decimal `json:"periodic_amount"`
	PeriodCount           int             `json:"period_count"` // 0 = perpetual
	InterestRatePerPeriod decimal.Decimal `json:"interest_rate_per_period"`
	CompoundingFrequency  Frequency       `json:"compounding_frequency"`
	PenaltyPercent        decimal.Decimal `json:"penalty_percent"`
	BillingInterval       Frequency       `json:"billing_interval"`
	CollateralReference   string          `json:"collateral_reference,omitempty"`
}

// Validate checks the terms and fills defaults for empty frequencies.
func (t *Terms) Validate() error {
	if t.PeriodicAmount.IsNegative() {
		return &ErrInvalidAmount{Field: "periodic_amount", Value: t.PeriodicAmount, Reason: "must be >= 0"}
	}
	if !WholeCents(t.PeriodicAmount) {
		return &ErrInvalidAmount{Field: "periodic_amount", Value: t.PeriodicAmount, Reason: "must not have more than 2 decimal places"}
	}
	if t.InterestRatePerPeriod.IsNegative() {
		return &ErrInvalidAmount{Field: "interest_rate_per_period", Value: t.InterestRatePerPeriod, Reason: "must be >= 0"}
	}
	if t.PenaltyPercent.IsNegative() {
		return &ErrInvalidAmount{Field: "penalty_percent", Value: t.PenaltyPercent, Reason: "must be >= 0"}
	}
	if t.PeriodCount < 0 {
		return &ErrValidation{Field: "period_count", Message: "must be >= 0"}
	}
	if t.CompoundingFrequency == "" {
		t.CompoundingFrequency = FrequencyNone
	}
	if !t.CompoundingFrequency.Valid() {
		return &ErrValidation{Field: "compounding_frequency", Message: "must be one of none, daily, weekly, monthly, quarterly"}
	}
	if t.BillingInterval == "" {
		t.BillingInterval = FrequencyMonthly
	}
	if !t.BillingInterval.Valid() || t.BillingInterval == FrequencyNone {
		return &ErrValidation{Field: "billing_interval", Message: "must be one of daily, weekly, monthly, quarterly"}
	}
	return nil
}

// WholeCents reports whether d carries no fraction of a cent. Money is
// stored with two decimal places.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// Bounded reports whether the contract has a finite number of periods.
func (t Terms) Bounded() bool {
	return t.PeriodCount > 0
}

// Free reports whether periods cost nothing.
func (t Terms) Free() bool {
	return t.PeriodicAmount.IsZero()
}

// LedgerState is the persisted balance arithmetic of a contract.
// Only the ledger package mutates it.
type LedgerState struct {
	Principal      decimal.Decimal `json:"principal"`
	Interest       decimal.Decimal `json:"interest"`
	Penalties      decimal.Decimal `json:"penalties"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	AccruedThrough *time.Time      `json:"accrued_through,omitempty"`
}

// Outstanding returns principal + accruals - payments.
func (l LedgerState) Outstanding() decimal.Decimal {
	return l.Principal.Add(l.Interest).Add(l.Penalties).Sub(l.AmountPaid)
}

// Contract is a recurring or fixed-term obligation accepted by an owner.
type Contract struct {
	ID               string      `json:"id"`
	OwnerID          string      `json:"owner_id"`
	Terms            Terms       `json:"terms"`
	State            State       `json:"state"`
	PaymentMethodRef string      `json:"payment_method_ref,omitempty"`
	Ledger           LedgerState `json:"ledger"`
	NextDueAt        *time.Time  `json:"next_due_at,omitempty"`
	PeriodIndex      int         `json:"period_index"`   // next period to settle
	PeriodsBilled    int         `json:"periods_billed"` // periods whose amount entered principal
	MissedPeriods    int         `json:"missed_periods"`
	DisputeReason    string      `json:"dispute_reason,omitempty"`
	Version          int64       `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	ActivatedAt      *time.Time  `json:"activated_at,omitempty"`
	ClosedAt         *time.Time  `json:"closed_at,omitempty"`
}

// Balance returns the outstanding balance.
func (c *Contract) Balance() decimal.Decimal {
	return c.Ledger.Outstanding()
}

// RemainingPeriods returns how many periods are still to be billed.
// ok is false for perpetual contracts.
func (c *Contract) RemainingPeriods() (remaining int, ok bool) {
	if !c.Terms.Bounded() {
		return 0, false
	}
	r := c.Terms.PeriodCount - c.PeriodsBilled
	if r < 0 {
		r = 0
	}
	return r, true
}

// HasUnbilledPeriod reports whether the current period still needs its amount billed.
func (c *Contract) HasUnbilledPeriod() bool {
	if c.PeriodsBilled > c.PeriodIndex {
		return false
	}
	if c.Terms.Bounded() && c.PeriodsBilled >= c.Terms.PeriodCount {
		return false
	}
	return true
}

// Due reports whether the contract should be charged at now.
func (c *Contract) Due(now time.Time) bool {
	return c.State == StateActive && c.NextDueAt != nil && !c.NextDueAt.After(now)
}

// Clone returns a deep copy so stores never share pointers with callers.
func (c *Contract) Clone() *Contract {
	cp := *c
	cp.Ledger.AccruedThrough = cloneTime(c.Ledger.AccruedThrough)
	cp.NextDueAt = cloneTime(c.NextDueAt)
	cp.ActivatedAt = cloneTime(c.ActivatedAt)
	cp.ClosedAt = cloneTime(c.ClosedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ProposeRequest is the body for POST /v1/contracts.
type ProposeRequest struct {
	OwnerID string `json:"owner_id"`
	Terms   Terms  `json:"terms"`
}

// AcceptRequest is the body for POST /v1/contracts/{contractId}/accept.
type AcceptRequest struct {
	PaymentMethodRef string `json:"payment_method_ref,omitempty"`
	SignatureToken   string `json:"signature_token,omitempty"`
}

// DisputeRequest is the body for POST /v1/contracts/{contractId}/dispute.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveDisputeRequest is the body for POST /v1/contracts/{contractId}/dispute/resolve.
type ResolveDisputeRequest struct {
	InFavorOfUser bool `json:"in_favor_of_user"`
}

// Obligation is the total a contract commits its owner to.
// Unbounded contracts carry no finite amount.
type Obligation struct {
	Amount    decimal.Decimal `json:"amount"`
	Unbounded bool            `json:"unbounded"`
}

// Exposure aggregates obligations across an owner's open contracts.
// BoundedTotal sums only the finite obligations.
type Exposure struct {
	OwnerID       string          `json:"owner_id"`
	BoundedTotal  decimal.Decimal `json:"bounded_total"`
	Unbounded     bool            `json:"unbounded"`
	OpenContracts int             `json:"open_contracts"`
	Outstanding   decimal.Decimal `json:"outstanding"`
}
