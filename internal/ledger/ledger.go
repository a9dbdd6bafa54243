// Package ledger owns balance arithmetic for a single contract.
//
// A Ledger is loaded from a contract's persisted LedgerState, mutated by the
// reconciler while it holds the contract lock, and written back together with
// the entries it produced. Nothing else changes principal, accruals or
// amount paid.
package ledger

import (
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/accrual"
	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is the mutable debt aggregate of one contract. Not safe for
// concurrent use; callers serialize through the per-contract lock.
type Ledger struct {
	contractID string
	state      domain.LedgerState
	pending    []domain.LedgerEntry
}

// PaymentResult reports how much of a payment was applied.
// Remainder is whatever exceeded the outstanding balance; the ledger never
// carries it as credit.
type PaymentResult struct {
	Applied   decimal.Decimal
	Remainder decimal.Decimal
	Balance   decimal.Decimal
}

// New loads a ledger from persisted state.
func New(contractID string, state domain.LedgerState) *Ledger {
	return &Ledger{contractID: contractID, state: state}
}

// Balance returns principal + accruals - payments applied.
func (l *Ledger) Balance() decimal.Decimal {
	return l.state.Outstanding()
}

// State returns a copy of the current ledger state for persistence.
func (l *Ledger) State() domain.LedgerState {
	s := l.state
	if l.state.AccruedThrough != nil {
		t := *l.state.AccruedThrough
		s.AccruedThrough = &t
	}
	return s
}

// Entries returns the entries produced since the ledger was loaded.
func (l *Ledger) Entries() []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, len(l.pending))
	copy(out, l.pending)
	return out
}

// Bill adds a period's amount to principal. Zero amounts are a no-op.
func (l *Ledger) Bill(amount decimal.Decimal, periodIndex int, at time.Time) error {
	if amount.IsNegative() {
		return &domain.ErrInvalidAmount{Field: "billed", Value: amount, Reason: "must be >= 0"}
	}
	if amount.IsZero() {
		return nil
	}
	l.state.Principal = l.state.Principal.Add(amount)
	l.record(domain.EntryBilled, amount, periodIndex, "", at)
	return nil
}

// ApplyPayment reduces the balance by min(amount, balance) and reports any excess.
func (l *Ledger) ApplyPayment(amount decimal.Decimal, periodIndex int, reference string, at time.Time) (PaymentResult, error) {
	if !amount.IsPositive() {
		return PaymentResult{}, &domain.ErrInvalidAmount{Field: "payment", Value: amount, Reason: "must be > 0"}
	}

	outstanding := l.Balance()
	applied := decimal.Min(amount, outstanding)
	remainder := amount.Sub(applied)

	if applied.IsPositive() {
		l.state.AmountPaid = l.state.AmountPaid.Add(applied)
		l.record(domain.EntryPayment, applied, periodIndex, reference, at)
	}

	return PaymentResult{Applied: applied, Remainder: remainder, Balance: l.Balance()}, nil
}

// Accrue adds interest and penalty to the balance. Negative inputs are rejected.
func (l *Ledger) Accrue(interest, penalty decimal.Decimal, periodIndex int, at time.Time) error {
	if interest.IsNegative() {
		return &domain.ErrInvalidAmount{Field: "interest", Value: interest, Reason: "must be >= 0"}
	}
	if penalty.IsNegative() {
		return &domain.ErrInvalidAmount{Field: "penalty", Value: penalty, Reason: "must be >= 0"}
	}

	// penalty first so balance_after on the interest entry reflects it
	if penalty.IsPositive() {
		l.state.Penalties = l.state.Penalties.Add(penalty)
		l.record(domain.EntryPenalty, penalty, periodIndex, "", at)
	}
	if interest.IsPositive() {
		l.state.Interest = l.state.Interest.Add(interest)
		l.record(domain.EntryInterest, interest, periodIndex, "", at)
	}
	return nil
}

// StartAccrual sets the first checkpoint if none exists.
func (l *Ledger) StartAccrual(at time.Time) {
	if l.state.AccruedThrough == nil {
		t := at
		l.state.AccruedThrough = &t
	}
}

// AccrueInterest compounds interest on the current balance for the whole
// periods elapsed since the checkpoint and moves the checkpoint forward.
// Calling it twice for the same instant accrues once.
func (l *Ledger) AccrueInterest(terms domain.Terms, periodIndex int, now time.Time) (decimal.Decimal, error) {
	if l.state.AccruedThrough == nil {
		l.StartAccrual(now)
		return decimal.Zero, nil
	}

	res := accrual.Since(l.Balance(), terms.InterestRatePerPeriod, terms.CompoundingFrequency, *l.state.AccruedThrough, now)
	if err := l.Accrue(res.Interest, decimal.Zero, periodIndex, now); err != nil {
		return decimal.Zero, err
	}
	cp := res.Checkpoint
	l.state.AccruedThrough = &cp
	return res.Interest, nil
}

// AssessMissedPeriod applies the missed-period penalty and then any interest
// due since the checkpoint, in that order.
func (l *Ledger) AssessMissedPeriod(terms domain.Terms, periodIndex int, now time.Time) (accrual.Assessment, error) {
	periods := 0
	checkpoint := now
	if l.state.AccruedThrough != nil && terms.CompoundingFrequency != domain.FrequencyNone {
		periods = terms.CompoundingFrequency.StepsBetween(*l.state.AccruedThrough, now)
		checkpoint = terms.CompoundingFrequency.Advance(*l.state.AccruedThrough, periods)
	} else if l.state.AccruedThrough != nil {
		checkpoint = *l.state.AccruedThrough
	}

	a := accrual.Assess(l.Balance(), terms.PenaltyPercent, terms.InterestRatePerPeriod, periods, true)
	if err := l.Accrue(a.Interest, a.Penalty, periodIndex, now); err != nil {
		return accrual.Assessment{}, err
	}
	l.state.AccruedThrough = &checkpoint
	return a, nil
}

func (l *Ledger) record(kind domain.EntryKind, amount decimal.Decimal, periodIndex int, reference string, at time.Time) {
	l.pending = append(l.pending, domain.LedgerEntry{
		ID:           uuid.New().String(),
		ContractID:   l.contractID,
		Kind:         kind,
		Amount:       amount,
		PeriodIndex:  periodIndex,
		BalanceAfter: l.Balance(),
		Reference:    reference,
		CreatedAt:    at,
	})
}
