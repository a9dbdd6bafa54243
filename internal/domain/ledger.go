package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger movement.
type EntryKind string

const (
	EntryBilled   EntryKind = "billed"   // a period's amount entering principal
	EntryInterest EntryKind = "interest" // compounded interest
	EntryPenalty  EntryKind = "penalty"  // missed-period penalty
	EntryPayment  EntryKind = "payment"  // payment applied
)

// LedgerEntry is an append-only record of one balance movement.
type LedgerEntry struct {
	ID           string          `json:"id"`
	ContractID   string          `json:"contract_id"`
	Kind         EntryKind       `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	PeriodIndex  int             `json:"period_index"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Statement is returned by GET /v1/contracts/{contractId}/statement.
type Statement struct {
	ContractID       string           `json:"contract_id"`
	OwnerID          string           `json:"owner_id"`
	State            State            `json:"state"`
	Balance          decimal.Decimal  `json:"balance"`
	AmountPaid       decimal.Decimal  `json:"amount_paid"`
	Principal        decimal.Decimal  `json:"principal"`
	Interest         decimal.Decimal  `json:"interest"`
	Penalties        decimal.Decimal  `json:"penalties"`
	NextDueAt        *time.Time       `json:"next_due_at,omitempty"`
	PeriodIndex      int              `json:"period_index"`
	MissedPeriods    int              `json:"missed_periods"`
	RemainingPeriods *int             `json:"remaining_periods,omitempty"` // nil when perpetual
	TotalObligation  Obligation       `json:"total_obligation"`
	History          []LedgerEntry    `json:"history"`
	Attempts         []PaymentAttempt `json:"attempts"`
}
