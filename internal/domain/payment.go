package domain

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// ============================================================
// Payment attempts & gateway contract
// ============================================================

// AttemptStatus is the status of a PaymentAttempt.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// PaymentAttempt is one call to the gateway for a contract period.
// It is immutable once terminal. Several failed attempts may share an
// idempotency key, at most one succeeded attempt may.
type PaymentAttempt struct {
	ID               string          `json:"id"`
	ContractID       string          `json:"contract_id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	PeriodIndex      int             `json:"period_index"`
	Try              int             `json:"try"`
	Amount           decimal.Decimal `json:"amount"`
	Status           AttemptStatus   `json:"status"`
	GatewayReference string          `json:"gateway_reference,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

// Terminal reports whether the attempt can no longer change.
func (a *PaymentAttempt) Terminal() bool {
	return a.Status == AttemptSucceeded || a.Status == AttemptFailed
}

// IdempotencyKey derives the gateway idempotency key for a contract period.
// It depends only on the contract id and period index, never on wall-clock time.
func IdempotencyKey(contractID string, periodIndex int) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%d", contractID, periodIndex)))
	return "ik_" + hex.EncodeToString(sum[:16])
}

// ChargeStatus is the outcome reported by the payment gateway.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
	ChargeTimeout   ChargeStatus = "timeout"
	ChargePending   ChargeStatus = "pending" // query_status only: still processing
	ChargeUnknown   ChargeStatus = "unknown" // query_status only: key never seen
)

// ChargeRequest is sent to the payment gateway.
type ChargeRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	PaymentMethodRef string          `json:"payment_method_ref"`
	IdempotencyKey   string          `json:"idempotency_key"`
}

// ChargeResult is the gateway's answer to a charge or status query.
type ChargeResult struct {
	Status    ChargeStatus `json:"status"`
	Reference string       `json:"reference,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}
