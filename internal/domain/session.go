package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Timed sessions
// ============================================================

// SessionCostParams describe an escalating per-session price.
// EscalationRate is currency per minute.
type SessionCostParams struct {
	BaseCost       decimal.Decimal `json:"base_cost"`
	EscalationRate decimal.Decimal `json:"escalation_rate"`
	Cap            decimal.Decimal `json:"cap"`
}

// SessionEstimate is returned by GET /v1/sessions/estimate.
type SessionEstimate struct {
	ElapsedSeconds int64           `json:"elapsed_seconds"`
	Amount         decimal.Decimal `json:"amount"`
	Capped         bool            `json:"capped"`
}

// CompleteSessionRequest is the body for POST /v1/sessions/{sessionId}/complete.
type CompleteSessionRequest struct {
	OwnerID   string            `json:"owner_id"`
	Params    SessionCostParams `json:"params"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"` // defaults to now
}

// SessionCharge is the single authoritative charge record created at session end.
type SessionCharge struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id"`
	OwnerID        string            `json:"owner_id"`
	Params         SessionCostParams `json:"params"`
	ElapsedSeconds int64             `json:"elapsed_seconds"`
	Amount         decimal.Decimal   `json:"amount"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	CreatedAt      time.Time         `json:"created_at"`
}
