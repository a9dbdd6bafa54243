package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Error types for consistent error handling across the contracts service.
// Every mutating operation fails with one of these so callers can match
// them with errors.As.

// ErrInvalidTransition indicates a lifecycle guard was violated.
// Never retried.
type ErrInvalidTransition struct {
	From  State
	Event string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed from state %s", e.Event, e.From)
}

// ErrInvalidAmount indicates a non-positive or malformed monetary input.
// It is raised before the ledger is touched.
type ErrInvalidAmount struct {
	Field  string
	Value  decimal.Decimal
	Reason string
}

func (e *ErrInvalidAmount) Error() string {
	return fmt.Sprintf("invalid amount for '%s' (%s): %s", e.Field, e.Value.String(), e.Reason)
}

// ErrGatewayDeclined indicates the payment gateway refused the charge.
type ErrGatewayDeclined struct {
	Reason string
}

func (e *ErrGatewayDeclined) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

// ErrGatewayTimeout indicates the gateway outcome is unknown.
// The attempt must be resolved with a status query before any retry.
type ErrGatewayTimeout struct {
	IdempotencyKey string
}

func (e *ErrGatewayTimeout) Error() string {
	return fmt.Sprintf("payment gateway timeout, outcome unknown for key %s", e.IdempotencyKey)
}

// ErrConcurrencyConflict indicates lock contention or a stale read.
type ErrConcurrencyConflict struct {
	ContractID string
	Reason     string
}

func (e *ErrConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict on contract %s: %s", e.ContractID, e.Reason)
}

// ErrRetryExhausted indicates a period could not be charged within the retry budget.
type ErrRetryExhausted struct {
	ContractID  string
	PeriodIndex int
	Attempts    int
	Err         error
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("retries exhausted for contract %s period %d after %d attempts: %v",
		e.ContractID, e.PeriodIndex, e.Attempts, e.Err)
}

func (e *ErrRetryExhausted) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrDuplicate indicates a duplicate record (idempotency check).
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate operation: %s", e.Key)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrInvalidSignature indicates a signature-capture token that failed verification.
type ErrInvalidSignature struct {
	Reason string
}

func (e *ErrInvalidSignature) Error() string {
	return fmt.Sprintf("invalid signature: %s", e.Reason)
}
