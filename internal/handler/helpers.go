package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeJSON reads a request body, rejecting unknown fields.
// An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryDecimal(r *http.Request, name string) (decimal.Decimal, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return decimal.Zero, &domain.ErrValidation{Field: name, Message: "is required"}
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, &domain.ErrValidation{Field: name, Message: "must be a decimal number"}
	}
	return d, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, &domain.ErrValidation{Field: name, Message: "is required"}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &domain.ErrValidation{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var validation *domain.ErrValidation
	var invalidAmount *domain.ErrInvalidAmount
	var invalidTransition *domain.ErrInvalidTransition
	var conflict *domain.ErrConcurrencyConflict
	var duplicate *domain.ErrDuplicate
	var exhausted *domain.ErrRetryExhausted
	var declined *domain.ErrGatewayDeclined
	var timeout *domain.ErrGatewayTimeout
	var invalidSignature *domain.ErrInvalidSignature
	var circuitOpen *domain.ErrCircuitOpen
	var external *domain.ErrExternalService

	switch {
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validation), errors.As(err, &invalidAmount):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalidTransition):
		logger.Debug("invalid transition",
			zap.String("state", string(invalidTransition.From)),
			zap.String("event", invalidTransition.Event),
		)
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &conflict), errors.As(err, &duplicate):
		logger.Warn("conflict", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &exhausted):
		logger.Warn("retries exhausted",
			zap.String("contract_id", exhausted.ContractID),
			zap.Int("period_index", exhausted.PeriodIndex),
			zap.Int("attempt", exhausted.Attempts),
		)
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &declined):
		logger.Info("charge declined", zap.String("reason", declined.Reason))
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &timeout):
		logger.Warn("gateway timeout", zap.String("idempotency_key", timeout.IdempotencyKey))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &invalidSignature):
		logger.Warn("invalid signature", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &external):
		logger.Error("external service error", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
