package handler

import (
	"net/http"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Session cost API
// ============================================================

// estimateSessionHandler serves
// GET /v1/sessions/estimate?base_cost=&escalation_rate=&cap=&elapsed_seconds=
func estimateSessionHandler(svc *service.SessionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/sessions/estimate")
		defer span.End()

		var params domain.SessionCostParams
		var err error
		if params.BaseCost, err = queryDecimal(r, "base_cost"); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if params.EscalationRate, err = queryDecimal(r, "escalation_rate"); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if params.Cap, err = queryDecimal(r, "cap"); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		elapsed, err := queryInt64(r, "elapsed_seconds")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		est, err := svc.Estimate(params, elapsed)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, est)
	}
}

func completeSessionHandler(svc *service.SessionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sessions/{sessionId}/complete")
		defer span.End()

		sessionID := chi.URLParam(r, "sessionId")
		span.SetAttributes(attribute.String("session.id", sessionID))

		var req domain.CompleteSessionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if owner := r.Header.Get(OwnerHeader); owner != "" {
			req.OwnerID = owner
		}

		charge, err := svc.Complete(ctx, sessionID, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, charge)
	}
}
