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
// Contract API
// ============================================================

func proposeHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/contracts")
		defer span.End()

		var req domain.ProposeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.OwnerID = OwnerIDFromContext(ctx)
		span.SetAttributes(attribute.String("owner.id", req.OwnerID))

		c, err := svc.Propose(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func getContractHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/contracts/{contractId}")
		defer span.End()

		contractID := chi.URLParam(r, "contractId")
		span.SetAttributes(attribute.String("contract.id", contractID))

		c, err := svc.Get(ctx, contractID, OwnerIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func signatureTokenHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/contracts/{contractId}/signature-token")
		defer span.End()

		contractID := chi.URLParam(r, "contractId")
		token, err := svc.SignatureToken(ctx, contractID, OwnerIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"signature_token": token})
	}
}

func acceptHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/contracts/{contractId}/accept")
		defer span.End()

		contractID := chi.URLParam(r, "contractId")
		span.SetAttributes(attribute.String("contract.id", contractID))

		var req domain.AcceptRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		c, err := svc.Accept(ctx, contractID, OwnerIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func cancelHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/contracts/{contractId}/cancel")
		defer span.End()

		contractID := chi.URLParam(r, "contractId")
		span.SetAttributes(attribute.String("contract.id", contractID))

		c, err := svc.Cancel(ctx, contractID, OwnerIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func disputeHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/contracts/{contractId}/dispute")
		defer span.End()

		var req domain.DisputeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		c, err := svc.Dispute(ctx, chi.URLParam(r, "contractId"), OwnerIDFromContext(ctx), req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func resolveDisputeHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/contracts/{contractId}/dispute/resolve")
		defer span.End()

		var req domain.ResolveDisputeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		c, err := svc.ResolveDispute(ctx, chi.URLParam(r, "contractId"), req.InFavorOfUser)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func statementHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/contracts/{contractId}/statement")
		defer span.End()

		st, err := svc.GetStatement(ctx, chi.URLParam(r, "contractId"), OwnerIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func listContractsHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/customers/{ownerId}/contracts")
		defer span.End()

		ownerID := chi.URLParam(r, "ownerId")
		span.SetAttributes(attribute.String("owner.id", ownerID))

		contracts, err := svc.ListByOwner(ctx, ownerID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if contracts == nil {
			contracts = []domain.Contract{}
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.Contract]{Data: contracts, Total: len(contracts)})
	}
}

func exposureHandler(svc *service.ContractService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/customers/{ownerId}/exposure")
		defer span.End()

		exp, err := svc.Exposure(ctx, chi.URLParam(r, "ownerId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, exp)
	}
}
