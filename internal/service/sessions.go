package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/clock"
	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/port"
	"github.com/boddenberg/pj-contracts-go/internal/pricing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SessionService prices timed sessions. Estimates are pure and never
// persisted; the charge is computed and stored once, at session end.
type SessionService struct {
	store   port.SessionStore
	clock   clock.Clock
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewSessionService creates a SessionService.
func NewSessionService(store port.SessionStore, clk clock.Clock, metrics *observability.Metrics, logger *zap.Logger) *SessionService {
	return &SessionService{store: store, clock: clk, metrics: metrics, logger: logger}
}

// Estimate returns the live cost for display.
func (s *SessionService) Estimate(params domain.SessionCostParams, elapsedSeconds int64) (*domain.SessionEstimate, error) {
	return pricing.Estimate(params, elapsedSeconds)
}

// Complete computes the authoritative session charge and stores it.
// Repeating the call returns the stored charge.
func (s *SessionService) Complete(ctx context.Context, sessionID string, req *domain.CompleteSessionRequest) (*domain.SessionCharge, error) {
	ctx, span := tracer.Start(ctx, "SessionService.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("complete_session", time.Since(start)) }()

	if strings.TrimSpace(sessionID) == "" {
		return nil, &domain.ErrValidation{Field: "session_id", Message: "is required"}
	}

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, &domain.ErrValidation{Field: "owner_id", Message: "is required"}
	}

	existing, err := s.store.GetSessionCharge(ctx, sessionID)
	if err == nil {
		return s.owned(existing, req.OwnerID)
	}
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		return nil, err
	}
	if req.StartedAt.IsZero() {
		return nil, &domain.ErrValidation{Field: "started_at", Message: "is required"}
	}
	now := s.clock.Now()
	ended := now
	if req.EndedAt != nil {
		ended = *req.EndedAt
	}
	if ended.Before(req.StartedAt) {
		return nil, &domain.ErrValidation{Field: "ended_at", Message: "must not be before started_at"}
	}

	elapsed := int64(ended.Sub(req.StartedAt) / time.Second)
	amount, err := pricing.SessionCost(req.Params, elapsed)
	if err != nil {
		return nil, err
	}

	ch := &domain.SessionCharge{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		OwnerID:        req.OwnerID,
		Params:         req.Params,
		ElapsedSeconds: elapsed,
		Amount:         amount,
		StartedAt:      req.StartedAt,
		EndedAt:        ended,
		CreatedAt:      now,
	}
	if err := s.store.CreateSessionCharge(ctx, ch); err != nil {
		var dup *domain.ErrDuplicate
		if errors.As(err, &dup) {
			// lost a race with a concurrent completion
			existing, err := s.store.GetSessionCharge(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			return s.owned(existing, req.OwnerID)
		}
		return nil, err
	}

	s.logger.Info("session charge recorded",
		zap.String("session_id", sessionID),
		zap.String("owner_id", req.OwnerID),
		zap.Int64("elapsed_seconds", elapsed),
		zap.String("amount", amount.StringFixed(2)),
	)
	return ch, nil
}

// owned hides another owner's charge behind not-found.
func (s *SessionService) owned(ch *domain.SessionCharge, ownerID string) (*domain.SessionCharge, error) {
	if ch.OwnerID != ownerID {
		return nil, &domain.ErrNotFound{Resource: "session_charge", ID: ch.SessionID}
	}
	return ch, nil
}
