package client

import (
	"context"
	"strings"
	"sync"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Payment method refs with these prefixes drive sandbox outcomes.
const (
	SandboxDeclinePrefix = "pm_decline"
	SandboxTimeoutPrefix = "pm_timeout" // charge goes through but the answer is lost
)

// SandboxGateway is an in-process gateway for local development.
// It honours idempotency keys the way a real gateway does: repeating a key
// returns the first outcome and never charges twice.
type SandboxGateway struct {
	mu      sync.Mutex
	charges map[string]*domain.ChargeResult
	logger  *zap.Logger
}

// NewSandboxGateway creates a SandboxGateway.
func NewSandboxGateway(logger *zap.Logger) *SandboxGateway {
	return &SandboxGateway{charges: make(map[string]*domain.ChargeResult), logger: logger}
}

// Charge records a charge for req.IdempotencyKey.
func (g *SandboxGateway) Charge(ctx context.Context, req *domain.ChargeRequest) (*domain.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return &domain.ChargeResult{Status: domain.ChargeTimeout, Reason: err.Error()}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.charges[req.IdempotencyKey]; ok && prev.Status == domain.ChargeSucceeded {
		out := *prev
		return &out, nil
	}

	switch {
	case strings.HasPrefix(req.PaymentMethodRef, SandboxDeclinePrefix):
		g.logger.Info("sandbox charge declined", zap.String("idempotency_key", req.IdempotencyKey))
		res := &domain.ChargeResult{Status: domain.ChargeFailed, Reason: "card_declined"}
		g.charges[req.IdempotencyKey] = res
		out := *res
		return &out, nil
	case strings.HasPrefix(req.PaymentMethodRef, SandboxTimeoutPrefix):
		g.charges[req.IdempotencyKey] = &domain.ChargeResult{Status: domain.ChargeSucceeded, Reference: "sbx_" + uuid.NewString()}
		g.logger.Info("sandbox charge timed out after capture", zap.String("idempotency_key", req.IdempotencyKey))
		return &domain.ChargeResult{Status: domain.ChargeTimeout}, nil
	}

	res := &domain.ChargeResult{Status: domain.ChargeSucceeded, Reference: "sbx_" + uuid.NewString()}
	g.charges[req.IdempotencyKey] = res
	g.logger.Info("sandbox charge captured",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("amount", req.Amount.StringFixed(2)),
	)
	out := *res
	return &out, nil
}

// QueryStatus returns the recorded outcome for a key.
func (g *SandboxGateway) QueryStatus(_ context.Context, idempotencyKey string) (*domain.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.charges[idempotencyKey]
	if !ok {
		return &domain.ChargeResult{Status: domain.ChargeUnknown}, nil
	}
	out := *res
	return &out, nil
}
