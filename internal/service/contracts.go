package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/clock"
	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/lifecycle"
	"github.com/boddenberg/pj-contracts-go/internal/port"
	"github.com/boddenberg/pj-contracts-go/internal/pricing"
	"github.com/boddenberg/pj-contracts-go/internal/signature"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContractStore is what ContractService needs from persistence.
type ContractStore interface {
	port.ContractStore
	port.AttemptStore
}

// ContractService implements the contract API: propose, accept, cancel,
// dispute and the read side. Every mutation runs under the contract lock
// shared with the Reconciler.
type ContractService struct {
	store      ContractStore
	reconciler *Reconciler
	profiles   port.ProfileFetcher
	signer     *signature.Signer
	cancels    *CancelRegistry
	notes      notifications
	clock      clock.Clock
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewContractService creates the contract service with all dependencies injected.
func NewContractService(
	store ContractStore,
	reconciler *Reconciler,
	profiles port.ProfileFetcher,
	signer *signature.Signer,
	cancels *CancelRegistry,
	notifier port.Notifier,
	clk clock.Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ContractService {
	return &ContractService{
		store:      store,
		reconciler: reconciler,
		profiles:   profiles,
		signer:     signer,
		cancels:    cancels,
		notes:      notifications{notifier: notifier, metrics: metrics, logger: logger},
		clock:      clk,
		metrics:    metrics,
		logger:     logger,
	}
}

// ============================================================
// Propose
// ============================================================

// Propose validates terms and stores a draft contract.
func (s *ContractService) Propose(ctx context.Context, req *domain.ProposeRequest) (*domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "ContractService.Propose")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", req.OwnerID))

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("propose", time.Since(start)) }()

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, &domain.ErrValidation{Field: "owner_id", Message: "is required"}
	}
	terms := req.Terms
	if err := terms.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	c := &domain.Contract{
		ID:      uuid.New().String(),
		OwnerID: req.OwnerID,
		Terms:   terms,
		State:   domain.StateDraft,
		Ledger: domain.LedgerState{
			Principal:  decimal.Zero,
			Interest:   decimal.Zero,
			Penalties:  decimal.Zero,
			AmountPaid: decimal.Zero,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateContract(ctx, c); err != nil {
		s.logger.Error("failed to create contract", zap.String("owner_id", req.OwnerID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("contract proposed",
		zap.String("contract_id", c.ID),
		zap.String("owner_id", c.OwnerID),
		zap.String("periodic_amount", terms.PeriodicAmount.StringFixed(2)),
		zap.Int("period_count", terms.PeriodCount),
	)
	return c, nil
}

// SignatureToken issues a signature-capture token for a draft contract.
func (s *ContractService) SignatureToken(ctx context.Context, contractID, ownerID string) (string, error) {
	ctx, span := tracer.Start(ctx, "ContractService.SignatureToken")
	defer span.End()

	c, err := s.get(ctx, contractID, ownerID)
	if err != nil {
		return "", err
	}
	if c.State != domain.StateDraft {
		return "", &domain.ErrInvalidTransition{From: c.State, Event: "sign"}
	}
	return s.signer.Issue(c)
}

// ============================================================
// Accept
// ============================================================

// Accept activates a draft. A valid signature token or free terms activate
// without a charge; otherwise period 0 is charged and a decline leaves the
// contract in draft.
func (s *ContractService) Accept(ctx context.Context, contractID, ownerID string, req *domain.AcceptRequest) (*domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "ContractService.Accept")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", contractID))

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("accept", time.Since(start)) }()

	if req == nil {
		req = &domain.AcceptRequest{}
	}

	var out *domain.Contract
	err := s.reconciler.guard.run(ctx, contractID, func(ctx context.Context) error {
		c, err := s.get(ctx, contractID, ownerID)
		if err != nil {
			return err
		}
		if !lifecycle.Allowed(c.State, lifecycle.EventActivate) {
			return &domain.ErrInvalidTransition{From: c.State, Event: string(lifecycle.EventActivate)}
		}

		ref, err := s.paymentMethod(ctx, c, req.PaymentMethodRef)
		if err != nil {
			return err
		}
		c.PaymentMethodRef = ref

		if req.SignatureToken == "" && !c.Terms.Free() {
			res, err := s.reconciler.activate(ctx, c)
			if err != nil {
				return err
			}
			out = res.Contract
			return nil
		}

		if req.SignatureToken != "" {
			if err := s.signer.Verify(req.SignatureToken, c); err != nil {
				return err
			}
		}
		now := s.clock.Now()
		tr, err := lifecycle.Activate(c, lifecycle.Activation{Signed: req.SignatureToken != ""}, now)
		if err != nil {
			return err
		}
		if err := s.store.SaveContract(ctx, c, nil); err != nil {
			return err
		}
		recordTransition(s.metrics, tr)
		s.notes.transitioned(ctx, c, tr, now)
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("contract accepted",
		zap.String("contract_id", out.ID),
		zap.String("owner_id", out.OwnerID),
		zap.String("state", string(out.State)),
	)
	return out, nil
}

// paymentMethod returns the explicit ref or the owner's default. Free
// contracts may have none.
func (s *ContractService) paymentMethod(ctx context.Context, c *domain.Contract, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.PaymentMethodRef != "" {
		return c.PaymentMethodRef, nil
	}
	if c.Terms.Free() {
		return "", nil
	}

	profile, err := s.profiles.GetProfile(ctx, c.OwnerID)
	if err != nil {
		var nf *domain.ErrNotFound
		if !errors.As(err, &nf) {
			return "", fmt.Errorf("profile fetch: %w", err)
		}
	}
	if profile == nil || profile.DefaultPaymentMethodRef == "" {
		return "", &domain.ErrValidation{Field: "payment_method_ref", Message: "is required when the owner has no default payment method"}
	}
	return profile.DefaultPaymentMethodRef, nil
}

// ============================================================
// Cancel & disputes
// ============================================================

// Cancel ends a contract. A reconcile holding the lock sees the request
// and settles the contract as cancelled itself after applying any charge
// already in flight.
func (s *ContractService) Cancel(ctx context.Context, contractID, ownerID string) (*domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "ContractService.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", contractID))

	requestedAt := s.clock.Now()
	done, err := s.cancels.Request(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer done()

	var out *domain.Contract
	err = s.reconciler.guard.run(ctx, contractID, func(ctx context.Context) error {
		c, err := s.get(ctx, contractID, ownerID)
		if err != nil {
			return err
		}
		if c.State == domain.StateCancelled && c.ClosedAt != nil && !c.ClosedAt.Before(requestedAt) {
			// settled as cancelled by a reconcile that saw this request
			out = c
			return nil
		}
		if !lifecycle.Allowed(c.State, lifecycle.EventCancel) {
			return &domain.ErrInvalidTransition{From: c.State, Event: string(lifecycle.EventCancel)}
		}

		// money the gateway already took for this period lands before closing
		res, err := s.reconciler.settleOutstanding(ctx, c)
		if err != nil {
			return err
		}
		if res != nil {
			out = res.Contract
			return nil
		}

		now := s.clock.Now()
		tr, err := lifecycle.Cancel(c, now)
		if err != nil {
			return err
		}
		if err := s.store.SaveContract(ctx, c, nil); err != nil {
			return err
		}
		recordTransition(s.metrics, tr)
		s.notes.transitioned(ctx, c, tr, now)
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("contract cancelled",
		zap.String("contract_id", out.ID),
		zap.String("balance", out.Balance().StringFixed(2)),
	)
	return out, nil
}

// Dispute suspends charging on an active contract.
func (s *ContractService) Dispute(ctx context.Context, contractID, ownerID, reason string) (*domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "ContractService.Dispute")
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &domain.ErrValidation{Field: "reason", Message: "is required"}
	}
	return s.transition(ctx, contractID, ownerID, func(c *domain.Contract, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.Dispute(c, reason, now)
	})
}

// ResolveDispute returns a disputed contract to active or cancels it.
func (s *ContractService) ResolveDispute(ctx context.Context, contractID string, inFavorOfUser bool) (*domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "ContractService.ResolveDispute")
	defer span.End()
	span.SetAttributes(attribute.Bool("dispute.in_favor_of_user", inFavorOfUser))

	return s.transition(ctx, contractID, "", func(c *domain.Contract, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.ResolveDispute(c, inFavorOfUser, now)
	})
}

func (s *ContractService) transition(ctx context.Context, contractID, ownerID string, move func(*domain.Contract, time.Time) (lifecycle.Transition, error)) (*domain.Contract, error) {
	var out *domain.Contract
	err := s.reconciler.guard.run(ctx, contractID, func(ctx context.Context) error {
		c, err := s.get(ctx, contractID, ownerID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		tr, err := move(c, now)
		if err != nil {
			return err
		}
		if err := s.store.SaveContract(ctx, c, nil); err != nil {
			return err
		}
		recordTransition(s.metrics, tr)
		s.notes.transitioned(ctx, c, tr, now)
		s.logger.Info("contract transition",
			zap.String("contract_id", c.ID),
			zap.String("event", string(tr.Event)),
			zap.String("state", string(c.State)),
		)
		out = c
		return nil
	})
	return out, err
}

// ============================================================
// Queries
// ============================================================

// Get returns a contract. A non-empty ownerID must match.
func (s *ContractService) Get(ctx context.Context, contractID, ownerID string) (*domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "ContractService.Get")
	defer span.End()

	return s.get(ctx, contractID, ownerID)
}

func (s *ContractService) get(ctx context.Context, contractID, ownerID string) (*domain.Contract, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && c.OwnerID != ownerID {
		return nil, &domain.ErrNotFound{Resource: "contract", ID: contractID}
	}
	return c, nil
}

// GetStatement returns the balance breakdown with ledger history and
// payment attempts. It reads straight from the store with no caching.
func (s *ContractService) GetStatement(ctx context.Context, contractID, ownerID string) (*domain.Statement, error) {
	ctx, span := tracer.Start(ctx, "ContractService.GetStatement")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", contractID))

	c, err := s.get(ctx, contractID, ownerID)
	if err != nil {
		return nil, err
	}

	var (
		entries  []domain.LedgerEntry
		attempts []domain.PaymentAttempt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = s.store.ListEntries(gctx, contractID)
		return err
	})
	g.Go(func() error {
		var err error
		attempts, err = s.store.ListAttempts(gctx, contractID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("statement: %w", err)
	}

	st := &domain.Statement{
		ContractID:      c.ID,
		OwnerID:         c.OwnerID,
		State:           c.State,
		Balance:         c.Balance(),
		AmountPaid:      c.Ledger.AmountPaid,
		Principal:       c.Ledger.Principal,
		Interest:        c.Ledger.Interest,
		Penalties:       c.Ledger.Penalties,
		NextDueAt:       c.NextDueAt,
		PeriodIndex:     c.PeriodIndex,
		MissedPeriods:   c.MissedPeriods,
		TotalObligation: pricing.TotalObligation(c.Terms),
		History:         entries,
		Attempts:        attempts,
	}
	if remaining, ok := c.RemainingPeriods(); ok {
		st.RemainingPeriods = &remaining
	}
	return st, nil
}

// ListByOwner returns an owner's contracts, oldest first.
func (s *ContractService) ListByOwner(ctx context.Context, ownerID string) ([]domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "ContractService.ListByOwner")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID))

	return s.store.ListByOwner(ctx, ownerID)
}

// Exposure sums the obligations of an owner's open contracts. Perpetual
// contracts mark the result unbounded instead of adding a number.
func (s *ContractService) Exposure(ctx context.Context, ownerID string) (*domain.Exposure, error) {
	ctx, span := tracer.Start(ctx, "ContractService.Exposure")
	defer span.End()

	list, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ptrs := make([]*domain.Contract, len(list))
	for i := range list {
		ptrs[i] = &list[i]
	}
	exp := pricing.Exposure(ownerID, ptrs)
	return &exp, nil
}
