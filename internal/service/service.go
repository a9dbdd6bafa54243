// Package service provides the business logic layer (use cases).
// ContractService serves the contract API, Reconciler charges contracts,
// BillingScheduler drives the reconciler, SessionService prices timed sessions.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/infra/resilience"
	"github.com/boddenberg/pj-contracts-go/internal/lifecycle"
	"github.com/boddenberg/pj-contracts-go/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service/contracts")

// ============================================================
// Per-contract serialization
// ============================================================

func lockKey(contractID string) string {
	return "contract:" + contractID
}

// guard runs work on one contract while holding its lock. Lock contention
// and stale-version saves are retried; every other error stops at once.
type guard struct {
	locker port.Locker
	cfg    resilience.Config
}

func (g guard) run(ctx context.Context, contractID string, fn func(ctx context.Context) error) error {
	return resilience.RetryWithBackoff(ctx, g.cfg, func(int) error {
		release, err := g.locker.Acquire(ctx, lockKey(contractID))
		if err != nil {
			var conflict *domain.ErrConcurrencyConflict
			if errors.As(err, &conflict) {
				// lockers only know the lock key
				err = &domain.ErrConcurrencyConflict{ContractID: contractID, Reason: conflict.Reason}
			}
			return retryOnConflict(err)
		}
		defer release()
		return retryOnConflict(fn(ctx))
	})
}

func retryOnConflict(err error) error {
	var conflict *domain.ErrConcurrencyConflict
	if err == nil || errors.As(err, &conflict) {
		return err
	}
	return resilience.Permanent(err)
}

// ============================================================
// Cancellation requests
// ============================================================

// CancelRegistry lets a user cancellation be seen by a reconcile that is
// already holding the contract lock. The reconciler checks it before
// applying a charge result. With a shared flag store the request is also
// visible to reconciles running on other replicas.
type CancelRegistry struct {
	mu      sync.Mutex
	pending map[string]int
	shared  port.FlagStore
	logger  *zap.Logger
}

// NewCancelRegistry creates an empty registry local to this process.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{pending: make(map[string]int), logger: zap.NewNop()}
}

// NewSharedCancelRegistry creates a registry that also raises its flags
// in flags, so every replica sharing the store sees them.
func NewSharedCancelRegistry(flags port.FlagStore, logger *zap.Logger) *CancelRegistry {
	return &CancelRegistry{pending: make(map[string]int), shared: flags, logger: logger}
}

func cancelFlag(contractID string) string {
	return "cancel:" + contractID
}

// Request marks contractID as being cancelled until done is called.
func (r *CancelRegistry) Request(ctx context.Context, contractID string) (done func(), err error) {
	if r.shared != nil {
		if err := r.shared.Raise(ctx, cancelFlag(contractID)); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.pending[contractID]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.pending[contractID] <= 1 {
				delete(r.pending, contractID)
			} else {
				r.pending[contractID]--
			}
			r.mu.Unlock()

			if r.shared == nil {
				return
			}
			// lowering must not be skipped because the request ctx ended
			lowerCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.shared.Lower(lowerCtx, cancelFlag(contractID)); err != nil {
				r.logger.Warn("failed to lower cancel flag, it expires on its own",
					zap.String("contract_id", contractID), zap.Error(err))
			}
		})
	}, nil
}

// Requested reports whether a cancellation is waiting on contractID. A
// shared store that cannot be read counts as a request, so a charge
// result is never applied over a cancellation it failed to see.
func (r *CancelRegistry) Requested(ctx context.Context, contractID string) bool {
	r.mu.Lock()
	local := r.pending[contractID] > 0
	r.mu.Unlock()
	if local || r.shared == nil {
		return local
	}

	raised, err := r.shared.Raised(ctx, cancelFlag(contractID))
	if err != nil {
		r.logger.Warn("cancel flag unreadable, treating as requested",
			zap.String("contract_id", contractID), zap.Error(err))
		return true
	}
	return raised
}

// ============================================================
// Notifications & transitions
// ============================================================

// notifications sends owner notifications. Delivery failures are logged
// and counted, never returned: the ledger change they describe is already
// committed.
type notifications struct {
	notifier port.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func (n notifications) send(ctx context.Context, c *domain.Contract, kind domain.NotificationKind, amount decimal.Decimal, message string, at time.Time) {
	note := &domain.Notification{
		ID:         uuid.New().String(),
		OwnerID:    c.OwnerID,
		ContractID: c.ID,
		Kind:       kind,
		Message:    message,
		Amount:     amount,
		CreatedAt:  at,
	}
	if err := n.notifier.Notify(ctx, note); err != nil {
		n.metrics.IncrExternalError("notifier")
		n.logger.Error("notification delivery failed",
			zap.String("contract_id", c.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}
	n.metrics.IncrNotification(string(kind))
}

// transitioned sends the notification matching the state a transition
// entered, if the state changed.
func (n notifications) transitioned(ctx context.Context, c *domain.Contract, tr lifecycle.Transition, at time.Time) {
	if !tr.Changed() {
		return
	}
	switch tr.To {
	case domain.StateCompleted:
		n.send(ctx, c, domain.NotifyCompleted, c.Ledger.AmountPaid, "contract completed", at)
	case domain.StateCancelled:
		n.send(ctx, c, domain.NotifyCancelled, c.Balance(), "contract cancelled", at)
	case domain.StateDisputed:
		n.send(ctx, c, domain.NotifyDisputed, c.Balance(), "dispute opened: "+c.DisputeReason, at)
	case domain.StateActive:
		n.send(ctx, c, domain.NotifyActivated, c.Balance(), "contract active", at)
	}
}

func recordTransition(m *observability.Metrics, tr lifecycle.Transition) {
	m.IncrTransition(string(tr.From), string(tr.To))
}
