// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
)

// ContractStore persists contracts and their ledger history.
// Contract is the only record updated in place; ledger entries are append-only.
type ContractStore interface {
	CreateContract(ctx context.Context, c *domain.Contract) error
	GetContract(ctx context.Context, contractID string) (*domain.Contract, error)

	// SaveContract writes c and appends entries atomically. It fails with
	// ErrConcurrencyConflict unless the stored version equals c.Version,
	// and bumps c.Version on success.
	SaveContract(ctx context.Context, c *domain.Contract, entries []domain.LedgerEntry) error

	ListByOwner(ctx context.Context, ownerID string) ([]domain.Contract, error)
	// ListDue returns active contracts with next_due_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Contract, error)
	ListEntries(ctx context.Context, contractID string) ([]domain.LedgerEntry, error)
}

// AttemptStore persists payment attempts. An attempt is immutable once terminal,
// and at most one succeeded attempt may exist per idempotency key.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error
	// ResolveAttempt moves a pending attempt to a terminal status.
	ResolveAttempt(ctx context.Context, a *domain.PaymentAttempt) error
	ListAttempts(ctx context.Context, contractID string) ([]domain.PaymentAttempt, error)
	AttemptsByKey(ctx context.Context, idempotencyKey string) ([]domain.PaymentAttempt, error)
}

// SessionStore persists completed-session charge records, one per session.
type SessionStore interface {
	GetSessionCharge(ctx context.Context, sessionID string) (*domain.SessionCharge, error)
	// CreateSessionCharge fails with ErrDuplicate if the session already has a charge.
	CreateSessionCharge(ctx context.Context, ch *domain.SessionCharge) error
}

// Store groups the persistence ports served by one backend.
type Store interface {
	ContractStore
	AttemptStore
	SessionStore
	Ping(ctx context.Context) error
}

// PaymentGateway is the client-facing contract of the external gateway.
// Charge reports an ambiguous outcome as ChargeTimeout, never as failure.
type PaymentGateway interface {
	Charge(ctx context.Context, req *domain.ChargeRequest) (*domain.ChargeResult, error)
	QueryStatus(ctx context.Context, idempotencyKey string) (*domain.ChargeResult, error)
}

// Notifier pushes notifications to the owner-facing channel.
type Notifier interface {
	Notify(ctx context.Context, n *domain.Notification) error
}

// ProfileFetcher retrieves owner profile data.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, ownerID string) (*domain.OwnerProfile, error)
}

// Locker serializes work on a single key. Acquire blocks up to the locker's
// wait budget and fails with ErrConcurrencyConflict if the key stays held.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// FlagStore holds counted, expiring flags shared by every replica. A flag
// is raised while its count is above zero.
type FlagStore interface {
	Raise(ctx context.Context, key string) error
	Lower(ctx context.Context, key string) error
	Raised(ctx context.Context, key string) (bool, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
