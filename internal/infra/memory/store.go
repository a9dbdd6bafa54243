// Package memory is an in-process implementation of port.Store used for
// local development and tests. It enforces the same version and attempt
// rules as the database backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	contracts map[string]*domain.Contract
	entries   map[string][]domain.LedgerEntry
	attempts  map[string][]domain.PaymentAttempt // by contract id
	sessions  map[string]*domain.SessionCharge
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		contracts: make(map[string]*domain.Contract),
		entries:   make(map[string][]domain.LedgerEntry),
		attempts:  make(map[string][]domain.PaymentAttempt),
		sessions:  make(map[string]*domain.SessionCharge),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ============================================================
// Contracts
// ============================================================

func (s *Store) CreateContract(_ context.Context, c *domain.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return &domain.ErrDuplicate{Key: "contract " + c.ID}
	}
	c.Version = 1
	s.contracts[c.ID] = c.Clone()
	return nil
}

func (s *Store) GetContract(_ context.Context, contractID string) (*domain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "contract", ID: contractID}
	}
	return c.Clone(), nil
}

func (s *Store) SaveContract(_ context.Context, c *domain.Contract, entries []domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contracts[c.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "contract", ID: c.ID}
	}
	if stored.Version != c.Version {
		return &domain.ErrConcurrencyConflict{ContractID: c.ID, Reason: "stale version"}
	}

	c.Version++
	s.contracts[c.ID] = c.Clone()
	s.entries[c.ID] = append(s.entries[c.ID], entries...)
	return nil
}

func (s *Store) ListByOwner(_ context.Context, ownerID string) ([]domain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Contract, 0)
	for _, c := range s.contracts {
		if c.OwnerID == ownerID {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Contract, 0)
	for _, c := range s.contracts {
		if c.Due(now) {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(*out[j].NextDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListEntries(_ context.Context, contractID string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LedgerEntry, len(s.entries[contractID]))
	copy(out, s.entries[contractID])
	return out, nil
}

// ============================================================
// Payment attempts
// ============================================================

func (s *Store) CreateAttempt(_ context.Context, a *domain.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Status == domain.AttemptSucceeded && s.hasSucceeded(a.ContractID, a.IdempotencyKey, a.ID) {
		return &domain.ErrDuplicate{Key: a.IdempotencyKey}
	}
	s.attempts[a.ContractID] = append(s.attempts[a.ContractID], *a)
	return nil
}

func (s *Store) ResolveAttempt(_ context.Context, a *domain.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.attempts[a.ContractID]
	for i := range list {
		if list[i].ID != a.ID {
			continue
		}
		if list[i].Terminal() {
			return &domain.ErrValidation{Field: "status", Message: "payment attempt " + a.ID + " is already terminal"}
		}
		if a.Status == domain.AttemptSucceeded && s.hasSucceeded(a.ContractID, a.IdempotencyKey, a.ID) {
			return &domain.ErrDuplicate{Key: a.IdempotencyKey}
		}
		list[i] = *a
		return nil
	}
	return &domain.ErrNotFound{Resource: "payment attempt", ID: a.ID}
}

func (s *Store) ListAttempts(_ context.Context, contractID string) ([]domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PaymentAttempt, len(s.attempts[contractID]))
	copy(out, s.attempts[contractID])
	return out, nil
}

func (s *Store) AttemptsByKey(_ context.Context, idempotencyKey string) ([]domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PaymentAttempt, 0)
	for _, list := range s.attempts {
		for _, a := range list {
			if a.IdempotencyKey == idempotencyKey {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Try < out[j].Try })
	return out, nil
}

func (s *Store) hasSucceeded(contractID, key, exceptID string) bool {
	for _, a := range s.attempts[contractID] {
		if a.IdempotencyKey == key && a.Status == domain.AttemptSucceeded && a.ID != exceptID {
			return true
		}
	}
	return false
}

// ============================================================
// Session charges
// ============================================================

func (s *Store) GetSessionCharge(_ context.Context, sessionID string) (*domain.SessionCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.sessions[sessionID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "session charge", ID: sessionID}
	}
	out := *ch
	return &out, nil
}

func (s *Store) CreateSessionCharge(_ context.Context, ch *domain.SessionCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[ch.SessionID]; ok {
		return &domain.ErrDuplicate{Key: "session " + ch.SessionID}
	}
	out := *ch
	s.sessions[ch.SessionID] = &out
	return nil
}
