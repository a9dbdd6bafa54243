package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func active(id string, due time.Time) *domain.Contract {
	return &domain.Contract{
		ID:        id,
		OwnerID:   "owner-1",
		State:     domain.StateActive,
		NextDueAt: &due,
		CreatedAt: t0,
	}
}

func TestSaveContract_OptimisticVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateContract(ctx, active("c-1", t0)))

	a, _ := s.GetContract(ctx, "c-1")
	b, _ := s.GetContract(ctx, "c-1")

	a.PeriodIndex = 1
	require.NoError(t, s.SaveContract(ctx, a, []domain.LedgerEntry{{ID: "e-1", ContractID: "c-1", Kind: domain.EntryBilled, Amount: decimal.NewFromInt(5)}}))
	assert.Equal(t, int64(2), a.Version)

	b.PeriodIndex = 7
	err := s.SaveContract(ctx, b, nil)
	var conflict *domain.ErrConcurrencyConflict
	require.True(t, errors.As(err, &conflict))

	got, _ := s.GetContract(ctx, "c-1")
	assert.Equal(t, 1, got.PeriodIndex)
	entries, _ := s.ListEntries(ctx, "c-1")
	assert.Len(t, entries, 1)
}

func TestGetContract_ReturnsCopy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateContract(ctx, active("c-1", t0)))

	c, _ := s.GetContract(ctx, "c-1")
	*c.NextDueAt = t0.AddDate(1, 0, 0)

	again, _ := s.GetContract(ctx, "c-1")
	assert.True(t, again.NextDueAt.Equal(t0))

	_, err := s.GetContract(ctx, "missing")
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestListDue_FiltersAndOrders(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateContract(ctx, active("late", t0.Add(-2*time.Hour))))
	require.NoError(t, s.CreateContract(ctx, active("now", t0)))
	require.NoError(t, s.CreateContract(ctx, active("future", t0.Add(time.Hour))))
	disputed := active("disputed", t0.Add(-time.Hour))
	disputed.State = domain.StateDisputed
	require.NoError(t, s.CreateContract(ctx, disputed))

	due, err := s.ListDue(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "late", due[0].ID)
	assert.Equal(t, "now", due[1].ID)

	due, _ = s.ListDue(ctx, t0, 1)
	assert.Len(t, due, 1)
}

func TestAttempts_AtMostOneSucceededPerKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	key := domain.IdempotencyKey("c-1", 0)

	a1 := &domain.PaymentAttempt{ID: "a-1", ContractID: "c-1", IdempotencyKey: key, Try: 1, Status: domain.AttemptPending}
	a2 := &domain.PaymentAttempt{ID: "a-2", ContractID: "c-1", IdempotencyKey: key, Try: 2, Status: domain.AttemptPending}
	require.NoError(t, s.CreateAttempt(ctx, a1))
	require.NoError(t, s.CreateAttempt(ctx, a2))

	a1.Status = domain.AttemptSucceeded
	require.NoError(t, s.ResolveAttempt(ctx, a1))

	a2.Status = domain.AttemptSucceeded
	var dup *domain.ErrDuplicate
	require.True(t, errors.As(s.ResolveAttempt(ctx, a2), &dup))

	a1.Status = domain.AttemptFailed
	var invalid *domain.ErrValidation
	require.True(t, errors.As(s.ResolveAttempt(ctx, a1), &invalid), "terminal attempts are immutable")

	list, _ := s.AttemptsByKey(ctx, key)
	require.Len(t, list, 2)
	assert.Equal(t, domain.AttemptSucceeded, list[0].Status)
	assert.Equal(t, domain.AttemptPending, list[1].Status)
}

func TestSessionCharges_OnePerSession(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	ch := &domain.SessionCharge{ID: "sc-1", SessionID: "sess-1", Amount: decimal.NewFromInt(3)}
	require.NoError(t, s.CreateSessionCharge(ctx, ch))

	var dup *domain.ErrDuplicate
	require.True(t, errors.As(s.CreateSessionCharge(ctx, ch), &dup))

	got, err := s.GetSessionCharge(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(3)))
}
