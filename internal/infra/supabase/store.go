package supabase

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// Column names match the JSON tags of the domain types, so rows decode
// straight into them.

// ============================================================
// Contracts
// ============================================================

func (c *Client) CreateContract(ctx context.Context, ct *domain.Contract) error {
	ctx, span := tracer.Start(ctx, "Supabase.CreateContract")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", ct.ID))

	ct.Version = 1
	return c.execute(ctx, "supabase/contracts", func() error {
		err := c.insert(ctx, "contracts", ct)
		if isConflict(err) {
			return &domain.ErrDuplicate{Key: "contract " + ct.ID}
		}
		return err
	})
}

func (c *Client) GetContract(ctx context.Context, contractID string) (*domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetContract")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", contractID))

	var rows []domain.Contract
	err := c.execute(ctx, "supabase/contracts", func() error {
		if err := c.getRows(ctx, "contracts?id="+eq(contractID)+"&limit=1", &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "contract", ID: contractID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// SaveContract calls the save_contract function, which updates the row only
// at the expected version and inserts the entries in the same transaction.
func (c *Client) SaveContract(ctx context.Context, ct *domain.Contract, entries []domain.LedgerEntry) error {
	ctx, span := tracer.Start(ctx, "Supabase.SaveContract")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", ct.ID), attribute.Int64("contract.version", ct.Version))

	if entries == nil {
		entries = []domain.LedgerEntry{}
	}

	var updated int64
	err := c.execute(ctx, "supabase/contracts", func() error {
		return c.rpc(ctx, "save_contract", map[string]any{
			"p_contract":         ct,
			"p_expected_version": ct.Version,
			"p_entries":          entries,
		}, &updated)
	})
	if err != nil {
		return err
	}
	if updated == 0 {
		return &domain.ErrConcurrencyConflict{ContractID: ct.ID, Reason: "stale version"}
	}
	ct.Version++
	return nil
}

func (c *Client) ListByOwner(ctx context.Context, ownerID string) ([]domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListByOwner")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID))

	rows := make([]domain.Contract, 0)
	err := c.execute(ctx, "supabase/contracts", func() error {
		return c.getRows(ctx, "contracts?owner_id="+eq(ownerID)+"&order=created_at.asc", &rows)
	})
	return rows, err
}

func (c *Client) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListDue")
	defer span.End()

	if limit <= 0 {
		limit = 1000
	}
	path := fmt.Sprintf("contracts?state=eq.active&next_due_at=%s&order=next_due_at.asc&limit=%d", lte(now), limit)

	rows := make([]domain.Contract, 0)
	err := c.execute(ctx, "supabase/contracts", func() error {
		return c.getRows(ctx, path, &rows)
	})
	return rows, err
}

func (c *Client) ListEntries(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListEntries")
	defer span.End()

	rows := make([]domain.LedgerEntry, 0)
	err := c.execute(ctx, "supabase/ledger", func() error {
		return c.getRows(ctx, "ledger_entries?contract_id="+eq(contractID)+"&order=created_at.asc,id.asc", &rows)
	})
	return rows, err
}

// ============================================================
// Payment attempts
// ============================================================

func (c *Client) CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	ctx, span := tracer.Start(ctx, "Supabase.CreateAttempt")
	defer span.End()
	span.SetAttributes(attribute.String("payment.idempotency_key", a.IdempotencyKey))

	return c.execute(ctx, "supabase/attempts", func() error {
		err := c.insert(ctx, "payment_attempts", a)
		if isConflict(err) {
			return &domain.ErrDuplicate{Key: a.IdempotencyKey}
		}
		return err
	})
}

func (c *Client) ResolveAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	ctx, span := tracer.Start(ctx, "Supabase.ResolveAttempt")
	defer span.End()
	span.SetAttributes(attribute.String("payment.status", string(a.Status)))

	data := map[string]any{
		"status":            a.Status,
		"gateway_reference": a.GatewayReference,
		"failure_reason":    a.FailureReason,
		"resolved_at":       a.ResolvedAt,
	}

	return c.execute(ctx, "supabase/attempts", func() error {
		var updated []domain.PaymentAttempt
		err := c.patchRows(ctx, "payment_attempts?id="+eq(a.ID)+"&status=eq.pending", data, &updated)
		if isConflict(err) {
			return &domain.ErrDuplicate{Key: a.IdempotencyKey}
		}
		if err != nil {
			return err
		}
		if len(updated) == 0 {
			return &domain.ErrValidation{Field: "status", Message: "payment attempt " + a.ID + " is missing or already terminal"}
		}
		return nil
	})
}

func (c *Client) ListAttempts(ctx context.Context, contractID string) ([]domain.PaymentAttempt, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListAttempts")
	defer span.End()

	rows := make([]domain.PaymentAttempt, 0)
	err := c.execute(ctx, "supabase/attempts", func() error {
		return c.getRows(ctx, "payment_attempts?contract_id="+eq(contractID)+"&order=period_index.asc,try.asc", &rows)
	})
	return rows, err
}

func (c *Client) AttemptsByKey(ctx context.Context, idempotencyKey string) ([]domain.PaymentAttempt, error) {
	ctx, span := tracer.Start(ctx, "Supabase.AttemptsByKey")
	defer span.End()

	rows := make([]domain.PaymentAttempt, 0)
	err := c.execute(ctx, "supabase/attempts", func() error {
		return c.getRows(ctx, "payment_attempts?idempotency_key="+eq(idempotencyKey)+"&order=try.asc", &rows)
	})
	return rows, err
}

// ============================================================
// Session charges
// ============================================================

func (c *Client) GetSessionCharge(ctx context.Context, sessionID string) (*domain.SessionCharge, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetSessionCharge")
	defer span.End()

	var rows []domain.SessionCharge
	err := c.execute(ctx, "supabase/sessions", func() error {
		if err := c.getRows(ctx, "session_charges?session_id="+eq(sessionID)+"&limit=1", &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "session charge", ID: sessionID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

func (c *Client) CreateSessionCharge(ctx context.Context, ch *domain.SessionCharge) error {
	ctx, span := tracer.Start(ctx, "Supabase.CreateSessionCharge")
	defer span.End()

	return c.execute(ctx, "supabase/sessions", func() error {
		err := c.insert(ctx, "session_charges", ch)
		if isConflict(err) {
			return &domain.ErrDuplicate{Key: "session " + ch.SessionID}
		}
		return err
	})
}
