// Package postgres implements port.Store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Store implements port.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the postgres driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================
// Contracts
// ============================================================

const contractColumns = `id, owner_id, state, terms, ledger, payment_method_ref, next_due_at,
	period_index, periods_billed, missed_periods, dispute_reason, version,
	created_at, updated_at, activated_at, closed_at`

func (s *Store) CreateContract(ctx context.Context, c *domain.Contract) error {
	terms, ledger, err := marshalContract(c)
	if err != nil {
		return err
	}

	c.Version = 1
	_, err = s.db.ExecContext(ctx, `INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.OwnerID, string(c.State), terms, ledger, c.PaymentMethodRef, c.NextDueAt,
		c.PeriodIndex, c.PeriodsBilled, c.MissedPeriods, c.DisputeReason, c.Version,
		c.CreatedAt, c.UpdatedAt, c.ActivatedAt, c.ClosedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrDuplicate{Key: "contract " + c.ID}
		}
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	return nil
}

func (s *Store) GetContract(ctx context.Context, contractID string) (*domain.Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, contractID)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "contract", ID: contractID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// SaveContract updates the row guarded by version and appends entries in one transaction.
func (s *Store) SaveContract(ctx context.Context, c *domain.Contract, entries []domain.LedgerEntry) error {
	terms, ledger, err := marshalContract(c)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE contracts SET
			state = $1, terms = $2, ledger = $3, payment_method_ref = $4, next_due_at = $5,
			period_index = $6, periods_billed = $7, missed_periods = $8, dispute_reason = $9,
			version = version + 1, updated_at = $10, activated_at = $11, closed_at = $12
		WHERE id = $13 AND version = $14`,
		string(c.State), terms, ledger, c.PaymentMethodRef, c.NextDueAt,
		c.PeriodIndex, c.PeriodsBilled, c.MissedPeriods, c.DisputeReason,
		c.UpdatedAt, c.ActivatedAt, c.ClosedAt,
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return &domain.ErrConcurrencyConflict{ContractID: c.ID, Reason: "stale version"}
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries
				(id, contract_id, kind, amount, period_index, balance_after, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.ContractID, string(e.Kind), e.Amount, e.PeriodIndex, e.BalanceAfter, e.Reference, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.Version++
	return nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]domain.Contract, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	return collectContracts(rows)
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Contract, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contractColumns+` FROM contracts
		WHERE state = 'active' AND next_due_at <= $1
		ORDER BY next_due_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due contracts: %w", err)
	}
	return collectContracts(rows)
}

func (s *Store) ListEntries(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, contract_id, kind, amount, period_index, balance_after, reference, created_at
		FROM ledger_entries WHERE contract_id = $1 ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var e domain.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.ContractID, &kind, &e.Amount, &e.PeriodIndex, &e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.EntryKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================
// Payment attempts
// ============================================================

const attemptColumns = `id, contract_id, idempotency_key, period_index, try, amount, status,
	gateway_reference, failure_reason, created_at, resolved_at`

func (s *Store) CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO payment_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.ContractID, a.IdempotencyKey, a.PeriodIndex, a.Try, a.Amount, string(a.Status),
		a.GatewayReference, a.FailureReason, a.CreatedAt, a.ResolvedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrDuplicate{Key: a.IdempotencyKey}
		}
		return fmt.Errorf("failed to insert payment attempt: %w", err)
	}
	return nil
}

// ResolveAttempt only touches pending rows, so terminal attempts stay immutable.
func (s *Store) ResolveAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	res, err := s.db.ExecContext(ctx, `UPDATE payment_attempts
		SET status = $1, gateway_reference = $2, failure_reason = $3, resolved_at = $4
		WHERE id = $5 AND status = 'pending'`,
		string(a.Status), a.GatewayReference, a.FailureReason, a.ResolvedAt, a.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrDuplicate{Key: a.IdempotencyKey}
		}
		return fmt.Errorf("failed to resolve payment attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return &domain.ErrValidation{Field: "status", Message: "payment attempt " + a.ID + " is missing or already terminal"}
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, contractID string) ([]domain.PaymentAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts
		WHERE contract_id = $1 ORDER BY period_index, try`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (s *Store) AttemptsByKey(ctx context.Context, idempotencyKey string) ([]domain.PaymentAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts
		WHERE idempotency_key = $1 ORDER BY try`, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment attempts: %w", err)
	}
	return collectAttempts(rows)
}

// ============================================================
// Session charges
// ============================================================

func (s *Store) GetSessionCharge(ctx context.Context, sessionID string) (*domain.SessionCharge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, owner_id, params, elapsed_seconds, amount,
		started_at, ended_at, created_at FROM session_charges WHERE session_id = $1`, sessionID)

	var ch domain.SessionCharge
	var params []byte
	err := row.Scan(&ch.ID, &ch.SessionID, &ch.OwnerID, &params, &ch.ElapsedSeconds, &ch.Amount,
		&ch.StartedAt, &ch.EndedAt, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "session charge", ID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session charge: %w", err)
	}
	if err := json.Unmarshal(params, &ch.Params); err != nil {
		return nil, fmt.Errorf("decode session params: %w", err)
	}
	return &ch, nil
}

func (s *Store) CreateSessionCharge(ctx context.Context, ch *domain.SessionCharge) error {
	params, err := json.Marshal(ch.Params)
	if err != nil {
		return fmt.Errorf("encode session params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO session_charges
			(id, session_id, owner_id, params, elapsed_seconds, amount, started_at, ended_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ch.ID, ch.SessionID, ch.OwnerID, params, ch.ElapsedSeconds, ch.Amount, ch.StartedAt, ch.EndedAt, ch.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrDuplicate{Key: "session " + ch.SessionID}
		}
		return fmt.Errorf("failed to insert session charge: %w", err)
	}
	return nil
}

// ============================================================
// Helpers
// ============================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (*domain.Contract, error) {
	var (
		c                               domain.Contract
		state                           string
		terms, ledger                   []byte
		nextDue, activatedAt, closedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OwnerID, &state, &terms, &ledger, &c.PaymentMethodRef, &nextDue,
		&c.PeriodIndex, &c.PeriodsBilled, &c.MissedPeriods, &c.DisputeReason, &c.Version,
		&c.CreatedAt, &c.UpdatedAt, &activatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	c.State = domain.State(state)
	if err := json.Unmarshal(terms, &c.Terms); err != nil {
		return nil, fmt.Errorf("decode terms: %w", err)
	}
	if err := json.Unmarshal(ledger, &c.Ledger); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	c.NextDueAt = timePtr(nextDue)
	c.ActivatedAt = timePtr(activatedAt)
	c.ClosedAt = timePtr(closedAt)
	return &c, nil
}

func collectContracts(rows *sql.Rows) ([]domain.Contract, error) {
	defer func() { _ = rows.Close() }()

	out := make([]domain.Contract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func collectAttempts(rows *sql.Rows) ([]domain.PaymentAttempt, error) {
	defer func() { _ = rows.Close() }()

	out := make([]domain.PaymentAttempt, 0)
	for rows.Next() {
		var a domain.PaymentAttempt
		var status string
		var resolved sql.NullTime
		if err := rows.Scan(&a.ID, &a.ContractID, &a.IdempotencyKey, &a.PeriodIndex, &a.Try, &a.Amount, &status,
			&a.GatewayReference, &a.FailureReason, &a.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		a.Status = domain.AttemptStatus(status)
		a.ResolvedAt = timePtr(resolved)
		out = append(out, a)
	}
	return out, rows.Err()
}

func marshalContract(c *domain.Contract) (terms, ledger []byte, err error) {
	terms, err = json.Marshal(c.Terms)
	if err != nil {
		return nil, nil, fmt.Errorf("encode terms: %w", err)
	}
	ledger, err = json.Marshal(c.Ledger)
	if err != nil {
		return nil, nil, fmt.Errorf("encode ledger: %w", err)
	}
	return terms, ledger, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
