package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL, "anon", "service", resilience.NewCircuitBreaker("supabase-test", nil),
		resilience.Config{MaxRetries: 1, InitialBackoff: time.Millisecond}, zap.NewNop())
}

func TestGetContract_DecodesPostgRESTRow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "anon" || r.Header.Get("Authorization") != "Bearer service" {
			t.Errorf("missing auth headers")
		}
		if r.URL.Path != "/rest/v1/contracts" || r.URL.Query().Get("id") != "eq.c-1" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`[{"id":"c-1","owner_id":"owner-1","state":"active",
			"terms":{"periodic_amount":50,"period_count":6,"interest_rate_per_period":0,"compounding_frequency":"none","penalty_percent":0.1,"billing_interval":"monthly"},
			"ledger":{"principal":100,"interest":0,"penalties":5,"amount_paid":50},
			"payment_method_ref":"pm_1","next_due_at":"2026-07-01T08:00:00+00:00","period_index":2,"periods_billed":2,
			"missed_periods":0,"dispute_reason":"","version":3,"created_at":"2026-06-01T08:00:00+00:00",
			"updated_at":"2026-06-01T08:00:00+00:00","activated_at":null,"closed_at":null}]`))
	})

	ct, err := c.GetContract(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ct.Balance().Equal(decimal.NewFromInt(55)) {
		t.Errorf("expected balance 55, got %s", ct.Balance())
	}
	if ct.Version != 3 || ct.NextDueAt == nil || ct.Terms.BillingInterval != domain.FrequencyMonthly {
		t.Errorf("unexpected contract: %+v", ct)
	}
}

func TestGetContract_EmptyIsNotFound(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.GetContract(context.Background(), "missing")
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("not found must not be retried, got %d calls", calls)
	}
}

func TestSaveContract_RPCVersionCheck(t *testing.T) {
	var got map[string]json.RawMessage
	result := "1"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/rpc/save_contract" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(result))
	})

	ct := &domain.Contract{ID: "c-1", State: domain.StateActive, Version: 2}
	if err := c.SaveContract(context.Background(), ct, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct.Version != 3 {
		t.Errorf("expected version 3, got %d", ct.Version)
	}
	if string(got["p_expected_version"]) != "2" || string(got["p_entries"]) != "[]" {
		t.Errorf("unexpected rpc args: %s %s", got["p_expected_version"], got["p_entries"])
	}

	result = "0"
	err := c.SaveContract(context.Background(), ct, nil)
	var conflict *domain.ErrConcurrencyConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if ct.Version != 3 {
		t.Errorf("version must not move on conflict, got %d", ct.Version)
	}
}

func TestCreateAttempt_ConflictIsDuplicate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	})

	err := c.CreateAttempt(context.Background(), &domain.PaymentAttempt{ID: "a-1", IdempotencyKey: "ik_1", Status: domain.AttemptSucceeded, CreatedAt: t0})
	var dup *domain.ErrDuplicate
	if !errors.As(err, &dup) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestResolveAttempt_OnlyPending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || !strings.Contains(r.URL.RawQuery, "status=eq.pending") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		}
		_, _ = w.Write([]byte(`[]`))
	})

	err := c.ResolveAttempt(context.Background(), &domain.PaymentAttempt{ID: "a-1", Status: domain.AttemptFailed})
	var invalid *domain.ErrValidation
	if !errors.As(err, &invalid) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestListDue_Filters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != "eq.active" || q.Get("next_due_at") != "lte.2026-06-01T08:00:00Z" || q.Get("limit") != "10" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id":"c-1","state":"active","terms":{},"ledger":{}}]`))
	})

	due, err := c.ListDue(context.Background(), t0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].ID != "c-1" {
		t.Errorf("unexpected result: %+v", due)
	}
}

func TestServerErrorsAreRetriedThenWrapped(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.ListByOwner(context.Background(), "owner-1")
	var ext *domain.ErrExternalService
	if !errors.As(err, &ext) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}
