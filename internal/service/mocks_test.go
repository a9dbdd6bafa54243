package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/clock"
	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/lock"
	"github.com/boddenberg/pj-contracts-go/internal/infra/memory"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/service"
	"github.com/boddenberg/pj-contracts-go/internal/signature"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// --- Mocks ---

type fakeGateway struct {
	mu      sync.Mutex
	charges []domain.ChargeRequest
	queries int
	charge  func(req *domain.ChargeRequest) (*domain.ChargeResult, error)
	status  func(key string) (*domain.ChargeResult, error)
}

func (g *fakeGateway) Charge(_ context.Context, req *domain.ChargeRequest) (*domain.ChargeResult, error) {
	g.mu.Lock()
	g.charges = append(g.charges, *req)
	fn := g.charge
	g.mu.Unlock()

	if fn == nil {
		return &domain.ChargeResult{Status: domain.ChargeSucceeded, Reference: "ch_" + req.IdempotencyKey}, nil
	}
	return fn(req)
}

func (g *fakeGateway) QueryStatus(_ context.Context, key string) (*domain.ChargeResult, error) {
	g.mu.Lock()
	g.queries++
	fn := g.status
	g.mu.Unlock()

	if fn == nil {
		return &domain.ChargeResult{Status: domain.ChargeUnknown}, nil
	}
	return fn(key)
}

func (g *fakeGateway) onCharge(fn func(req *domain.ChargeRequest) (*domain.ChargeResult, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charge = fn
}

func (g *fakeGateway) onStatus(fn func(key string) (*domain.ChargeResult, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = fn
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

func (g *fakeGateway) lastCharge() domain.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges[len(g.charges)-1]
}

func declineAll(*domain.ChargeRequest) (*domain.ChargeResult, error) {
	return &domain.ChargeResult{Status: domain.ChargeFailed, Reason: "insufficient_funds"}, nil
}

func timeoutAll(*domain.ChargeRequest) (*domain.ChargeResult, error) {
	return &domain.ChargeResult{Status: domain.ChargeTimeout}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note *domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, *note)
	return nil
}

func (n *recordingNotifier) count(kind domain.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, note := range n.notes {
		if note.Kind == kind {
			c++
		}
	}
	return c
}

type mockProfiles struct {
	profiles map[string]*domain.OwnerProfile
}

func (m *mockProfiles) GetProfile(_ context.Context, ownerID string) (*domain.OwnerProfile, error) {
	p, ok := m.profiles[ownerID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "profile", ID: ownerID}
	}
	return p, nil
}

// memFlags stands in for a flag store shared by several replicas.
type memFlags struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newMemFlags() *memFlags { return &memFlags{counts: make(map[string]int)} }

func (f *memFlags) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *memFlags) Raise(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.counts[key]++
	return nil
}

func (f *memFlags) Lower(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.counts[key]--; f.counts[key] <= 0 {
		delete(f.counts, key)
	}
	return nil
}

func (f *memFlags) Raised(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.counts[key] > 0, nil
}

// --- Harness ---

var t0 = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

type harness struct {
	store    *memory.Store
	gateway  *fakeGateway
	notifier *recordingNotifier
	clock    *clock.Manual
	cancels  *service.CancelRegistry
	metrics  *observability.Metrics
	signer   *signature.Signer
	rec      *service.Reconciler
	svc      *service.ContractService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    memory.NewStore(),
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
		clock:    clock.NewManual(t0),
		cancels:  service.NewCancelRegistry(),
		metrics:  observability.NewMetrics(),
	}
	h.signer = signature.NewSigner("test-secret", time.Hour, h.clock)

	cfg := service.ReconcilerConfig{
		MaxRetries:      3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		GatewayTimeout:  time.Second,
		ConflictRetries: 2,
	}
	h.rec = service.NewReconciler(h.store, h.store, h.gateway, h.notifier, lock.NewMemory(2*time.Second),
		h.cancels, h.clock, cfg, h.metrics, zap.NewNop())

	profiles := &mockProfiles{profiles: map[string]*domain.OwnerProfile{
		"owner-1": {OwnerID: "owner-1", Name: "Acme Ltda", DefaultPaymentMethodRef: "pm_default"},
	}}
	h.svc = service.NewContractService(h.store, h.rec, profiles, h.signer, h.cancels, h.notifier,
		h.clock, h.metrics, zap.NewNop())
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func terms(amount string, periods int) domain.Terms {
	return domain.Terms{PeriodicAmount: dec(amount), PeriodCount: periods}
}

func (h *harness) propose(t *testing.T, tm domain.Terms) *domain.Contract {
	t.Helper()
	c, err := h.svc.Propose(context.Background(), &domain.ProposeRequest{OwnerID: "owner-1", Terms: tm})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return c
}

// activePaid proposes and accepts a contract, paying period 0.
func (h *harness) activePaid(t *testing.T, tm domain.Terms) *domain.Contract {
	t.Helper()
	c := h.propose(t, tm)
	c, err := h.svc.Accept(context.Background(), c.ID, "owner-1", &domain.AcceptRequest{PaymentMethodRef: "pm_ok"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if c.State != domain.StateActive {
		t.Fatalf("expected active after accept, got %s", c.State)
	}
	return c
}

func (h *harness) reload(t *testing.T, id string) *domain.Contract {
	t.Helper()
	c, err := h.store.GetContract(context.Background(), id)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	return c
}

func (h *harness) entries(t *testing.T, id string, kind domain.EntryKind) []domain.LedgerEntry {
	t.Helper()
	all, err := h.store.ListEntries(context.Background(), id)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	var out []domain.LedgerEntry
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// dueNow moves the clock to the contract's next due date.
func (h *harness) dueNow(t *testing.T, id string) *domain.Contract {
	t.Helper()
	c := h.reload(t, id)
	if c.NextDueAt == nil {
		t.Fatalf("contract %s has no next due date", id)
	}
	h.clock.Set(*c.NextDueAt)
	return c
}
