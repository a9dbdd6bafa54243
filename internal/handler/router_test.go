package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/clock"
	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/handler"
	"github.com/boddenberg/pj-contracts-go/internal/infra/client"
	"github.com/boddenberg/pj-contracts-go/internal/infra/lock"
	"github.com/boddenberg/pj-contracts-go/internal/infra/memory"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/service"
	"github.com/boddenberg/pj-contracts-go/internal/signature"

	"go.uber.org/zap"
)

type noProfiles struct{}

func (noProfiles) GetProfile(_ context.Context, ownerID string) (*domain.OwnerProfile, error) {
	return nil, &domain.ErrNotFound{Resource: "profile", ID: ownerID}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testAPI struct {
	router http.Handler
	clock  *clock.Manual
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	store := memory.NewStore()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cancels := service.NewCancelRegistry()
	notifier := client.NewLogNotifier(logger)

	rec := service.NewReconciler(store, store, client.NewSandboxGateway(logger), notifier, lock.NewMemory(time.Second),
		cancels, clk, service.ReconcilerConfig{
			MaxRetries:      1,
			InitialBackoff:  time.Millisecond,
			MaxBackoff:      time.Millisecond,
			GatewayTimeout:  time.Second,
			ConflictRetries: 1,
		}, metrics, logger)
	contracts := service.NewContractService(store, rec, noProfiles{}, signature.NewSigner("secret", time.Hour, clk),
		cancels, notifier, clk, metrics, logger)

	router := handler.NewRouter(handler.Services{
		Contracts: contracts,
		Sessions:  service.NewSessionService(store, clk, metrics, logger),
		Scheduler: service.NewBillingScheduler(store, rec, clk, 2, 50, metrics, logger),
		Store:     store,
	}, metrics, logger)
	return &testAPI{router: router, clock: clk}
}

func (a *testAPI) do(method, path, owner, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set(handler.OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func (a *testAPI) propose(t *testing.T, owner, terms string) domain.Contract {
	t.Helper()
	rec := a.do(http.MethodPost, "/v1/contracts", owner, `{"terms":`+terms+`}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[domain.Contract](t, rec)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	health := decode[domain.HealthStatus](t, rec)
	if health.Status != "healthy" || len(health.Services) != 2 {
		t.Errorf("unexpected health payload: %+v", health)
	}
}

func TestHealthz_StoreDown(t *testing.T) {
	router := handler.NewRouter(handler.Services{Store: failingPinger{}}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestReadyzAndPing(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, observability.NewMetrics(), zap.NewNop())

	for _, path := range []string{"/readyz", "/ping"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestMetrics(t *testing.T) {
	api := newTestAPI(t)
	api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":2}`)

	rec := api.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "contracts_request_duration_seconds") {
		t.Error("expected request duration histogram in /metrics output")
	}
}

func TestContracts_OwnerHeaderRequired(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/v1/contracts", "", `{"terms":{"periodic_amount":"50","period_count":2}}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestContracts_ProposeRejectsBadInput(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"terms":{"periodic_amount":"50"},"discount":"10"}`},
		{"malformed", `{"terms":`},
		{"negative amount", `{"terms":{"periodic_amount":"-5","period_count":2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/v1/contracts", "owner-1", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestContracts_AcceptAndStatement(t *testing.T) {
	api := newTestAPI(t)
	c := api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":3}`)
	if c.State != domain.StateDraft {
		t.Fatalf("expected draft, got %s", c.State)
	}

	rec := api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/accept", "owner-1", `{"payment_method_ref":"pm_ok"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	accepted := decode[domain.Contract](t, rec)
	if accepted.State != domain.StateActive || accepted.PeriodIndex != 1 {
		t.Errorf("expected active at period 1, got %s at %d", accepted.State, accepted.PeriodIndex)
	}

	rec = api.do(http.MethodGet, "/v1/contracts/"+c.ID+"/statement", "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("statement: expected 200, got %d", rec.Code)
	}
	st := decode[domain.Statement](t, rec)
	if !st.AmountPaid.Equal(accepted.Ledger.AmountPaid) || st.RemainingPeriods == nil || *st.RemainingPeriods != 2 {
		t.Errorf("unexpected statement: paid %s remaining %v", st.AmountPaid, st.RemainingPeriods)
	}

	rec = api.do(http.MethodGet, "/v1/contracts/"+c.ID, "owner-2", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("other owner: expected 404, got %d", rec.Code)
	}
}

func TestContracts_AcceptDeclined(t *testing.T) {
	api := newTestAPI(t)
	c := api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":3}`)

	rec := api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/accept", "owner-1", `{"payment_method_ref":"pm_decline_card"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.do(http.MethodGet, "/v1/contracts/"+c.ID, "owner-1", "")
	if got := decode[domain.Contract](t, rec); got.State != domain.StateDraft {
		t.Errorf("expected draft after decline, got %s", got.State)
	}
}

func TestContracts_AcceptWithoutPaymentMethod(t *testing.T) {
	api := newTestAPI(t)
	c := api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":3}`)

	rec := api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/accept", "owner-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestContracts_SignatureAcceptance(t *testing.T) {
	api := newTestAPI(t)
	c := api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":3}`)

	rec := api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/signature-token", "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	token := decode[map[string]string](t, rec)["signature_token"]

	rec = api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/accept", "owner-1",
		`{"payment_method_ref":"pm_ok","signature_token":"tampered`+token+`"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered token: expected 401, got %d", rec.Code)
	}

	rec = api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/accept", "owner-1",
		`{"payment_method_ref":"pm_ok","signature_token":"`+token+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.Contract](t, rec); got.State != domain.StateActive || !got.Ledger.AmountPaid.IsZero() {
		t.Errorf("signed acceptance activates without charge, got %s paid %s", got.State, got.Ledger.AmountPaid)
	}
}

func TestContracts_CancelTwiceConflicts(t *testing.T) {
	api := newTestAPI(t)
	c := api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":3}`)

	rec := api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/cancel", "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.Contract](t, rec); got.State != domain.StateCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}

	api.clock.Advance(time.Minute)
	rec = api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/cancel", "owner-1", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestContracts_DisputeFlow(t *testing.T) {
	api := newTestAPI(t)
	c := api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":3}`)
	api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/accept", "owner-1", `{"payment_method_ref":"pm_ok"}`)

	rec := api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/dispute", "owner-1", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("dispute without reason: expected 400, got %d", rec.Code)
	}

	rec = api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/dispute", "owner-1", `{"reason":"not delivered"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispute: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/dispute/resolve", "", `{"in_favor_of_user":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.Contract](t, rec); got.State != domain.StateActive {
		t.Errorf("resolution in favor of the user resumes the contract, got %s", got.State)
	}
}

func TestCustomers_ListAndExposure(t *testing.T) {
	api := newTestAPI(t)
	api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":3}`)
	api.propose(t, "owner-1", `{"periodic_amount":"10","period_count":0}`)

	rec := api.do(http.MethodGet, "/v1/customers/owner-1/contracts", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if list := decode[domain.ListResponse[domain.Contract]](t, rec); list.Total != 2 {
		t.Errorf("expected 2 contracts, got %d", list.Total)
	}

	rec = api.do(http.MethodGet, "/v1/customers/owner-1/exposure", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("exposure: expected 200, got %d", rec.Code)
	}
	exp := decode[domain.Exposure](t, rec)
	if !exp.Unbounded || exp.BoundedTotal.String() != "150" {
		t.Errorf("expected unbounded with bounded total 150, got %+v", exp)
	}
}

func TestSessions_Estimate(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/v1/sessions/estimate?base_cost=5&escalation_rate=0.5&cap=20&elapsed_seconds=600", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if est := decode[domain.SessionEstimate](t, rec); est.Amount.String() != "10" || est.Capped {
		t.Errorf("expected 10 uncapped, got %s capped=%v", est.Amount, est.Capped)
	}

	rec = api.do(http.MethodGet, "/v1/sessions/estimate?base_cost=5&cap=20&elapsed_seconds=600", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing escalation_rate: expected 400, got %d", rec.Code)
	}
}

func TestSessions_CompleteIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	body := `{"params":{"base_cost":"5","escalation_rate":"0.5","cap":"20"},"started_at":"2026-03-01T11:50:00Z"}`

	first := api.do(http.MethodPost, "/v1/sessions/sess-1/complete", "owner-1", body)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	a := decode[domain.SessionCharge](t, first)

	api.clock.Advance(time.Hour)
	second := api.do(http.MethodPost, "/v1/sessions/sess-1/complete", "owner-1", body)
	b := decode[domain.SessionCharge](t, second)

	if a.ID != b.ID || !a.Amount.Equal(b.Amount) || a.Amount.String() != "10" {
		t.Errorf("expected one stored charge of 10, got %s/%s and %s/%s", a.ID, a.Amount, b.ID, b.Amount)
	}

	other := api.do(http.MethodPost, "/v1/sessions/sess-1/complete", "owner-2", body)
	if other.Code != http.StatusNotFound {
		t.Errorf("other owner: expected 404, got %d", other.Code)
	}
}

func TestBillingRun(t *testing.T) {
	api := newTestAPI(t)
	c := api.propose(t, "owner-1", `{"periodic_amount":"50","period_count":3}`)
	api.do(http.MethodPost, "/v1/contracts/"+c.ID+"/accept", "owner-1", `{"payment_method_ref":"pm_ok"}`)

	api.clock.Advance(32 * 24 * time.Hour)
	rec := api.do(http.MethodPost, "/v1/billing/run", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	sum := decode[domain.BillingRunSummary](t, rec)
	if sum.Due != 1 || sum.Succeeded != 1 {
		t.Errorf("expected one due contract renewed, got %+v", sum)
	}
}
