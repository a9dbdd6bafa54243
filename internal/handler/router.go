package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups what the router exposes. Nil services leave their
// routes unmounted.
type Services struct {
	Contracts *service.ContractService
	Sessions  *service.SessionService
	Scheduler *service.BillingScheduler
	Store     Pinger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Store))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if c := svc.Contracts; c != nil {
			// Contract API. Owner-scoped routes need X-Owner-ID.
			r.Group(func(r chi.Router) {
				r.Use(OwnerMiddleware(logger))
				r.Post("/contracts", proposeHandler(c, logger))
				r.Get("/contracts/{contractId}", getContractHandler(c, logger))
				r.Post("/contracts/{contractId}/signature-token", signatureTokenHandler(c, logger))
				r.Post("/contracts/{contractId}/accept", acceptHandler(c, logger))
				r.Post("/contracts/{contractId}/cancel", cancelHandler(c, logger))
				r.Post("/contracts/{contractId}/dispute", disputeHandler(c, logger))
				r.Get("/contracts/{contractId}/statement", statementHandler(c, logger))
			})

			// Back-office
			r.Post("/contracts/{contractId}/dispute/resolve", resolveDisputeHandler(c, logger))
			r.Get("/customers/{ownerId}/contracts", listContractsHandler(c, logger))
			r.Get("/customers/{ownerId}/exposure", exposureHandler(c, logger))
		}

		if s := svc.Sessions; s != nil {
			r.Get("/sessions/estimate", estimateSessionHandler(s, logger))
			r.Post("/sessions/{sessionId}/complete", completeSessionHandler(s, logger))
		}

		if s := svc.Scheduler; s != nil {
			r.Post("/billing/run", billingRunHandler(s, logger))
		}
	})

	return r
}

func healthzHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "contracts-api", Status: "healthy", LastChecked: now},
		}

		if store != nil {
			start := time.Now()
			err := store.Ping(ctx)
			status := "healthy"
			if err != nil {
				status = "unhealthy"
			}
			services = append(services, domain.ServiceHealth{
				Name: "store", Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overallStatus := "healthy"
		code := http.StatusOK
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				code = http.StatusServiceUnavailable
				break
			}
		}

		writeJSON(w, code, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// ============================================================
// Billing
// ============================================================

func billingRunHandler(scheduler *service.BillingScheduler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/billing/run")
		defer span.End()

		summary, err := scheduler.RunOnce(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
