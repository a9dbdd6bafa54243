package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// WebhookNotifier posts notifications to the notification/toast channel.
type WebhookNotifier struct {
	httpClient *http.Client
	url        string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(httpClient *http.Client, url string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *WebhookNotifier {
	return &WebhookNotifier{httpClient: httpClient, url: url, cb: cb, cfg: cfg}
}

// Notify delivers n, retrying transient failures. Notification ids let the
// receiver drop duplicates.
func (w *WebhookNotifier) Notify(ctx context.Context, n *domain.Notification) error {
	ctx, span := tracer.Start(ctx, "WebhookNotifier.Notify")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.kind", string(n.Kind)),
		attribute.String("contract.id", n.ContractID),
	)

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = w.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, w.cfg, func(int) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", n.ID)

			resp, err := w.httpClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()

			if resp.StatusCode >= 500 {
				return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return resilience.Permanent(fmt.Errorf("notification webhook rejected with %d", resp.StatusCode))
			}
			return nil
		})
	})
	if err != nil {
		return &domain.ErrExternalService{Service: "notifier", Err: err}
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs n.
func (l *LogNotifier) Notify(_ context.Context, n *domain.Notification) error {
	l.logger.Info("notification",
		zap.String("notification_id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("owner_id", n.OwnerID),
		zap.String("contract_id", n.ContractID),
		zap.String("amount", n.Amount.StringFixed(2)),
		zap.String("message", n.Message),
	)
	return nil
}
