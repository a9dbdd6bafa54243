package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// errAmbiguous marks a charge whose outcome the gateway did not report.
var errAmbiguous = errors.New("charge outcome unknown")

// GatewayClient talks to the external payment gateway over HTTP.
// It never retries a charge itself; retry policy belongs to the reconciler.
type GatewayClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
}

// NewGatewayClient creates a GatewayClient. timeout bounds every call.
func NewGatewayClient(httpClient *http.Client, baseURL, apiKey string, timeout time.Duration, cb *gobreaker.CircuitBreaker, bulkhead *resilience.Bulkhead) *GatewayClient {
	return &GatewayClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		timeout:    timeout,
		cb:         cb,
		bulkhead:   bulkhead,
	}
}

type gatewayResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Charge submits a charge. Transport errors, deadlines and 5xx answers are
// reported as ChargeTimeout because the money may have moved.
func (c *GatewayClient) Charge(ctx context.Context, req *domain.ChargeRequest) (*domain.ChargeResult, error) {
	ctx, span := tracer.Start(ctx, "GatewayClient.Charge")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.idempotency_key", req.IdempotencyKey),
		attribute.String("payment.amount", req.Amount.StringFixed(2)),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal charge: %w", err)
	}

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, &domain.ErrExternalService{Service: "gateway", Err: err}
	}
	defer c.bulkhead.Release()

	result, err := c.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/charges", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
		c.authorize(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errAmbiguous, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusConflict:
			return nil, fmt.Errorf("%w: status %d", errAmbiguous, resp.StatusCode)
		case resp.StatusCode == http.StatusPaymentRequired:
			var gr gatewayResponse
			_ = json.NewDecoder(resp.Body).Decode(&gr)
			if gr.Reason == "" {
				gr.Reason = "declined"
			}
			return &domain.ChargeResult{Status: domain.ChargeFailed, Reason: gr.Reason}, nil
		case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &domain.ChargeResult{Status: domain.ChargeFailed, Reason: fmt.Sprintf("rejected (%d): %s", resp.StatusCode, msg)}, nil
		}

		var gr gatewayResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return nil, fmt.Errorf("%w: undecodable body: %v", errAmbiguous, err)
		}
		res := toChargeResult(gr)
		if res.Status != domain.ChargeSucceeded && res.Status != domain.ChargeFailed {
			res.Status = domain.ChargeTimeout
		}
		return res, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetStatus(codes.Error, "circuit open")
			return nil, &domain.ErrCircuitOpen{Service: "gateway"}
		}
		if errors.Is(err, errAmbiguous) {
			span.SetStatus(codes.Error, "timeout")
			return &domain.ChargeResult{Status: domain.ChargeTimeout, Reason: err.Error()}, nil
		}
		return nil, &domain.ErrExternalService{Service: "gateway", Err: err}
	}

	res := result.(*domain.ChargeResult)
	span.SetAttributes(attribute.String("payment.status", string(res.Status)))
	return res, nil
}

// QueryStatus asks the gateway what happened to a charge.
// A key the gateway never saw is reported as ChargeUnknown.
func (c *GatewayClient) QueryStatus(ctx context.Context, idempotencyKey string) (*domain.ChargeResult, error) {
	ctx, span := tracer.Start(ctx, "GatewayClient.QueryStatus")
	defer span.End()
	span.SetAttributes(attribute.String("payment.idempotency_key", idempotencyKey))

	result, err := c.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		u := fmt.Sprintf("%s/v1/charges/%s", c.baseURL, url.PathEscape(idempotencyKey))
		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return &domain.ChargeResult{Status: domain.ChargeUnknown}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gateway status query returned %d", resp.StatusCode)
		}

		var gr gatewayResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		return toChargeResult(gr), nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.ErrCircuitOpen{Service: "gateway"}
		}
		return nil, &domain.ErrExternalService{Service: "gateway", Err: err}
	}
	return result.(*domain.ChargeResult), nil
}

func (c *GatewayClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func toChargeResult(gr gatewayResponse) *domain.ChargeResult {
	status := domain.ChargeStatus(gr.Status)
	switch status {
	case domain.ChargeSucceeded, domain.ChargeFailed, domain.ChargePending, domain.ChargeUnknown, domain.ChargeTimeout:
	default:
		status = domain.ChargeUnknown
	}
	return &domain.ChargeResult{Status: status, Reference: gr.Reference, Reason: gr.Reason}
}
