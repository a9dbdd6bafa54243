package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/infra/resilience"
	"github.com/boddenberg/pj-contracts-go/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

// ProfileClient fetches owner profile data from the user-profile store.
type ProfileClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewProfileClient creates a new ProfileClient.
func NewProfileClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *ProfileClient {
	return &ProfileClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
}

// GetProfile fetches an owner profile with retry, circuit breaker, and tracing.
func (c *ProfileClient) GetProfile(ctx context.Context, ownerID string) (*domain.OwnerProfile, error) {
	ctx, span := tracer.Start(ctx, "ProfileClient.GetProfile")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID))

	result, err := c.cb.Execute(func() (any, error) {
		var profile domain.OwnerProfile
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func(int) error {
			u := fmt.Sprintf("%s/v1/owners/%s/profile", c.baseURL, url.PathEscape(ownerID))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return resilience.Permanent(err)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				return resilience.Permanent(&domain.ErrNotFound{Resource: "profile", ID: ownerID})
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("profile API returned status %d", resp.StatusCode)
			}

			return json.NewDecoder(resp.Body).Decode(&profile)
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return &profile, nil
	})

	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return nil, nf
		}
		return nil, &domain.ErrExternalService{Service: "profile", Err: err}
	}

	return result.(*domain.OwnerProfile), nil
}

// CachedProfileFetcher serves profiles from a TTL cache before calling next.
type CachedProfileFetcher struct {
	next    port.ProfileFetcher
	cache   port.Cache[*domain.OwnerProfile]
	metrics *observability.Metrics
}

// NewCachedProfileFetcher wraps next with cache.
func NewCachedProfileFetcher(next port.ProfileFetcher, cache port.Cache[*domain.OwnerProfile], metrics *observability.Metrics) *CachedProfileFetcher {
	return &CachedProfileFetcher{next: next, cache: cache, metrics: metrics}
}

// GetProfile returns the cached profile or fetches and caches it.
func (f *CachedProfileFetcher) GetProfile(ctx context.Context, ownerID string) (*domain.OwnerProfile, error) {
	if p, ok := f.cache.Get(ownerID); ok {
		f.metrics.IncrCacheHit("profile")
		return p, nil
	}
	f.metrics.IncrCacheMiss("profile")

	p, err := f.next.GetProfile(ctx, ownerID)
	if err != nil {
		var ext *domain.ErrExternalService
		if errors.As(err, &ext) {
			f.metrics.IncrExternalError("profile")
		}
		return nil, err
	}
	f.cache.Set(ownerID, p)
	return p, nil
}
