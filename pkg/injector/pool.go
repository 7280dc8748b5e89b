package injector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/types"
)

// PoolFetcher acquires proxies from an external pool.
type PoolFetcher interface {
	FetchProxy(ctx context.Context, market types.Market, quality types.ProxyQuality) (*types.ProxyResource, error)
}

// PoolClient talks to the proxy pool service over HTTP. Calls run through
// a circuit breaker: when the pool is down the breaker opens and fetches
// fail fast, leaving dispatch to proceed proxy-less.
type PoolClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewPoolClient creates a pool client from injector settings.
func NewPoolClient(cfg config.InjectorConfig) *PoolClient {
	logger := log.WithComponent("proxy-pool")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "proxy-pool",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("proxy pool breaker state changed")
		},
	})
	return &PoolClient{
		baseURL: cfg.ProxyPoolURL,
		client: &http.Client{
			Timeout: time.Duration(cfg.PoolRequestTimeoutSecs) * time.Second,
		},
		breaker: breaker,
		logger:  logger,
	}
}

// FetchProxy acquires one proxy for the given market and quality tier.
func (c *PoolClient) FetchProxy(ctx context.Context, market types.Market, quality types.ProxyQuality) (*types.ProxyResource, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, market, quality)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.ProxyResource), nil
}

func (c *PoolClient) fetch(ctx context.Context, market types.Market, quality types.ProxyQuality) (*types.ProxyResource, error) {
	endpoint := fmt.Sprintf("%s/acquire?market=%s&quality=%s",
		c.baseURL, url.QueryEscape(string(market)), url.QueryEscape(string(quality)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pool request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach proxy pool: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy pool returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read pool response: %w", err)
	}

	var proxy types.ProxyResource
	if err := json.Unmarshal(body, &proxy); err != nil {
		return nil, fmt.Errorf("failed to decode pool response: %w", err)
	}
	if proxy.ProxyURL == "" {
		return nil, fmt.Errorf("proxy pool returned an empty proxy")
	}
	if proxy.Market == "" {
		proxy.Market = market
	}
	return &proxy, nil
}
