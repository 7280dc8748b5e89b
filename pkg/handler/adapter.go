package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mousehunter/crawler/pkg/injector"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/types"
)

const (
	// request timeout bounds applied on the default adapter path
	minRequestTimeout = 5 * time.Second
	maxRequestTimeout = 45 * time.Second

	// concurrent request caps, shared across all markets
	directRequestCap  = 5
	proxiedRequestCap = 20
)

// defaultEndpoints are the venue quote APIs the adapter queries per
// market.
var defaultEndpoints = map[types.Market]string{
	types.MarketCN: "https://stock.xueqiu.com/v5/stock/chart/kline.json",
	types.MarketUS: "https://query1.finance.yahoo.com/v8/finance/chart",
	types.MarketHK: "https://quote.hkex.com.hk/api/kline",
	types.MarketJP: "https://quote.jpx.co.jp/api/kline",
}

// DataSink receives the payload of a successful fetch. Implementations
// must be safe for concurrent use.
type DataSink func(ctx context.Context, task *types.Task, data json.RawMessage) error

// Adapter is the default handler: an authenticated HTTP fetch against
// the venue quote API for the task's market.
//
// A credential is mandatory; a proxy is optional but changes the
// concurrency cap. Proxy-less requests all leave from the worker's own
// address, so they share a much tighter cap than proxied ones. Both caps
// are global across markets and independent of the consumer's task slot
// limit.
type Adapter struct {
	endpoints map[types.Market]string
	sink      DataSink
	logger    zerolog.Logger

	directSem *semaphore.Weighted
	proxySem  *semaphore.Weighted

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewAdapter creates the market adapter. endpoints may be nil to use the
// built-in venue endpoints; sink may be nil to discard fetched payloads.
func NewAdapter(endpoints map[types.Market]string, sink DataSink) *Adapter {
	if endpoints == nil {
		endpoints = defaultEndpoints
	}
	return &Adapter{
		endpoints: endpoints,
		sink:      sink,
		logger:    log.WithComponent("adapter"),
		directSem: semaphore.NewWeighted(directRequestCap),
		proxySem:  semaphore.NewWeighted(proxiedRequestCap),
		clients:   make(map[string]*http.Client),
	}
}

// Handle executes one fetch. Registered as the registry default.
func (a *Adapter) Handle(ctx context.Context, task *types.Task, ictx *injector.Context) error {
	if ictx == nil || ictx.Credential == nil {
		return ErrMissingCredential
	}
	endpoint, ok := a.endpoints[task.Market]
	if !ok {
		return fmt.Errorf("no endpoint for market %s", task.Market)
	}

	sem := a.directSem
	if ictx.Proxy != nil {
		sem = a.proxySem
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire request slot: %w", err)
	}
	defer sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, clampTimeout(ictx.Timeout))
	defer cancel()

	data, err := a.fetch(reqCtx, endpoint, task, ictx)
	if err != nil {
		return err
	}

	if a.sink != nil {
		if err := a.sink(ctx, task, data); err != nil {
			return fmt.Errorf("failed to store fetched data: %w", err)
		}
	}
	return nil
}

func (a *Adapter) fetch(ctx context.Context, endpoint string, task *types.Task, ictx *injector.Context) (json.RawMessage, error) {
	reqURL, err := buildRequestURL(endpoint, task)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range ictx.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.clientFor(ictx.Proxy).Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, task.Market)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		ErrorCode        int             `json:"error_code"`
		ErrorDescription string          `json:"error_description"`
		Data             json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.ErrorCode != 0 {
		return nil, &APIError{Code: envelope.ErrorCode, Description: envelope.ErrorDescription}
	}

	a.logger.Debug().
		Str("task_id", task.TaskID).
		Str("market", string(task.Market)).
		Int("bytes", len(envelope.Data)).
		Msg("fetch completed")
	return envelope.Data, nil
}

// clientFor returns an HTTP client routed through the given proxy, or
// the direct client when proxy is nil. Clients are cached per proxy URL.
func (a *Adapter) clientFor(proxy *types.ProxyResource) *http.Client {
	key := ""
	if proxy != nil {
		key = proxy.ProxyURL
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[key]; ok {
		return c
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != nil {
		if proxyURL, err := url.Parse(proxy.ProxyURL); err == nil {
			if proxy.Username != "" {
				proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	c := &http.Client{Transport: transport}
	a.clients[key] = c
	return c
}

func buildRequestURL(endpoint string, task *types.Task) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("symbol", task.Symbol)
	if task.Timeframe != "" {
		q.Set("period", task.Timeframe)
	}
	for k, v := range task.Payload {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func clampTimeout(d time.Duration) time.Duration {
	if d < minRequestTimeout {
		return minRequestTimeout
	}
	if d > maxRequestTimeout {
		return maxRequestTimeout
	}
	return d
}
