package injector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mousehunter/crawler/pkg/broker"
	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/types"
)

// credentialCacheKeyPrefix is the broker cache key holding pooled
// credentials for a market, maintained by the credential refresher fleet.
const credentialCacheKeyPrefix = "crawler_credentials:"

// preloadTimeout bounds the startup cache warm.
const preloadTimeout = 10 * time.Second

// Context is the per-task resource binding handed to a handler. It is
// created by Prepare, passed to exactly one handler invocation and not
// retained after the handler returns.
type Context struct {
	Task       *types.Task
	Proxy      *types.ProxyResource
	Credential *types.Credential
	Headers    map[string]string
	Timeout    time.Duration
}

// Service selects, caches and score-tracks proxies and credentials.
// Proxy buckets are keyed market:quality; credentials are keyed by
// market. All cache mutation happens under one mutex; the caches are
// single-writer per worker by design of the dispatch path.
type Service struct {
	cfg    config.InjectorConfig
	gw     *broker.Gateway
	pool   PoolFetcher
	logger zerolog.Logger

	mu          sync.Mutex
	proxies     map[string][]*types.ProxyResource
	credentials map[types.Market][]*types.Credential

	uaCounter atomic.Uint64
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewService creates a resource injector. gw may be nil when no broker
// credential fallback is wanted; pool may be nil to disable proxy
// fetching entirely.
func NewService(cfg config.InjectorConfig, gw *broker.Gateway, pool PoolFetcher) *Service {
	return &Service{
		cfg:         cfg,
		gw:          gw,
		pool:        pool,
		logger:      log.WithComponent("injector"),
		proxies:     make(map[string][]*types.ProxyResource),
		credentials: make(map[types.Market][]*types.Credential),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start warms the resource caches and launches the periodic
// expired-resource sweep.
func (s *Service) Start() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), preloadTimeout)
		defer cancel()
		s.preload(ctx)
	}()

	interval := time.Duration(s.cfg.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.CleanupExpired()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the cleanup loop and drops all cached resources.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies = make(map[string][]*types.ProxyResource)
	s.credentials = make(map[types.Market][]*types.Credential)
}

// preload warms the caches from the broker-side credential pool and the
// proxy pool. Best effort: a cold cache fills lazily on the first
// Prepare either way, this just spares the first tasks the round trips.
func (s *Service) preload(ctx context.Context) {
	proxies, credentials := 0, 0
	for _, market := range types.DefaultMarkets {
		if s.cfg.EnableCredentialInject && s.gw != nil {
			var pooled []types.Credential
			found, err := s.gw.CacheGet(ctx, credentialCacheKeyPrefix+string(market), &pooled)
			if err != nil {
				s.logger.Warn().Err(err).Str("market", string(market)).Msg("credential preload failed")
			} else if found {
				s.mu.Lock()
				for i := range pooled {
					s.credentials[market] = append(s.credentials[market], &pooled[i])
				}
				s.mu.Unlock()
				credentials += len(pooled)
			}
		}

		if s.cfg.EnableProxyInjection && s.pool != nil {
			proxy, err := s.pool.FetchProxy(ctx, market, types.ProxyQualityHigh)
			if err != nil {
				s.logger.Warn().Err(err).Str("market", string(market)).Msg("proxy preload failed")
				continue
			}
			s.AddProxy(proxy, types.ProxyQualityHigh)
			proxies++
		}
	}
	s.logger.Info().Int("proxies", proxies).Int("credentials", credentials).Msg("resource caches preloaded")
}

// Prepare binds a task to a proxy, a credential, request headers and a
// timeout. It never fails: a missing resource leaves the corresponding
// field nil and the handler decides whether that is acceptable.
func (s *Service) Prepare(ctx context.Context, task *types.Task) *Context {
	ictx := &Context{
		Task:    task,
		Timeout: timeoutForTaskType(task.TaskType),
	}

	if s.cfg.EnableProxyInjection {
		ictx.Proxy = s.acquireProxy(ctx, task.Market, qualityForTaskType(task.TaskType))
	}
	if s.cfg.EnableCredentialInject {
		ictx.Credential = s.acquireCredential(ctx, task.Market, requiresFreshCredential(task.TaskType))
	}

	ictx.Headers = s.buildHeaders(task, ictx.Credential)
	return ictx
}

// ReportOutcome feeds an observed handler outcome back into the quality
// scores of the resources the context carried.
//
// The success rate decays on every outcome and only successes add the
// positive term, so failures strictly reduce the score. Response time is
// averaged on success only; failed calls say nothing useful about speed.
func (s *Service) ReportOutcome(ictx *Context, success bool, responseTime time.Duration) {
	if ictx == nil {
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if p := ictx.Proxy; p != nil {
		p.SuccessRate *= 0.9
		if success {
			p.SuccessRate += 0.1
			p.AvgResponseTime = 0.8*p.AvgResponseTime + 0.2*responseTime.Seconds()
		}
		p.LastUsed = now
	}
	if c := ictx.Credential; c != nil {
		c.SuccessRate *= 0.9
		if success {
			c.SuccessRate += 0.1
			c.LastValidated = now
		}
	}
}

// CleanupExpired drops credentials past their hard expiry and proxies
// idle beyond the configured window. Returns how many resources were
// removed.
func (s *Service) CleanupExpired() int {
	now := s.now()
	idleExpiry := s.cfg.ProxyIdleExpiry()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for bucket, list := range s.proxies {
		kept := list[:0]
		for _, p := range list {
			if !p.LastUsed.IsZero() && now.Sub(p.LastUsed) > idleExpiry {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(s.proxies, bucket)
			continue
		}
		s.proxies[bucket] = kept
	}

	for market, list := range s.credentials {
		kept := list[:0]
		for _, c := range list {
			if c.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(s.credentials, market)
			continue
		}
		s.credentials[market] = kept
	}

	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("dropped expired resources")
	}
	return removed
}

// AddProxy seeds a proxy into its (market, quality) bucket.
func (s *Service) AddProxy(p *types.ProxyResource, quality types.ProxyQuality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := bucketKey(p.Market, quality)
	s.proxies[bucket] = append(s.proxies[bucket], p)
}

// AddCredential seeds a credential into its market cache.
func (s *Service) AddCredential(c *types.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.Market] = append(s.credentials[c.Market], c)
}

// CacheSizes reports the number of cached proxies and credentials.
func (s *Service) CacheSizes() (proxies, credentials int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.proxies {
		proxies += len(list)
	}
	for _, list := range s.credentials {
		credentials += len(list)
	}
	return proxies, credentials
}

// acquireProxy returns the best cached proxy for the bucket, fetching
// from the external pool when the bucket is empty. Returns nil when no
// proxy can be had.
func (s *Service) acquireProxy(ctx context.Context, market types.Market, quality types.ProxyQuality) *types.ProxyResource {
	now := s.now()
	bucket := bucketKey(market, quality)

	s.mu.Lock()
	if best := bestProxy(s.proxies[bucket]); best != nil {
		best.LastUsed = now
		s.mu.Unlock()
		return best
	}
	s.mu.Unlock()

	if s.pool == nil {
		return nil
	}
	proxy, err := s.pool.FetchProxy(ctx, market, quality)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("market", string(market)).
			Str("quality", string(quality)).
			Msg("proxy fetch failed, continuing without proxy")
		return nil
	}
	proxy.LastUsed = now

	s.mu.Lock()
	s.proxies[bucket] = append(s.proxies[bucket], proxy)
	s.mu.Unlock()
	return proxy
}

// bestProxy picks the proxy maximizing success_rate - avg_response_time/1000,
// breaking ties by most recent use.
func bestProxy(list []*types.ProxyResource) *types.ProxyResource {
	var best *types.ProxyResource
	for _, p := range list {
		if best == nil {
			best = p
			continue
		}
		ps, bs := proxyScore(p), proxyScore(best)
		if ps > bs || (ps == bs && p.LastUsed.After(best.LastUsed)) {
			best = p
		}
	}
	return best
}

// acquireCredential scans the market cache for a viable credential,
// falling back to the broker-side credential cache when the local cache
// has none. Returns nil when no viable credential exists anywhere.
func (s *Service) acquireCredential(ctx context.Context, market types.Market, requireFresh bool) *types.Credential {
	if c := s.pickCredential(market, requireFresh); c != nil {
		return c
	}

	if s.gw == nil {
		return nil
	}
	var pooled []types.Credential
	found, err := s.gw.CacheGet(ctx, credentialCacheKeyPrefix+string(market), &pooled)
	if err != nil {
		s.logger.Warn().Err(err).Str("market", string(market)).Msg("credential pool read failed")
		return nil
	}
	if !found || len(pooled) == 0 {
		return nil
	}

	s.mu.Lock()
	for i := range pooled {
		s.credentials[market] = append(s.credentials[market], &pooled[i])
	}
	s.mu.Unlock()

	return s.pickCredential(market, requireFresh)
}

// pickCredential returns the viable credential with the highest success
// rate, or nil.
func (s *Service) pickCredential(market types.Market, requireFresh bool) *types.Credential {
	now := s.now()
	window := s.cfg.FreshnessWindow()

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *types.Credential
	for _, c := range s.credentials[market] {
		if c.Expired(now) {
			continue
		}
		if requireFresh && !c.Fresh(now, window) {
			continue
		}
		if best == nil || c.SuccessRate > best.SuccessRate {
			best = c
		}
	}
	return best
}

// buildHeaders composes the outgoing request headers for a task: a
// market Referer, a rotating user agent, identifying headers, and the
// credential values merged into the cookie header.
func (s *Service) buildHeaders(task *types.Task, cred *types.Credential) map[string]string {
	headers := map[string]string{
		"User-Agent":  s.nextUserAgent(),
		"Accept":      "application/json, text/plain, */*",
		"X-Task-Id":   task.TaskID,
		"X-Task-Type": task.TaskType,
		"X-Market":    string(task.Market),
	}
	if referer, ok := referers[task.Market]; ok {
		headers["Referer"] = referer
	}
	if cred != nil && len(cred.Values) > 0 {
		headers["Cookie"] = mergeCookies(headers["Cookie"], cred.Values)
	}
	return headers
}

func (s *Service) nextUserAgent() string {
	n := s.uaCounter.Add(1)
	return userAgents[(n-1)%uint64(len(userAgents))]
}

func bucketKey(market types.Market, quality types.ProxyQuality) string {
	return fmt.Sprintf("%s:%s", market, quality)
}
