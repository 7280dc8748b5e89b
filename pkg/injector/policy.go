package injector

import (
	"sort"
	"strings"
	"time"

	"github.com/mousehunter/crawler/pkg/types"
)

// referers maps markets to the portal a request should claim as origin.
var referers = map[types.Market]string{
	types.MarketCN: "https://quote.eastmoney.com/",
	types.MarketUS: "https://finance.yahoo.com/",
	types.MarketHK: "https://www.hkex.com.hk/",
	types.MarketJP: "https://www.jpx.co.jp/",
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (Version/17.4 Safari/605.1.15)",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

// qualityForTaskType maps a task type to the proxy quality tier it should
// run on. High-frequency realtime work gets the best proxies; long
// backfills can live with the cheap tier.
func qualityForTaskType(taskType string) types.ProxyQuality {
	switch taskType {
	case types.TaskType1mRealtime, types.TaskType5mRealtime:
		return types.ProxyQualityHigh
	case types.TaskType15mRealtime, types.TaskType15mBackfill:
		return types.ProxyQualityMedium
	case types.TaskType1dBackfill:
		return types.ProxyQualityLow
	}
	return types.ProxyQualityMedium
}

// requiresFreshCredential reports whether a task type insists on a
// credential validated within the freshness window. Backfills tolerate
// stale sessions; realtime scraping does not.
func requiresFreshCredential(taskType string) bool {
	return strings.HasSuffix(taskType, "_realtime")
}

// timeoutForTaskType returns the request timeout for a task type.
func timeoutForTaskType(taskType string) time.Duration {
	switch taskType {
	case types.TaskType1mRealtime:
		return 5 * time.Second
	case types.TaskType5mRealtime:
		return 10 * time.Second
	case types.TaskType15mRealtime:
		return 15 * time.Second
	case types.TaskType15mBackfill:
		return 30 * time.Second
	case types.TaskType1dBackfill:
		return 60 * time.Second
	}
	return 30 * time.Second
}

// proxyScore orders proxies within a bucket. Monotone in both quality
// signals: a faster or more reliable proxy always scores higher.
func proxyScore(p *types.ProxyResource) float64 {
	return p.SuccessRate - p.AvgResponseTime/1000
}

// mergeCookies folds credential key/value pairs into an existing cookie
// header without overwriting entries already present.
func mergeCookies(existing string, values map[string]string) string {
	present := make(map[string]bool)
	parts := make([]string, 0, len(values)+4)
	for _, pair := range strings.Split(existing, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, _, _ := strings.Cut(pair, "=")
		present[name] = true
		parts = append(parts, pair)
	}

	added := make([]string, 0, len(values))
	for k, v := range values {
		if present[k] {
			continue
		}
		added = append(added, k+"="+v)
	}
	sort.Strings(added)

	return strings.Join(append(parts, added...), "; ")
}
