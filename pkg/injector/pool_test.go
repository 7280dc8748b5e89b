package injector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/types"
)

func poolConfig(url string) config.InjectorConfig {
	cfg := config.Default().Injector
	cfg.ProxyPoolURL = url
	return cfg
}

func TestPoolClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/acquire", r.URL.Path)
		assert.Equal(t, "CN", r.URL.Query().Get("market"))
		assert.Equal(t, "HIGH", r.URL.Query().Get("quality"))
		_ = json.NewEncoder(w).Encode(types.ProxyResource{
			ProxyID:     "p-1",
			ProxyURL:    "http://10.0.0.1:8080",
			SuccessRate: 0.95,
		})
	}))
	defer srv.Close()

	c := NewPoolClient(poolConfig(srv.URL))
	proxy, err := c.FetchProxy(context.Background(), types.MarketCN, types.ProxyQualityHigh)
	require.NoError(t, err)
	assert.Equal(t, "p-1", proxy.ProxyID)
	assert.Equal(t, types.MarketCN, proxy.Market, "market is filled in when the pool omits it")
}

func TestPoolClientRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"empty proxy", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(types.ProxyResource{})
		}},
		{"garbage body", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewPoolClient(poolConfig(srv.URL))
			proxy, err := c.FetchProxy(context.Background(), types.MarketCN, types.ProxyQualityHigh)
			require.Error(t, err)
			assert.Nil(t, proxy)
		})
	}
}

func TestPoolClientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewPoolClient(poolConfig(srv.URL))
	for i := 0; i < 5; i++ {
		_, err := c.FetchProxy(context.Background(), types.MarketCN, types.ProxyQualityHigh)
		require.Error(t, err)
	}

	_, err := c.FetchProxy(context.Background(), types.MarketCN, types.ProxyQualityHigh)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
