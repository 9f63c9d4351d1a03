package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"stockrelay/pkg/cache"
	"stockrelay/pkg/config"
	"stockrelay/pkg/gateway"
	"stockrelay/pkg/provider"
	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/selector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Server.Mode = "test"
	cfg.Providers = []config.ProviderSpec{
		{Name: "static", Type: provider.TypeStatic, Priority: 90, Enabled: true},
		{Name: "gemini", Type: provider.TypeGemini, Priority: 50, Enabled: false},
	}
	cfg.Cache.Backend = cache.BackendMemory
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, WithLogOutput(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_WiresGatewayAndCache(t *testing.T) {
	a := newTestApp(t, testConfig())
	require.NotNil(t, a.Cache)

	ctx := context.Background()
	first, err := a.Gateway.GetStockInfo(ctx, "600519")
	require.NoError(t, err)
	assert.Equal(t, "static", first.Provider)
	assert.False(t, first.Cached)

	second, err := a.Gateway.GetStockInfo(ctx, "600519")
	require.NoError(t, err)
	assert.True(t, second.Cached, "第二次命中缓存")

	events := a.Events.Events()
	require.Len(t, events, 1, "命中缓存时不再调用提供商")
	assert.Equal(t, "static", events[0].Provider)

	_, err = a.Gateway.GetAIResponse(ctx, gateway.AIRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, selector.ErrNoProviderSelected, "AI服务均未启用")
}

func TestNewServer_ExposesMetrics(t *testing.T) {
	a := newTestApp(t, testConfig())
	srv, err := a.NewServer()
	require.NoError(t, err)
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stock/600519", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stockrelay_provider_attempts_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"backend":"memory"`)
}

func TestNew_PrometheusDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Prometheus = false
	a := newTestApp(t, cfg)

	_, err := a.Gateway.GetStockInfo(context.Background(), "600519")
	require.NoError(t, err)

	families, err := a.Metrics.Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.NotEqual(t, "stockrelay_provider_attempts_total", f.GetName())
	}
}

func TestNew_CacheUnavailableDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Backend = cache.BackendRedis
	cfg.Cache.Redis.Addr = "127.0.0.1:1"
	cfg.Log.Level = "warn"

	var logs bytes.Buffer
	a, err := New(context.Background(), cfg, WithLogOutput(&logs))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Cache)
	assert.Contains(t, logs.String(), "缓存不可用")

	res, err := a.Gateway.GetStockInfo(context.Background(), "000001")
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestNew_InvalidProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = append(cfg.Providers, config.ProviderSpec{Name: "yf", Type: "yfinance", Enabled: true})

	_, err := New(context.Background(), cfg, WithLogOutput(io.Discard))
	assert.Error(t, err)

	_, err = New(context.Background(), nil)
	assert.Error(t, err)
}

func TestReload(t *testing.T) {
	a := newTestApp(t, testConfig())

	a.Selector.Health().RecordFailure("static", core.ErrorAuth)
	assert.False(t, a.Selector.Health().IsAvailable("static"))

	err := a.Reload([]config.ProviderSpec{
		{Name: "static", Type: provider.TypeStatic, Priority: 90, Enabled: true},
		{Name: "static-backup", Type: provider.TypeStatic, Priority: 95, Enabled: true},
	})
	require.NoError(t, err)

	assert.True(t, a.Selector.Health().IsAvailable("static"), "重载解除凭证停用")
	assert.Len(t, a.Selector.Registered(core.KindDataSource), 2)
	assert.Empty(t, a.Selector.Registered(core.KindAIService))

	assert.Error(t, a.Reload([]config.ProviderSpec{{Name: "x", Type: "unknown", Enabled: true}}))
	assert.Len(t, a.Selector.Registered(core.KindDataSource), 2, "失败的重载不改变当前列表")
}
