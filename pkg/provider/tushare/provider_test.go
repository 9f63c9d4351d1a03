package tushare

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stockrelay/pkg/provider/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTushareServer(t *testing.T, handler func(req apiRequest) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, _ = w.Write([]byte(handler(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_Fetch(t *testing.T) {
	var apis []string
	srv := newTushareServer(t, func(req apiRequest) string {
		apis = append(apis, req.APIName)
		assert.Equal(t, "test-token", req.Token)
		assert.Equal(t, "600519.SH", req.Params["ts_code"])

		switch req.APIName {
		case "daily":
			return `{"code":0,"msg":"","data":{"fields":["ts_code","trade_date","open","high","low","close","pre_close","change","pct_chg","vol","amount"],
				"items":[["600519.SH","20260302",1685.0,1710.0,1679.0,1700.5,1680.0,20.5,1.22,23456.78,3987654.321]]}}`
		default:
			return `{"code":0,"msg":"","data":{"fields":["ts_code","name"],"items":[["600519.SH","贵州茅台"]]}}`
		}
	})

	p := NewProvider("", "test-token", WithBaseURL(srv.URL))
	resp, err := p.Fetch(context.Background(), core.StockRequest("sh600519"))
	require.NoError(t, err)

	s := resp.Stock
	require.NotNil(t, s)
	assert.Equal(t, "600519", s.Symbol)
	assert.Equal(t, "贵州茅台", s.Name)
	assert.Equal(t, 1700.5, s.Price)
	assert.Equal(t, int64(2345678), s.Volume)
	assert.InDelta(t, 3987654321.0, s.Turnover, 0.01)
	assert.Equal(t, time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC), s.Timestamp.UTC())
	assert.Equal(t, []string{"daily", "stock_basic"}, apis)
}

func TestProvider_NameLookupFailureIgnored(t *testing.T) {
	srv := newTushareServer(t, func(req apiRequest) string {
		if req.APIName == "stock_basic" {
			return `{"code":40203,"msg":"抱歉，您没有访问该接口的权限"}`
		}
		return `{"code":0,"data":{"fields":["close"],"items":[[12.3]]}}`
	})

	p := NewProvider("tushare", "t", WithBaseURL(srv.URL))
	resp, err := p.Fetch(context.Background(), core.StockRequest("000001"))
	require.NoError(t, err)
	assert.Equal(t, 12.3, resp.Stock.Price)
	assert.Empty(t, resp.Stock.Name)
}

func TestProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind core.ErrorKind
	}{
		{"token错误", `{"code":40101,"msg":"抱歉，您的token不对，请确认。"}`, core.ErrorAuth},
		{"每分钟超频", `{"code":40203,"msg":"抱歉，您每分钟最多访问该接口80次"}`, core.ErrorQuota},
		{"每天超额", `{"code":40203,"msg":"抱歉，您每天最多访问该接口50000次"}`, core.ErrorQuota},
		{"无权限", `{"code":40203,"msg":"抱歉，您没有访问该接口的权限"}`, core.ErrorAuth},
		{"空数据", `{"code":0,"msg":"","data":{"fields":["close"],"items":[]}}`, core.ErrorData},
		{"参数错误", `{"code":-2001,"msg":"参数错误"}`, core.ErrorData},
		{"非JSON", `<html>502</html>`, core.ErrorData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTushareServer(t, func(apiRequest) string { return tt.body })
			p := NewProvider("tushare", "t", WithBaseURL(srv.URL))

			_, err := p.Fetch(context.Background(), core.StockRequest("600519"))
			require.Error(t, err)
			kind, ok := core.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestProvider_DailyQuotaRetryAfter(t *testing.T) {
	srv := newTushareServer(t, func(apiRequest) string {
		return `{"code":40203,"msg":"抱歉，您每天最多访问该接口50000次"}`
	})
	cst := time.FixedZone("CST", 8*3600)
	now := time.Date(2026, 3, 2, 22, 0, 0, 0, cst)
	p := NewProvider("tushare", "t", WithBaseURL(srv.URL), WithClock(func() time.Time { return now }))

	_, err := p.Fetch(context.Background(), core.StockRequest("600519"))
	assert.Equal(t, 2*time.Hour, core.RetryAfterOf(err), "等到北京时间次日零点")
}

func TestProvider_MissingToken(t *testing.T) {
	p := NewProvider("tushare", "")
	_, err := p.Fetch(context.Background(), core.StockRequest("600519"))

	kind, _ := core.KindOf(err)
	assert.Equal(t, core.ErrorAuth, kind)
}

func TestTSCode(t *testing.T) {
	assert.Equal(t, "600519.SH", TSCode("600519"))
	assert.Equal(t, "000001.SZ", TSCode("000001"))
	assert.Equal(t, "830799.BJ", TSCode("830799"))
}

func TestUntilNextDay(t *testing.T) {
	cst := time.FixedZone("CST", 8*3600)
	now := time.Date(2026, 3, 2, 23, 30, 0, 0, cst)
	assert.Equal(t, 30*time.Minute, untilNextDay(now))
}
