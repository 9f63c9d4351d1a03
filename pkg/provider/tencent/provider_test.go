package tencent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"stockrelay/pkg/provider/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockServer(t *testing.T, status int, body func(q string) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=GBK")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body(r.URL.Query().Get("q"))))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_Fetch(t *testing.T) {
	var gotQuery string
	srv := newMockServer(t, http.StatusOK, func(q string) string {
		gotQuery = q
		return tencentLine(t, "sh", "600519", "贵州茅台")
	})

	p := NewProvider("tencent", WithBaseURL(srv.URL+"/?q="))
	assert.Equal(t, "tencent", p.Name())
	assert.Equal(t, core.KindDataSource, p.Kind())

	resp, err := p.Fetch(context.Background(), core.StockRequest("SH600519"))
	require.NoError(t, err)
	require.NotNil(t, resp.Stock)
	assert.Equal(t, "sh600519", gotQuery)
	assert.Equal(t, "贵州茅台", resp.Stock.Name)
	assert.NoError(t, p.Close())
}

func TestProvider_FetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		symbol string
		kind   core.ErrorKind
	}{
		{"未知代码", http.StatusOK, `v_pv_none_match="1";`, "600519", core.ErrorData},
		{"非法代码", http.StatusOK, "", "abc", core.ErrorData},
		{"服务端错误", http.StatusBadGateway, "bad gateway", "600519", core.ErrorTransient},
		{"限流", http.StatusTooManyRequests, "slow down", "600519", core.ErrorQuota},
		{"禁止访问", http.StatusForbidden, "forbidden", "600519", core.ErrorAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newMockServer(t, tt.status, func(string) string { return tt.body })
			p := NewProvider("", WithBaseURL(srv.URL+"/?q="))

			_, err := p.Fetch(context.Background(), core.StockRequest(tt.symbol))
			require.Error(t, err)

			kind, ok := core.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestProvider_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProvider("tencent", WithBaseURL(url+"/?q="))
	_, err := p.Fetch(context.Background(), core.StockRequest("000001"))

	kind, ok := core.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.ErrorTransient, kind)
}

func TestBuildURL(t *testing.T) {
	p := NewProvider("tencent")
	assert.Equal(t, DefaultBaseURL+"sh600519,sz000001,sz300750,bj830799", p.buildURL("600519", "000001", "300750", "830799"))
}
