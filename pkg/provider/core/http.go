package core

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPDoer 适配器依赖的传输能力，*http.Client 即满足
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient 创建适配器默认使用的 HTTP 客户端
// 单次请求的超时由选择器通过 context 控制，这里只设置连接池
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
			MaxConnsPerHost:     10,
		},
	}
}

// TransportError 将 Do() 返回的错误包装为临时错误
func TransportError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     ErrorTransient,
		Err:      fmt.Errorf("HTTP request failed: %w", err),
	}
}

// CheckHTTPResponse 根据状态码对响应分类，2xx 返回 nil
// 非 2xx 时会读取并关闭 body
func CheckHTTPResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	pe := &ProviderError{
		Provider:   provider,
		Kind:       KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("HTTP status error: %s", strings.TrimSpace(string(body))),
	}
	if pe.Kind == ErrorQuota {
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return pe
}

// KindForStatus HTTP 状态码到错误分类的映射
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusPaymentRequired, status == http.StatusTooManyRequests:
		return ErrorQuota
	case status == http.StatusRequestTimeout, status >= 500:
		return ErrorTransient
	default:
		return ErrorData
	}
}

// parseRetryAfter 仅支持秒数形式
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
