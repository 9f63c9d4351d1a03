package limiter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"stockrelay/pkg/provider/core"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected core.ErrorKind
	}{
		// 凭证错误
		{"401未授权", errors.New("HTTP/1.1 401 Unauthorized"), core.ErrorAuth},
		{"无效密钥", errors.New("Incorrect API key provided"), core.ErrorAuth},
		{"token过期", errors.New("token expired, please refresh"), core.ErrorAuth},
		{"403禁止", errors.New("HTTP/1.1 403 Forbidden"), core.ErrorAuth},

		// 额度错误
		{"429", errors.New("HTTP/1.1 429 Too Many Requests"), core.ErrorQuota},
		{"限流", errors.New("rate limit reached for requests"), core.ErrorQuota},
		{"tushare频率", errors.New("抱歉，您每分钟最多访问该接口80次"), core.ErrorQuota},

		// 网络错误
		{"连接拒绝", errors.New("dial tcp: connection refused"), core.ErrorTransient},
		{"超时", errors.New("i/o timeout"), core.ErrorTransient},
		{"SSL握手", errors.New("SSL: UNEXPECTED_EOF_WHILE_READING"), core.ErrorTransient},
		{"上下文超时", fmt.Errorf("fetch: %w", context.DeadlineExceeded), core.ErrorTransient},

		// 数据错误
		{"请求错误", errors.New("HTTP/1.1 400 Bad Request"), core.ErrorData},
		{"未找到", errors.New("HTTP/1.1 404 Not Found"), core.ErrorData},
		{"空响应", errors.New("empty response"), core.ErrorData},

		// 带上下文的状态码
		{"状态码401", errors.New("upstream returned status code: 401"), core.ErrorAuth},
		{"状态码429", errors.New("response code=429"), core.ErrorQuota},

		// 数字串不是状态码
		{"股票代码含401", errors.New("quote 601401: unexpected EOF"), core.ErrorTransient},
		{"偏移量含401", errors.New("decode body: invalid character at offset 4012"), core.ErrorTransient},
		{"股票代码含429", errors.New("parse 300429 failed"), core.ErrorTransient},
		{"数量含429", errors.New("got 1429 rows, want 1"), core.ErrorTransient},
		{"unicode不是code", errors.New("unicode 401 replacement"), core.ErrorTransient},

		// 其他
		{"nil错误", nil, core.ErrorNone},
		{"未知错误按临时错误处理", errors.New("some other error"), core.ErrorTransient},
	}

	classifier := NewErrorClassifier()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := classifier.Classify(tt.err)
			assert.Equal(t, tt.expected, actual, "错误分类应匹配预期: %s", tt.name)
		})
	}
}

func TestClassifyKeepsProviderErrorKind(t *testing.T) {
	classifier := NewErrorClassifier()

	// 消息看起来像网络错误，但适配器已经判定为数据错误
	err := fmt.Errorf("wrapped: %w", core.Errorf("tushare", core.ErrorData, "timeout field missing"))
	assert.Equal(t, core.ErrorData, classifier.Classify(err))
}

func TestCooldownable(t *testing.T) {
	classifier := NewErrorClassifier()

	assert.True(t, classifier.Cooldownable(core.ErrorTransient))
	assert.False(t, classifier.Cooldownable(core.ErrorData))
	assert.False(t, classifier.Cooldownable(core.ErrorQuota))
	assert.False(t, classifier.Cooldownable(core.ErrorAuth))
}
