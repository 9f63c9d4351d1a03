package limiter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"stockrelay/pkg/provider/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBatchBreaker(3)
	down := errors.New("all providers exhausted")

	assert.False(t, b.Record(down))
	assert.False(t, b.Record(down))
	assert.NoError(t, b.Allow())

	assert.True(t, b.Record(down), "第三次连续失败触发熔断")
	assert.False(t, b.Record(down), "只在触发的那一次返回 true")

	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchAborted)
	assert.Contains(t, err.Error(), "all providers exhausted")

	st := b.Status()
	assert.True(t, st.Tripped)
	assert.Equal(t, int64(4), st.TotalRequests)
	assert.Equal(t, int64(4), st.TotalErrors)
}

func TestBatchBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBatchBreaker(2)
	down := errors.New("connection refused")

	b.Record(down)
	b.Record(nil)
	b.Record(down)
	assert.NoError(t, b.Allow())
	assert.Equal(t, 1, b.Status().Consecutive)
}

func TestBatchBreaker_IgnoredErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"取消", context.Canceled},
		{"超时", fmt.Errorf("fetch: %w", context.DeadlineExceeded)},
		{"非法代码", fmt.Errorf("abc: %w", core.ErrInvalidSymbol)},
		{"空代码", core.ErrEmptySymbol},
		{"数据错误", core.Errorf("tencent", core.ErrorData, "no data for %s", "600000")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBatchBreaker(1)
			assert.False(t, b.Record(tt.err))
			assert.NoError(t, b.Allow())
			assert.Equal(t, 0, b.Status().Consecutive)
		})
	}
}

// aggregateError 模拟汇总了多次尝试的选择器错误
type aggregateError struct {
	dataOnly bool
}

func (e *aggregateError) Error() string  { return "all providers exhausted (data-source, auto)" }
func (e *aggregateError) DataOnly() bool { return e.dataOnly }

func TestBatchBreaker_DataOnlyAggregateNotCounted(t *testing.T) {
	b := NewBatchBreaker(2)

	for i := 0; i < 10; i++ {
		assert.False(t, b.Record(fmt.Errorf("batch: %w", &aggregateError{dataOnly: true})))
	}
	assert.NoError(t, b.Allow(), "未知代码只产生数据错误，不计入熔断")
	assert.Equal(t, 0, b.Status().Consecutive)

	b.Record(&aggregateError{})
	assert.True(t, b.Record(&aggregateError{}), "提供商故障照常计数")
}

func TestBatchBreaker_Disabled(t *testing.T) {
	b := NewBatchBreaker(0)
	for i := 0; i < 100; i++ {
		assert.False(t, b.Record(errors.New("down")))
	}
	assert.NoError(t, b.Allow())
}
