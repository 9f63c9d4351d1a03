package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stockrelay/pkg/provider/core"
)

// ErrBatchAborted 批次已熔断，剩余股票不再查询
var ErrBatchAborted = errors.New("批量任务已熔断")

// dataOnlyError 汇总多次尝试的错误，全部尝试都是数据错误时 DataOnly 返回 true
type dataOnlyError interface {
	error
	DataOnly() bool
}

// BatchBreaker 统筹一次批量调用的熔断
// 连续 threshold 只股票因提供商原因失败后，本批次剩余股票直接跳过
type BatchBreaker struct {
	mu          sync.Mutex
	classifier  *ErrorClassifier
	threshold   int
	consecutive int
	tripped     bool
	lastError   error

	totalRequests int64
	totalErrors   int64
}

// NewBatchBreaker 创建批次熔断器，threshold <= 0 时永不熔断
func NewBatchBreaker(threshold int) *BatchBreaker {
	return &BatchBreaker{
		classifier: NewErrorClassifier(),
		threshold:  threshold,
	}
}

// Allow 判断是否可以继续下一只股票
func (b *BatchBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return nil
	}
	return fmt.Errorf("%w: 连续 %d 次失败，最后错误: %v", ErrBatchAborted, b.consecutive, b.lastError)
}

// Record 记录一只股票的结果，返回本次记录是否触发熔断
// 取消、超时以及股票代码本身的问题不计入连续失败
func (b *BatchBreaker) Record(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	if err == nil {
		b.consecutive = 0
		return false
	}
	b.totalErrors++

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, core.ErrEmptySymbol) || errors.Is(err, core.ErrInvalidSymbol) {
		return false
	}
	var agg dataOnlyError
	if errors.As(err, &agg) && agg.DataOnly() {
		return false
	}
	if b.classifier.Classify(err) == core.ErrorData {
		return false
	}

	b.consecutive++
	b.lastError = err
	if b.threshold > 0 && !b.tripped && b.consecutive >= b.threshold {
		b.tripped = true
		return true
	}
	return false
}

// BreakerStatus 熔断器状态快照
type BreakerStatus struct {
	Tripped       bool  `json:"tripped"`
	Consecutive   int   `json:"consecutive"`
	TotalRequests int64 `json:"total_requests"`
	TotalErrors   int64 `json:"total_errors"`
}

// Status 获取熔断器当前状态
func (b *BatchBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStatus{
		Tripped:       b.tripped,
		Consecutive:   b.consecutive,
		TotalRequests: b.totalRequests,
		TotalErrors:   b.totalErrors,
	}
}
