package limiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// 从整分钟开始，保证测试落在同一个窗口内
func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

func TestWindowLimiter_ExactCapacity(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(WithClock(clock.Now))
	l.SetLimit("tushare", Limit{MaxCalls: 80, Window: time.Minute})

	for i := 0; i < 80; i++ {
		require.True(t, l.Acquire("tushare"), "第 %d 次调用应该成功", i+1)
		clock.Advance(500 * time.Millisecond)
	}
	assert.False(t, l.Acquire("tushare"), "第81次调用应该被拒绝")
	assert.Equal(t, 0, l.Remaining("tushare"))

	// 跨入下一个窗口后恢复
	clock.Advance(time.Minute)
	assert.True(t, l.Acquire("tushare"), "窗口滚动后应该重新允许")
	assert.Equal(t, 79, l.Remaining("tushare"))
}

func TestWindowLimiter_FixedBoundary(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(59 * time.Second)

	l := NewWindowLimiter(WithClock(clock.Now))
	l.SetLimit("p", Limit{MaxCalls: 1, Window: time.Minute})

	assert.True(t, l.Acquire("p"))
	assert.False(t, l.Acquire("p"))

	// 非滑动窗口：只过了1秒，但已进入新窗口
	clock.Advance(time.Second)
	assert.True(t, l.Acquire("p"))
}

func TestWindowLimiter_Unlimited(t *testing.T) {
	l := NewWindowLimiter()

	for i := 0; i < 1000; i++ {
		assert.True(t, l.Acquire("unknown"))
	}
	assert.Equal(t, -1, l.Remaining("unknown"))

	l.SetLimit("zero", Limit{MaxCalls: 0, Window: time.Minute})
	assert.True(t, l.Acquire("zero"))
	assert.True(t, l.WindowEnd("zero").IsZero())
}

func TestWindowLimiter_WindowEnd(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(15 * time.Second)

	l := NewWindowLimiter(WithClock(clock.Now))
	l.SetLimit("p", Limit{MaxCalls: 5, Window: time.Minute})

	end := l.WindowEnd("p")
	assert.True(t, end.Equal(time.Date(2026, 3, 2, 9, 31, 0, 0, time.UTC)), "窗口结束时间应对齐到整分钟: %v", end)
}

func TestWindowLimiter_Independence(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(WithClock(clock.Now))
	l.SetLimit("a", Limit{MaxCalls: 1, Window: time.Minute})
	l.SetLimit("b", Limit{MaxCalls: 1, Window: time.Minute})

	assert.True(t, l.Acquire("a"))
	assert.False(t, l.Acquire("a"))
	assert.True(t, l.Acquire("b"), "不同提供商的计数互不影响")

	l.Reset("a")
	assert.True(t, l.Acquire("a"))
}

func TestWindowLimiter_Concurrent(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(WithClock(clock.Now))
	l.SetLimit("p", Limit{MaxCalls: 50, Window: time.Hour})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("p") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, granted, "并发下也只能放行配额内的调用")
}
