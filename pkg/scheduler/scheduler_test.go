package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stockrelay/pkg/gateway"
	"stockrelay/pkg/limiter"
	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/selector"
	"stockrelay/pkg/timing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockGateway 模拟查询入口
type mockGateway struct {
	delay     time.Duration
	failStock map[string]bool
	unknown   map[string]bool // 代码合法但没有任何数据源收录
	failAI    bool

	active    int32
	maxActive int32

	mu      sync.Mutex
	stocks  []string
	prompts []string
}

func (m *mockGateway) GetStockInfo(ctx context.Context, symbol string, _ ...gateway.CallOption) (*gateway.StockResult, error) {
	n := atomic.AddInt32(&m.active, 1)
	defer atomic.AddInt32(&m.active, -1)
	for {
		cur := atomic.LoadInt32(&m.maxActive)
		if n <= cur || atomic.CompareAndSwapInt32(&m.maxActive, cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.stocks = append(m.stocks, symbol)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := core.StockRequest(symbol).Validate(); err != nil {
		return nil, err
	}
	if m.unknown[symbol] {
		return nil, &selector.ResolveError{
			Kind: core.KindDataSource,
			Attempts: []selector.Attempt{
				{Provider: "tushare", Kind: core.ErrorData},
				{Provider: "static", Kind: core.ErrorData},
			},
			Err: selector.ErrAllProvidersExhausted,
		}
	}
	if m.failStock[symbol] {
		return nil, &selector.ResolveError{Kind: core.KindDataSource, Err: selector.ErrAllProvidersExhausted}
	}
	return &gateway.StockResult{
		Stock:    core.StockInfo{Symbol: symbol, Name: "测试" + symbol, Price: 10},
		Provider: "tencent",
	}, nil
}

func (m *mockGateway) GetAIResponse(_ context.Context, req gateway.AIRequest, _ ...gateway.CallOption) (*gateway.AIResult, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	m.mu.Unlock()
	if m.failAI {
		return nil, errors.New("ai down")
	}
	return &gateway.AIResult{Completion: core.Completion{Content: "看多"}, Provider: "deepseek"}, nil
}

type fixedTime struct{ t time.Time }

func (f fixedTime) Now() time.Time { return f.t }

func quietEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func noEnv(string) (map[string]string, error) { return nil, os.ErrNotExist }

func newTestScheduler(t *testing.T, cfg Config, gw Gateway, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(quietEntry()), WithEnvReader(noEnv)}, opts...)
	s, err := New(cfg, gw, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestRun_OrderAndWorkerBound(t *testing.T) {
	gw := &mockGateway{delay: 20 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 3
	s := newTestScheduler(t, cfg, gw)

	symbols := []string{"600519", "000001", "300750", "601318", "000858", "600036", "002594"}
	report := s.Run(context.Background(), symbols)

	require.Len(t, report.Items, len(symbols))
	for i, item := range report.Items {
		assert.Equal(t, symbols[i], item.Symbol, "结果顺序与输入一致")
		require.NotNil(t, item.Stock)
	}
	assert.Equal(t, 7, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.LessOrEqual(t, atomic.LoadInt32(&gw.maxActive), int32(3), "并发数不超过 max_workers")
	assert.NotEmpty(t, report.RunID)
}

func TestRun_FailedSymbolIsSkipped(t *testing.T) {
	gw := &mockGateway{failStock: map[string]bool{"000001": true}}
	cfg := DefaultConfig()
	cfg.Analyze = true
	s := newTestScheduler(t, cfg, gw)

	report := s.Run(context.Background(), []string{"600519", "000001"})

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorIs(t, report.Items[1].Err, selector.ErrAllProvidersExhausted)
	assert.Contains(t, report.Items[1].Error, "all providers exhausted")
	assert.Nil(t, report.Items[1].Analysis)

	require.Len(t, gw.prompts, 1, "行情失败的股票不再做分析")
	assert.Contains(t, gw.prompts[0], "600519")
	require.NotNil(t, report.Items[0].Analysis)
	assert.Equal(t, "看多", report.Items[0].Analysis.Completion.Content)
}

func TestRun_AnalysisFailureKeepsQuote(t *testing.T) {
	gw := &mockGateway{failAI: true}
	cfg := DefaultConfig()
	cfg.Analyze = true
	s := newTestScheduler(t, cfg, gw)

	report := s.Run(context.Background(), []string{"600519"})
	item := report.Items[0]
	assert.NotNil(t, item.Stock)
	assert.Error(t, item.Err)
	assert.Equal(t, 1, report.Failed)
}

func TestRun_Cancelled(t *testing.T) {
	gw := &mockGateway{delay: time.Second}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	s := newTestScheduler(t, cfg, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	report := s.Run(ctx, []string{"600519", "000001", "300750"})
	assert.Equal(t, 3, report.Failed)
	for _, item := range report.Items {
		assert.ErrorIs(t, item.Err, context.DeadlineExceeded)
	}
}

func TestRun_AbortAfterConsecutiveFailures(t *testing.T) {
	gw := &mockGateway{failStock: map[string]bool{"600519": true, "000001": true, "300750": true}}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	cfg.AbortAfter = 2
	s := newTestScheduler(t, cfg, gw)

	report := s.Run(context.Background(), []string{"600519", "000001", "300750", "601318"})

	assert.True(t, report.Aborted)
	assert.Equal(t, 4, report.Failed)
	assert.Equal(t, []string{"600519", "000001"}, gw.stocks, "熔断后不再查询")
	assert.ErrorIs(t, report.Items[2].Err, limiter.ErrBatchAborted)
	assert.ErrorIs(t, report.Items[3].Err, limiter.ErrBatchAborted)
}

func TestRun_BadSymbolsDoNotAbort(t *testing.T) {
	gw := &mockGateway{unknown: map[string]bool{"688999": true, "000999": true, "300999": true}}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	cfg.AbortAfter = 2
	s := newTestScheduler(t, cfg, gw)

	symbols := []string{"ABC", "AAPL", "00700", "688999", "000999", "300999", "600519"}
	report := s.Run(context.Background(), symbols)

	assert.False(t, report.Aborted, "非法或未收录的代码不触发熔断")
	assert.Equal(t, 6, report.Failed)
	assert.Equal(t, 1, report.Succeeded)
	assert.ErrorIs(t, report.Items[0].Err, core.ErrInvalidSymbol)
	assert.ErrorIs(t, report.Items[3].Err, selector.ErrAllProvidersExhausted)
	require.NotNil(t, report.Items[6].Stock)
	assert.Equal(t, "600519", report.Items[6].Stock.Stock.Symbol)
}

func TestRun_AbortDisabled(t *testing.T) {
	gw := &mockGateway{failStock: map[string]bool{"600519": true, "000001": true}}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	cfg.AbortAfter = 0
	s := newTestScheduler(t, cfg, gw)

	report := s.Run(context.Background(), []string{"600519", "000001", "300750"})

	assert.False(t, report.Aborted)
	assert.Equal(t, 1, report.Succeeded)
	assert.Len(t, gw.stocks, 3)
}

func TestRunOnce_StockListPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StockList = []string{"600000"}

	t.Run("环境文件优先", func(t *testing.T) {
		gw := &mockGateway{}
		s := newTestScheduler(t, cfg, gw, WithEnvReader(func(string) (map[string]string, error) {
			return map[string]string{"STOCK_LIST": " 600519 , ,000001"}, nil
		}))
		report, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"600519", "000001"}, symbolsOf(report))
	})

	t.Run("进程环境变量其次", func(t *testing.T) {
		t.Setenv("STOCK_LIST", "300750")
		gw := &mockGateway{}
		s := newTestScheduler(t, cfg, gw)
		report, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"300750"}, symbolsOf(report))
	})

	t.Run("最后使用配置", func(t *testing.T) {
		t.Setenv("STOCK_LIST", "")
		gw := &mockGateway{}
		s := newTestScheduler(t, cfg, gw)
		report, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"600000"}, symbolsOf(report))
	})
}

func TestRunOnce_ReloadsEachRun(t *testing.T) {
	list := "600519"
	gw := &mockGateway{}
	s := newTestScheduler(t, DefaultConfig(), gw, WithEnvReader(func(string) (map[string]string, error) {
		return map[string]string{"STOCK_LIST": list}, nil
	}))

	r1, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	list = "000001,300750"
	r2, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"600519"}, symbolsOf(r1))
	assert.Equal(t, []string{"000001", "300750"}, symbolsOf(r2), "每次运行前重新读取股票列表")
	assert.Equal(t, int64(2), s.Status().RunCount)
}

func TestRunOnce_AllFailed(t *testing.T) {
	gw := &mockGateway{failStock: map[string]bool{"600519": true}}
	cfg := DefaultConfig()
	cfg.StockList = []string{"600519"}
	t.Setenv("STOCK_LIST", "")
	s := newTestScheduler(t, cfg, gw)

	report, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	require.NotNil(t, report)

	st := s.Status()
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, JobStatusDisabled, st.Status, "未开启定时时保持禁用状态")
	assert.Equal(t, report, st.LastReport)
}

func TestScheduledRun_SkipsWeekend(t *testing.T) {
	saturday := time.Date(2025, 8, 23, 18, 0, 0, 0, timing.Shanghai)
	gw := &mockGateway{}
	cfg := DefaultConfig()
	s := newTestScheduler(t, cfg, gw, WithMarketTime(timing.NewMarketTime(fixedTime{saturday})))

	s.scheduledRun()
	assert.Empty(t, gw.stocks, "周末不执行")
	require.NotNil(t, s.Status().LastReport)
	assert.True(t, s.Status().LastReport.Skipped)

	cfg.SkipWeekends = false
	s2 := newTestScheduler(t, cfg, gw, WithMarketTime(timing.NewMarketTime(fixedTime{saturday})))
	s2.scheduledRun()
	assert.NotEmpty(t, gw.stocks)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	s := newTestScheduler(t, cfg, &mockGateway{})
	require.NoError(t, s.Start(), "未开启定时时 Start 直接返回")
	assert.Nil(t, s.Status().NextRun)

	cfg.ScheduleEnabled = true
	cfg.ScheduleTime = "18:30"
	s = newTestScheduler(t, cfg, &mockGateway{})
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "重复启动应报错")

	st := s.Status()
	assert.Equal(t, JobStatusPending, st.Status)
	assert.Equal(t, "18:30", st.Schedule)
	require.NotNil(t, st.NextRun)
	next := st.NextRun.In(timing.Shanghai)
	assert.Equal(t, 18, next.Hour())
	assert.Equal(t, 30, next.Minute())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, JobStatusStopped, s.Status().Status)
	assert.Nil(t, s.Status().NextRun)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate(), "默认配置应该是有效的")

	cfg := DefaultConfig()
	cfg.MaxWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ScheduleTime = "25:00"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ScheduleTime = "6pm"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.AbortAfter = -1
	assert.Error(t, cfg.Validate())

	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestParseScheduleTime(t *testing.T) {
	h, m, err := ParseScheduleTime(" 09:05 ")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 5, m)
}

func TestParseStockList(t *testing.T) {
	assert.Equal(t, []string{"600519", "000001"}, ParseStockList("600519, 000001,"))
	assert.Nil(t, ParseStockList(" , "))
}

func TestAnalysisPrompt(t *testing.T) {
	p := AnalysisPrompt(core.StockInfo{Symbol: "600519", Name: "贵州茅台", Price: 1500.5, ChangePercent: -1.25, Volume: 12300})
	assert.True(t, strings.HasPrefix(p, "请简要分析A股 600519（贵州茅台）"))
	assert.Contains(t, p, "现价 1500.50")
	assert.Contains(t, p, "涨跌幅 -1.25%")
	assert.Contains(t, p, "12300 股")
}

func symbolsOf(r *Report) []string {
	out := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		out = append(out, item.Symbol)
	}
	return out
}
