package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"stockrelay/pkg/gateway"
	"stockrelay/pkg/limiter"
	"stockrelay/pkg/logger"
	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/timing"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler 批量任务调度器
// RunOnce 手动执行一次；Start 之后每天在 ScheduleTime 自动执行
type Scheduler struct {
	cfg        Config
	gw         Gateway
	cron       *cron.Cron
	entryID    cron.EntryID
	marketTime *timing.MarketTime
	logger     *logrus.Entry
	readEnv    func(filename string) (map[string]string, error)
	prompt     func(core.StockInfo) string

	mu         sync.Mutex
	status     JobStatus
	running    bool
	lastReport *Report
	runCount   int64
	errorCount int64

	ctx    context.Context
	cancel context.CancelFunc
}

// Option 调度器选项
type Option func(*Scheduler)

// WithLogger 设置日志
func WithLogger(entry *logrus.Entry) Option {
	return func(s *Scheduler) { s.logger = entry }
}

// WithMarketTime 注入市场时间（测试用）
func WithMarketTime(mt *timing.MarketTime) Option {
	return func(s *Scheduler) { s.marketTime = mt }
}

// WithEnvReader 替换 .env 读取函数（测试用）
func WithEnvReader(fn func(filename string) (map[string]string, error)) Option {
	return func(s *Scheduler) { s.readEnv = fn }
}

// WithPromptBuilder 自定义分析提示词
func WithPromptBuilder(fn func(core.StockInfo) string) Option {
	return func(s *Scheduler) { s.prompt = fn }
}

// New 创建调度器
func New(cfg Config, gw Gateway, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gw == nil {
		return nil, errors.New("gateway 不能为空")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		gw:         gw,
		marketTime: timing.DefaultMarketTime(),
		logger:     logger.WithComponent("scheduler"),
		readEnv:    func(filename string) (map[string]string, error) { return godotenv.Read(filename) },
		prompt:     AnalysisPrompt,
		status:     JobStatusPending,
		ctx:        ctx,
		cancel:     cancel,
	}
	if !cfg.ScheduleEnabled {
		s.status = JobStatusDisabled
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start 注册每日任务并启动 cron，未开启定时时直接返回
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.ScheduleEnabled {
		s.logger.Info("定时任务未开启")
		return nil
	}
	if s.cron != nil {
		return errors.New("调度器已启动")
	}

	hour, minute, err := ParseScheduleTime(s.cfg.ScheduleTime)
	if err != nil {
		return err
	}

	s.cron = cron.New(cron.WithLocation(timing.Shanghai))
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	s.entryID, err = s.cron.AddFunc(spec, s.scheduledRun)
	if err != nil {
		s.cron = nil
		return fmt.Errorf("添加任务到调度器失败: %w", err)
	}
	s.cron.Start()

	s.logger.WithField("schedule", s.cfg.ScheduleTime).Infof("任务调度器已启动，下次运行: %s", s.nextRunLocked().Format(time.RFC3339))
	return nil
}

// Stop 停止调度器并等待运行中的任务结束
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.status = JobStatusStopped
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info("任务调度器已停止")
		return nil
	case <-ctx.Done():
		s.logger.Warn("任务调度器停止超时")
		return ctx.Err()
	}
}

// Status 调度器状态快照
type Status struct {
	Status     JobStatus  `json:"status"`
	Schedule   string     `json:"schedule,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastReport *Report    `json:"last_report,omitempty"`
}

// Status 返回当前状态
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Status:     s.status,
		RunCount:   s.runCount,
		ErrorCount: s.errorCount,
		LastReport: s.lastReport,
	}
	if s.cfg.ScheduleEnabled {
		st.Schedule = s.cfg.ScheduleTime
	}
	if next := s.nextRunLocked(); !next.IsZero() {
		st.NextRun = &next
	}
	return st
}

func (s *Scheduler) nextRunLocked() time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) scheduledRun() {
	now := s.marketTime.Now()
	if s.cfg.SkipWeekends && !s.marketTime.IsTradingDay(now) {
		s.logger.WithField("date", now.Format("2006-01-02")).Info("非交易日，跳过本次运行")
		s.mu.Lock()
		s.lastReport = &Report{RunID: uuid.NewString(), Started: now, Finished: now, Skipped: true}
		s.mu.Unlock()
		return
	}

	ctx := s.ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.WithError(err).Error("定时任务执行失败")
	}
}

// ErrAlreadyRunning 上一次运行尚未结束
var ErrAlreadyRunning = errors.New("批量任务正在运行")

// RunOnce 重新读取股票列表后执行一次批量任务
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.running = true
	prev := s.status
	s.status = JobStatusRunning
	s.runCount++
	s.mu.Unlock()

	symbols := s.refreshStockList()
	report := s.Run(ctx, symbols)

	s.mu.Lock()
	s.running = false
	s.lastReport = report
	if report.Failed > 0 {
		s.errorCount++
	}
	switch {
	case prev == JobStatusStopped || prev == JobStatusDisabled:
		s.status = prev
	case report.Failed > 0:
		s.status = JobStatusError
	default:
		s.status = JobStatusPending
	}
	s.mu.Unlock()

	var err error
	if ctx.Err() != nil {
		err = ctx.Err()
	} else if report.Failed == len(report.Items) && len(report.Items) > 0 {
		err = fmt.Errorf("全部 %d 只股票处理失败", report.Failed)
	}
	return report, err
}

// Run 用有限的工作协程处理给定的股票列表，结果顺序与输入一致
func (s *Scheduler) Run(ctx context.Context, symbols []string) *Report {
	report := &Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Items:   make([]Item, len(symbols)),
	}
	log := s.logger.WithField("run_id", report.RunID)
	log.WithField("count", len(symbols)).Info("开始批量处理")

	workers := s.cfg.MaxWorkers
	if workers > len(symbols) {
		workers = len(symbols)
	}

	breaker := limiter.NewBatchBreaker(s.cfg.AbortAfter)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := breaker.Allow(); err != nil {
					report.Items[i] = Item{Symbol: symbols[i], Err: err, Error: err.Error()}
					continue
				}
				item := s.process(ctx, symbols[i])
				report.Items[i] = item
				if item.Stock != nil {
					breaker.Record(nil)
				} else if breaker.Record(item.Err) {
					log.WithError(item.Err).WithField("abort_after", s.cfg.AbortAfter).Warn("连续失败，停止本批次剩余股票")
				}
			}
		}()
	}

feed:
	for i := range symbols {
		select {
		case jobs <- i:
		case <-ctx.Done():
			for j := i; j < len(symbols); j++ {
				report.Items[j] = Item{Symbol: symbols[j], Err: ctx.Err(), Error: ctx.Err().Error()}
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	for _, item := range report.Items {
		if item.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	report.Finished = time.Now()
	report.Aborted = breaker.Status().Tripped

	log.WithFields(logrus.Fields{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"aborted":   report.Aborted,
		"elapsed":   report.Finished.Sub(report.Started).String(),
	}).Info("批量处理完成")
	return report
}

// process 单只股票：行情失败则跳过该股票，分析失败只记录错误
func (s *Scheduler) process(ctx context.Context, symbol string) Item {
	start := time.Now()
	item := Item{Symbol: symbol}

	stock, err := s.gw.GetStockInfo(ctx, symbol)
	if err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Warn("获取行情失败，跳过")
		item.Err, item.Error = err, err.Error()
		item.DurationMs = time.Since(start).Milliseconds()
		return item
	}
	item.Stock = stock

	if s.cfg.Analyze {
		analysis, err := s.gw.GetAIResponse(ctx, gateway.AIRequest{Prompt: s.prompt(stock.Stock)})
		if err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Warn("AI分析失败")
			item.Err, item.Error = err, err.Error()
		} else {
			item.Analysis = analysis
		}
	}
	item.DurationMs = time.Since(start).Milliseconds()
	return item
}

// refreshStockList 优先读取 .env 中的 STOCK_LIST，其次是进程环境变量，最后使用配置
func (s *Scheduler) refreshStockList() []string {
	if s.cfg.EnvFile != "" {
		values, err := s.readEnv(s.cfg.EnvFile)
		if err == nil {
			if list := ParseStockList(values["STOCK_LIST"]); len(list) > 0 {
				return list
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).WithField("file", s.cfg.EnvFile).Warn("读取环境文件失败")
		}
	}
	if list := ParseStockList(os.Getenv("STOCK_LIST")); len(list) > 0 {
		return list
	}
	if len(s.cfg.StockList) > 0 {
		return append([]string(nil), s.cfg.StockList...)
	}
	return append([]string(nil), DefaultStockList...)
}

// AnalysisPrompt 默认的单股分析提示词
func AnalysisPrompt(info core.StockInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "请简要分析A股 %s", info.Symbol)
	if info.Name != "" {
		fmt.Fprintf(&b, "（%s）", info.Name)
	}
	fmt.Fprintf(&b, "的当日走势。现价 %.2f，涨跌幅 %.2f%%，开盘 %.2f，最高 %.2f，最低 %.2f，昨收 %.2f，成交量 %d 股。",
		info.Price, info.ChangePercent, info.Open, info.High, info.Low, info.PrevClose, info.Volume)
	b.WriteString("请给出趋势判断和需要关注的风险，控制在200字以内。")
	return b.String()
}
