// Package selector 实现提供商选择与回退：按优先级遍历候选，
// 结合健康状态和限流决定是否调用，并把每次尝试的结果反馈给健康跟踪器
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stockrelay/pkg/health"
	"stockrelay/pkg/limiter"
	"stockrelay/pkg/logger"
	"stockrelay/pkg/observe"
	"stockrelay/pkg/provider/core"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 30 * time.Second
	// 不限流的提供商报告额度耗尽且没有 Retry-After 时的等待时间
	defaultQuotaBackoff = time.Minute
)

// Selector 提供商选择器，可并发使用
// 选择器本身不启动任何 goroutine，所有工作都在调用方的 goroutine 内完成
type Selector struct {
	mu        sync.RWMutex
	providers []Provider
	byName    map[string]int

	limiter    *limiter.WindowLimiter
	health     *health.Tracker
	classifier *limiter.ErrorClassifier
	sink       observe.Sink
	logger     *logrus.Entry
	now        func() time.Time
	newID      func() string
}

// Option 选择器选项
type Option func(*Selector)

// WithLimiter 使用外部限流器
func WithLimiter(l *limiter.WindowLimiter) Option {
	return func(s *Selector) { s.limiter = l }
}

// WithHealth 使用外部健康跟踪器
func WithHealth(h *health.Tracker) Option {
	return func(s *Selector) { s.health = h }
}

// WithSink 设置事件接收器
func WithSink(sink observe.Sink) Option {
	return func(s *Selector) { s.sink = sink }
}

// WithLogger 设置日志
func WithLogger(entry *logrus.Entry) Option {
	return func(s *Selector) { s.logger = entry }
}

// WithClock 注入时钟，用于计算耗时和额度耗尽截止时间
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithRequestIDGenerator 自定义请求 ID 生成
func WithRequestIDGenerator(fn func() string) Option {
	return func(s *Selector) { s.newID = fn }
}

// New 创建选择器
// 提供商名称必须唯一；候选顺序为优先级升序，优先级相同时保持传入顺序
func New(providers []Provider, opts ...Option) (*Selector, error) {
	s := &Selector{
		classifier: limiter.NewErrorClassifier(),
		sink:       observe.NoopSink{},
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = limiter.NewWindowLimiter(limiter.WithClock(s.now))
	}
	if s.health == nil {
		s.health = health.NewTracker(health.DefaultConfig(), health.WithClock(s.now))
	}
	if s.logger == nil {
		s.logger = logger.WithComponent("selector")
	}

	if err := s.setProviders(providers); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload 替换提供商列表，重新设置限流并清空健康状态
// 凭证错误导致的停用只能通过 Reload 解除
func (s *Selector) Reload(providers []Provider) error {
	if err := s.setProviders(providers); err != nil {
		return err
	}
	s.health.ResetAll()
	return nil
}

func (s *Selector) setProviders(providers []Provider) error {
	byName := make(map[string]int, len(providers))
	for i, p := range providers {
		if p.Name == "" {
			return fmt.Errorf("provider #%d has no name", i)
		}
		if _, dup := byName[p.Name]; dup {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		if p.Client == nil {
			return fmt.Errorf("provider %q has no client", p.Name)
		}
		byName[p.Name] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.providers = append([]Provider(nil), providers...)
	s.byName = byName
	for _, p := range providers {
		s.limiter.SetLimit(p.Name, p.RateLimit)
	}
	return nil
}

// Providers 返回某一类别的候选，按尝试顺序排列
func (s *Selector) Providers(kind core.Kind) []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.autoCandidates(kind)
}

// Registered 返回某一类别的全部提供商，包括停用项，按优先级排列
func (s *Selector) Registered(kind core.Kind) []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []Provider
	for _, p := range s.providers {
		if p.Kind == kind {
			list = append(list, p)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority < list[j].Priority
	})
	return list
}

// Health 健康跟踪器
func (s *Selector) Health() *health.Tracker {
	return s.health
}

// Limiter 限流器
func (s *Selector) Limiter() *limiter.WindowLimiter {
	return s.limiter
}

// Close 关闭所有实现了 core.Closable 的适配器
func (s *Selector) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	for _, p := range s.providers {
		if c, ok := p.Client.(core.Closable); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", p.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Resolve 为请求选择提供商并执行，第一个成功的结果立即返回
// 失败时返回 *ResolveError，Err 为 ErrNoProviderSelected、ErrAllProvidersExhausted 或上下文错误
func (s *Selector) Resolve(ctx context.Context, kind core.Kind, req core.Request, sel Selection) (*Result, error) {
	if req.Kind == "" {
		req.Kind = kind
	}
	if req.Kind != kind {
		return nil, fmt.Errorf("request kind %s does not match %s: %w", req.Kind, kind, core.ErrUnsupportedKind)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = s.newID()
	}
	if sel.Mode == "" {
		sel.Mode = ModeAuto
	}

	candidates, err := s.candidates(kind, sel)
	if err != nil {
		return nil, &ResolveError{Kind: kind, Mode: sel.Mode, RequestID: req.ID, Err: err}
	}

	var attempts, skipped []Attempt
	fail := func(err error) (*Result, error) {
		return nil, &ResolveError{
			Kind:      kind,
			Mode:      sel.Mode,
			RequestID: req.ID,
			Attempts:  attempts,
			Skipped:   skipped,
			Err:       err,
		}
	}

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		if reason := s.health.Blocked(p.Name); reason != core.ErrorNone {
			a := Attempt{Provider: p.Name, Kind: reason, Skipped: true}
			skipped = append(skipped, a)
			s.emit(req.ID, p, a, observe.OutcomeSkipped)
			continue
		}

		if !s.limiter.Acquire(p.Name) {
			a := Attempt{
				Provider: p.Name,
				Kind:     core.ErrorQuota,
				Err:      core.Errorf(p.Name, core.ErrorQuota, "rate limit reached (%d per %s)", p.RateLimit.MaxCalls, p.RateLimit.Window),
			}
			attempts = append(attempts, a)
			s.emit(req.ID, p, a, observe.OutcomeQuotaDenied)
			continue
		}

		start := s.now()
		resp, err := s.fetch(ctx, p, req)
		elapsed := s.now().Sub(start)

		if err == nil {
			s.health.RecordSuccess(p.Name)
			s.emit(req.ID, p, Attempt{Provider: p.Name, Duration: elapsed}, observe.OutcomeSuccess)
			return &Result{
				Response:  resp,
				Provider:  p.Name,
				RequestID: req.ID,
				Attempts:  attempts,
				Skipped:   skipped,
			}, nil
		}

		// 调用方取消不是提供商的问题，不影响健康状态
		if ctxErr := ctx.Err(); ctxErr != nil {
			a := Attempt{Provider: p.Name, Kind: core.ErrorTransient, Err: err, Duration: elapsed}
			attempts = append(attempts, a)
			s.emit(req.ID, p, a, observe.OutcomeFailure)
			return fail(ctxErr)
		}

		errKind := s.classifier.Classify(err)
		a := Attempt{Provider: p.Name, Kind: errKind, Err: err, Duration: elapsed}
		attempts = append(attempts, a)
		s.recordFailure(p, errKind, err)
		s.emit(req.ID, p, a, observe.OutcomeFailure)
	}

	return fail(ErrAllProvidersExhausted)
}

func (s *Selector) candidates(kind core.Kind, sel Selection) ([]Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch sel.Mode {
	case ModeManual:
		i, ok := s.byName[sel.Provider]
		if !ok {
			return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProviderSelected, sel.Provider)
		}
		p := s.providers[i]
		if !p.Enabled {
			return nil, fmt.Errorf("%w: provider %q is disabled", ErrNoProviderSelected, p.Name)
		}
		if p.Kind != kind {
			return nil, fmt.Errorf("%w: provider %q is %s, not %s", ErrNoProviderSelected, p.Name, p.Kind, kind)
		}
		return []Provider{p}, nil
	case ModeAuto:
		list := s.autoCandidates(kind)
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: no enabled %s provider", ErrNoProviderSelected, kind)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrNoProviderSelected, sel.Mode)
	}
}

func (s *Selector) autoCandidates(kind core.Kind) []Provider {
	var list []Provider
	for _, p := range s.providers {
		if p.Enabled && p.Kind == kind {
			list = append(list, p)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority < list[j].Priority
	})
	return list
}

// fetch 在独立的失败边界内调用适配器：超时受提供商配置约束，panic 转为临时错误
func (s *Selector) fetch(ctx context.Context, p Provider, req core.Request) (resp core.Response, err error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"provider":   p.Name,
				"request_id": req.ID,
				"panic":      r,
			}).Error("provider panicked")
			resp = core.Response{}
			err = core.Errorf(p.Name, core.ErrorTransient, "provider panicked: %v", r)
		}
	}()

	resp, err = p.Client.Fetch(fetchCtx, req)
	if err != nil {
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return core.Response{}, core.NewProviderError(p.Name, core.ErrorTransient, fmt.Errorf("timeout after %s: %w", timeout, err))
		}
		return core.Response{}, err
	}
	if resp.IsEmpty() {
		return core.Response{}, core.Errorf(p.Name, core.ErrorData, "empty response")
	}
	return resp, nil
}

func (s *Selector) recordFailure(p Provider, kind core.ErrorKind, err error) {
	switch {
	case kind == core.ErrorAuth:
		s.health.RecordFailure(p.Name, kind)
		s.logger.WithField("provider", p.Name).WithError(err).Warn("provider disabled until config reload")
	case kind == core.ErrorQuota:
		s.health.RecordQuotaExhausted(p.Name, s.quotaUntil(p, err))
	case s.classifier.Cooldownable(kind):
		s.health.RecordFailure(p.Name, kind)
	}
}

// quotaUntil 额度耗尽的截止时间：优先 Retry-After，其次当前限流窗口结束
func (s *Selector) quotaUntil(p Provider, err error) time.Time {
	now := s.now()
	if d := core.RetryAfterOf(err); d > 0 {
		return now.Add(d)
	}
	if end := s.limiter.WindowEnd(p.Name); !end.IsZero() {
		return end
	}
	return now.Add(defaultQuotaBackoff)
}

func (s *Selector) emit(requestID string, p Provider, a Attempt, outcome observe.Outcome) {
	e := observe.Event{
		Time:       s.now(),
		RequestID:  requestID,
		Provider:   p.Name,
		Kind:       p.Kind,
		DurationMs: a.Duration.Milliseconds(),
		Outcome:    outcome,
		ErrorKind:  a.Kind,
		Error:      a.Message(),
	}
	s.sink.Emit(e)
}
