package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"stockrelay/pkg/cache"
	"stockrelay/pkg/gateway"
	"stockrelay/pkg/health"
	"stockrelay/pkg/observe"
	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/scheduler"
	"stockrelay/pkg/selector"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error     string             `json:"error"`
	Message   string             `json:"message"`
	RequestID string             `json:"request_id,omitempty"`
	Attempts  []selector.Attempt `json:"attempts,omitempty"`
	Skipped   []selector.Attempt `json:"skipped,omitempty"`
}

// AIRequestBody POST /api/v1/ai 的请求体
type AIRequestBody struct {
	gateway.AIRequest
	// Provider 非空时只使用该AI服务
	Provider string `json:"provider,omitempty"`
	NoCache  bool   `json:"no_cache,omitempty"`
}

// ProviderStatus 单个提供商的配置与健康状态
type ProviderStatus struct {
	Name      string           `json:"name"`
	Kind      core.Kind        `json:"kind"`
	Priority  int              `json:"priority"`
	Enabled   bool             `json:"enabled"`
	Timeout   string           `json:"timeout"`
	RateLimit *RateLimitStatus `json:"rate_limit,omitempty"`
	Health    health.State     `json:"health"`
}

// RateLimitStatus 当前窗口的限流状态
type RateLimitStatus struct {
	MaxCalls  int       `json:"max_calls"`
	Window    string    `json:"window"`
	Remaining int       `json:"remaining"`
	WindowEnd time.Time `json:"window_end"`
}

// MarketStatus A股交易时间
type MarketStatus struct {
	Now         time.Time `json:"now"`
	TradingDay  bool      `json:"trading_day"`
	TradingTime bool      `json:"trading_time"`
}

// StatusResponse GET /api/v1/status
type StatusResponse struct {
	Market MarketStatus      `json:"market"`
	Batch  *scheduler.Status `json:"batch,omitempty"`
	Cache  *cache.Stats      `json:"cache,omitempty"`
}

func (s *Server) healthCheck(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
	}

	if s.providers != nil {
		available := make(map[core.Kind]int)
		for _, kind := range []core.Kind{core.KindDataSource, core.KindAIService} {
			for _, p := range s.providers.Registered(kind) {
				if p.Enabled && s.providers.Health().IsAvailable(p.Name) {
					available[kind]++
				}
			}
		}
		resp["available"] = available
		if available[core.KindDataSource] == 0 {
			resp["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) getStock(c *gin.Context) {
	symbol := c.Param("symbol")

	var opts []gateway.CallOption
	if name := c.Query("provider"); name != "" {
		opts = append(opts, gateway.Using(selector.Manual(name)))
	}
	if noCache, _ := strconv.ParseBool(c.Query("no_cache")); noCache {
		opts = append(opts, gateway.NoCache())
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.gateway.GetStockInfo(ctx, symbol, opts...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) postAI(c *gin.Context) {
	var body AIRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "请求体不是有效的 JSON: " + err.Error()})
		return
	}

	var opts []gateway.CallOption
	if body.Provider != "" {
		opts = append(opts, gateway.Using(selector.Manual(body.Provider)))
	}
	if body.NoCache {
		opts = append(opts, gateway.NoCache())
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.gateway.GetAIResponse(ctx, body.AIRequest, opts...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getProviders(c *gin.Context) {
	kinds := []core.Kind{core.KindDataSource, core.KindAIService}
	if k := c.Query("kind"); k != "" {
		kind, err := core.ParseKind(k)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
			return
		}
		kinds = []core.Kind{kind}
	}

	out := make([]ProviderStatus, 0)
	for _, kind := range kinds {
		list := s.providers.Registered(kind)
		names := make([]string, 0, len(list))
		for _, p := range list {
			names = append(names, p.Name)
		}
		states := s.providers.Health().Snapshot(names...)

		for i, p := range list {
			st := ProviderStatus{
				Name:     p.Name,
				Kind:     p.Kind,
				Priority: p.Priority,
				Enabled:  p.Enabled,
				Timeout:  p.Timeout.String(),
				Health:   states[i],
			}
			if !p.RateLimit.Unlimited() {
				lim := s.providers.Limiter()
				st.RateLimit = &RateLimitStatus{
					MaxCalls:  p.RateLimit.MaxCalls,
					Window:    p.RateLimit.Window.String(),
					Remaining: lim.Remaining(p.Name),
					WindowEnd: lim.WindowEnd(p.Name),
				}
			}
			out = append(out, st)
		}
	}

	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) resetProvider(c *gin.Context) {
	name := c.Param("name")
	for _, kind := range []core.Kind{core.KindDataSource, core.KindAIService} {
		for _, p := range s.providers.Registered(kind) {
			if p.Name != name {
				continue
			}
			wasDisabled := s.providers.Health().IsDisabled(name)
			s.providers.Health().Reset(name)
			s.providers.Limiter().Reset(name)
			s.logger.WithFields(logrus.Fields{"provider": name, "was_disabled": wasDisabled}).Info("提供商健康状态已重置")
			c.JSON(http.StatusOK, gin.H{"provider": name, "reset": true, "was_disabled": wasDisabled})
			return
		}
	}
	c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "提供商不存在: " + name})
}

func (s *Server) getStatus(c *gin.Context) {
	now := s.market.Now()
	resp := StatusResponse{
		Market: MarketStatus{
			Now:         now,
			TradingDay:  s.market.IsTradingDay(now),
			TradingTime: s.market.IsTradingTime(),
		},
	}
	if s.batch != nil {
		st := s.batch.Status()
		resp.Batch = &st
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getBatch(c *gin.Context) {
	c.JSON(http.StatusOK, s.batch.Status())
}

// runBatch 同步执行一次批量任务，客户端断开时任务随之取消
func (s *Server) runBatch(c *gin.Context) {
	report, err := s.batch.RunOnce(c.Request.Context())
	if err != nil && report == nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{"report": report}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getEvents(c *gin.Context) {
	events := s.events.Events()
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 && n < len(events) {
		events = events[len(events)-n:]
	}
	if events == nil {
		events = []observe.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// writeError 把查询错误映射为 HTTP 状态码
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}

	var rerr *selector.ResolveError
	if errors.As(err, &rerr) {
		resp.RequestID = rerr.RequestID
		resp.Attempts = rerr.Attempts
		resp.Skipped = rerr.Skipped
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Warn("查询失败")
	}
	c.JSON(status, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrEmptySymbol),
		errors.Is(err, core.ErrInvalidSymbol),
		errors.Is(err, core.ErrEmptyPrompt),
		errors.Is(err, core.ErrUnsupportedKind):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, selector.ErrNoProviderSelected):
		return http.StatusServiceUnavailable, "no_provider"
	case errors.Is(err, selector.ErrAllProvidersExhausted):
		return http.StatusBadGateway, "providers_exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	}

	if kind, ok := core.KindOf(err); ok && kind == core.ErrorData {
		return http.StatusBadGateway, "bad_provider_data"
	}
	return http.StatusInternalServerError, "internal_error"
}
