// Package api 通过 HTTP 暴露行情查询、AI 查询、提供商状态与批量任务
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"stockrelay/pkg/cache"
	"stockrelay/pkg/gateway"
	"stockrelay/pkg/health"
	"stockrelay/pkg/limiter"
	"stockrelay/pkg/observe"
	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/scheduler"
	"stockrelay/pkg/selector"
	"stockrelay/pkg/timing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Gateway 查询入口
type Gateway interface {
	GetStockInfo(ctx context.Context, symbol string, opts ...gateway.CallOption) (*gateway.StockResult, error)
	GetAIResponse(ctx context.Context, req gateway.AIRequest, opts ...gateway.CallOption) (*gateway.AIResult, error)
}

// Providers 提供商列表与健康状态的来源，通常是 *selector.Selector
type Providers interface {
	Registered(kind core.Kind) []selector.Provider
	Health() *health.Tracker
	Limiter() *limiter.WindowLimiter
}

// Batch 批量任务，通常是 *scheduler.Scheduler
type Batch interface {
	RunOnce(ctx context.Context) (*scheduler.Report, error)
	Status() scheduler.Status
}

// Config HTTP 服务配置
type Config struct {
	Addr            string
	Mode            string
	ShutdownTimeout time.Duration
	// RequestTimeout 单个查询请求的上限，0 表示只受客户端连接约束
	RequestTimeout time.Duration
}

// Server HTTP 服务
type Server struct {
	cfg       Config
	gateway   Gateway
	providers Providers
	batch     Batch
	cache     cache.Cache
	events    *observe.Recorder
	market    *timing.MarketTime
	metrics   http.Handler
	logger    *logrus.Entry

	router *gin.Engine

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// Option 服务选项
type Option func(*Server)

// WithProviders 启用 /api/v1/providers
func WithProviders(p Providers) Option {
	return func(s *Server) { s.providers = p }
}

// WithBatch 启用 /api/v1/batch
func WithBatch(b Batch) Option {
	return func(s *Server) { s.batch = b }
}

// WithCache 在状态中展示缓存统计
func WithCache(c cache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithEvents 启用 /api/v1/events
func WithEvents(r *observe.Recorder) Option {
	return func(s *Server) { s.events = r }
}

// WithMarketTime 替换交易时间判断
func WithMarketTime(mt *timing.MarketTime) Option {
	return func(s *Server) { s.market = mt }
}

// WithMetricsHandler 挂载 /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger 设置日志
func WithLogger(entry *logrus.Entry) Option {
	return func(s *Server) { s.logger = entry }
}

// NewServer 创建 HTTP 服务，gw 不能为空
func NewServer(cfg Config, gw Gateway, opts ...Option) (*Server, error) {
	if gw == nil {
		return nil, errors.New("gateway cannot be nil")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		gateway: gw,
		market:  timing.DefaultMarketTime(),
		logger:  logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s.router = s.routes()
	return s, nil
}

// Handler 返回路由，测试可直接使用
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.logMiddleware())
	router.Use(corsMiddleware())

	router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stock/:symbol", s.getStock)
		v1.POST("/ai", s.postAI)
		v1.GET("/status", s.getStatus)

		if s.providers != nil {
			v1.GET("/providers", s.getProviders)
			v1.POST("/providers/:name/reset", s.resetProvider)
		}
		if s.batch != nil {
			v1.GET("/batch", s.getBatch)
			v1.POST("/batch/run", s.runBatch)
		}
		if s.events != nil {
			v1.GET("/events", s.getEvents)
		}
	}
	return router
}

// Start 监听端口并在后台提供服务，监听失败立即返回错误
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr()
	s.logger.WithField("addr", s.addr.String()).Info("HTTP 服务启动")

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP 服务异常退出")
		}
	}()
	return nil
}

// Addr 实际监听地址，未启动时为空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Stop 优雅关闭，等待进行中的请求完成或超时
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.addr = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("HTTP 服务关闭中")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("优雅关闭失败: %w", err)
	}
	return nil
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Warn("请求失败")
		default:
			entry.Debug("请求完成")
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestContext 在请求上下文上叠加单次查询超时
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	}
	return context.WithCancel(c.Request.Context())
}
