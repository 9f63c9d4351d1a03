// Package app 按配置组装选择器、缓存、查询入口、批量任务与 HTTP 服务
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"stockrelay/pkg/api"
	"stockrelay/pkg/cache"
	"stockrelay/pkg/config"
	"stockrelay/pkg/gateway"
	"stockrelay/pkg/health"
	"stockrelay/pkg/logger"
	"stockrelay/pkg/observe"
	"stockrelay/pkg/provider"
	"stockrelay/pkg/scheduler"
	"stockrelay/pkg/selector"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// 内存中保留的最近尝试事件数
const recentEvents = 500

// App 组装好的运行时
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Selector  *selector.Selector
	Gateway   *gateway.Gateway
	Scheduler *scheduler.Scheduler
	Cache     cache.Cache
	Events    *observe.Recorder
	Metrics   *prometheus.Registry

	registry *provider.Registry
	influx   *observe.InfluxSink
}

// Option 组装选项
type Option func(*options)

type options struct {
	out      io.Writer
	registry *provider.Registry
	sched    []scheduler.Option
}

// WithLogOutput 日志输出位置，默认 stderr
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithRegistry 替换适配器注册表
func WithRegistry(r *provider.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithSchedulerOptions 透传批量任务选项
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.sched = append(o.sched, opts...) }
}

// New 按配置组装运行时
// 缓存或 InfluxDB 不可用时记录警告并降级运行，提供商配置错误直接返回
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	o := options{out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = provider.DefaultRegistry()
	}

	log := logger.New(cfg.Log, o.out)
	a := &App{
		Config:   cfg,
		Logger:   log,
		Events:   observe.NewRecorder(recentEvents),
		Metrics:  prometheus.NewRegistry(),
		registry: o.registry,
	}
	component := func(name string) *logrus.Entry { return log.WithField("component", name) }

	for _, w := range cfg.Warnings() {
		component("config").Warn(w)
	}

	providers, err := o.registry.BuildAll(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("创建提供商失败: %w", err)
	}

	sinks := observe.MultiSink{observe.NewLogSink(component("attempt")), a.Events}
	a.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Metrics.Prometheus {
		promSink, err := observe.NewPrometheusSink(a.Metrics)
		if err != nil {
			return nil, fmt.Errorf("注册指标失败: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	if cfg.Metrics.Influx.Enabled() {
		influx, err := observe.NewInfluxSink(ctx, cfg.Metrics.Influx, component("influx"))
		if err != nil {
			component("influx").WithError(err).Warn("InfluxDB 不可用，不写入尝试事件")
		} else {
			a.influx = influx
			sinks = append(sinks, influx)
		}
	}

	a.Selector, err = selector.New(providers,
		selector.WithHealth(health.NewTracker(cfg.Health)),
		selector.WithSink(sinks),
		selector.WithLogger(component("selector")),
	)
	if err != nil {
		a.closeSinks()
		return nil, fmt.Errorf("创建选择器失败: %w", err)
	}

	gwOpts := []gateway.Option{
		gateway.WithSelections(cfg.Selection.Data, cfg.Selection.AI),
		gateway.WithLogger(component("gateway")),
	}
	c, err := cache.New(ctx, cfg.Cache, component("cache"))
	switch {
	case err != nil:
		component("cache").WithError(err).Warn("缓存不可用，直接查询提供商")
	case c != nil:
		a.Cache = c
		gwOpts = append(gwOpts, gateway.WithCache(c, cfg.Cache.StockTTL, cfg.Cache.AITTL))
	}
	a.Gateway = gateway.New(a.Selector, gwOpts...)

	schedOpts := append([]scheduler.Option{scheduler.WithLogger(component("scheduler"))}, o.sched...)
	a.Scheduler, err = scheduler.New(cfg.Batch, a.Gateway, schedOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("创建批量任务失败: %w", err)
	}

	component("app").WithFields(logrus.Fields{
		"providers": len(providers),
		"cache":     cfg.Cache.Backend,
		"data":      cfg.Selection.Data.Mode,
		"ai":        cfg.Selection.AI.Mode,
	}).Info("运行时已就绪")
	return a, nil
}

// NewServer 创建挂载了全部功能的 HTTP 服务
func (a *App) NewServer() (*api.Server, error) {
	opts := []api.Option{
		api.WithProviders(a.Selector),
		api.WithBatch(a.Scheduler),
		api.WithEvents(a.Events),
		api.WithLogger(a.Logger.WithField("component", "api")),
		api.WithMetricsHandler(promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{})),
	}
	if a.Cache != nil {
		opts = append(opts, api.WithCache(a.Cache))
	}

	return api.NewServer(api.Config{
		Addr:            a.Config.Server.Addr,
		Mode:            a.Config.Server.Mode,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
	}, a.Gateway, opts...)
}

// Reload 用新的提供商配置替换选择器中的列表，健康状态随之清空
func (a *App) Reload(specs []config.ProviderSpec) error {
	providers, err := a.registry.BuildAll(specs)
	if err != nil {
		return err
	}
	if err := a.Selector.Reload(providers); err != nil {
		return err
	}
	a.Logger.WithField("providers", len(providers)).Info("提供商配置已重载")
	return nil
}

// Close 按依赖的反向顺序释放资源
func (a *App) Close() error {
	var errs []error
	if a.Scheduler != nil {
		errs = append(errs, a.Scheduler.Stop(context.Background()))
	}
	if a.Selector != nil {
		errs = append(errs, a.Selector.Close())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	errs = append(errs, a.closeSinks())
	return errors.Join(errs...)
}

func (a *App) closeSinks() error {
	if a.influx == nil {
		return nil
	}
	err := a.influx.Close()
	a.influx = nil
	return err
}
