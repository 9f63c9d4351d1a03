package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stockrelay/pkg/cache"
	"stockrelay/pkg/health"
	"stockrelay/pkg/logger"
	"stockrelay/pkg/observe"
	"stockrelay/pkg/provider"
	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/scheduler"
	"stockrelay/pkg/selector"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ProviderSpec 单个提供商的配置
type ProviderSpec = provider.Spec

// Config 主配置结构
type Config struct {
	// 日志配置
	Log logger.Config `mapstructure:"log" yaml:"log"`

	// 提供商列表，为空时从环境变量推导
	Providers []ProviderSpec `mapstructure:"providers" yaml:"providers"`

	// 两类请求的选择方式
	Selection SelectionConfig `mapstructure:"selection" yaml:"selection"`

	// 冷却策略
	Health health.Config `mapstructure:"health" yaml:"health"`

	// 查询缓存
	Cache cache.Config `mapstructure:"cache" yaml:"cache"`

	// 批量任务
	Batch scheduler.Config `mapstructure:"batch" yaml:"batch"`

	// HTTP 服务
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// 指标与事件
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	notes []string
}

// SelectionConfig 数据源与AI服务各自的选择方式
type SelectionConfig struct {
	Data selector.Selection `mapstructure:"data" yaml:"data"`
	AI   selector.Selection `mapstructure:"ai" yaml:"ai"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Mode            string        `mapstructure:"mode" yaml:"mode"` // gin 模式: debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Prometheus bool                 `mapstructure:"prometheus" yaml:"prometheus"`
	Influx     observe.InfluxConfig `mapstructure:"influx" yaml:"influx"`
}

// Default 返回默认配置，不含提供商列表
func Default() *Config {
	return &Config{
		Log: logger.Config{
			Level:  "info",
			Format: "text",
		},
		Selection: SelectionConfig{
			Data: selector.Auto(),
			AI:   selector.Auto(),
		},
		Health: health.DefaultConfig(),
		Cache:  cache.DefaultConfig(),
		Batch:  scheduler.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Prometheus: true,
			Influx: observe.InfluxConfig{
				Measurement: "provider_attempt",
			},
		},
	}
}

// Validate 验证配置，返回所有问题的合并错误
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level 无效: %s", c.Log.Level))
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format 只能是 text 或 json: %s", c.Log.Format))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, spec := range c.Providers {
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("providers[%d]: %w", i, err))
		}
		if spec.Name != "" && seen[spec.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: 名称重复: %s", i, spec.Name))
		}
		seen[spec.Name] = true
	}

	errs = append(errs, c.validateSelection("selection.data", core.KindDataSource, c.Selection.Data))
	errs = append(errs, c.validateSelection("selection.ai", core.KindAIService, c.Selection.AI))

	if c.Health.FailureThreshold < 0 {
		errs = append(errs, errors.New("health.failure_threshold 不能为负数"))
	}
	if c.Health.BaseCooldown < 0 || c.Health.MaxCooldown < 0 {
		errs = append(errs, errors.New("health 冷却时长不能为负数"))
	}

	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Batch.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr 不能为空"))
	}
	switch c.Server.Mode {
	case "", "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.mode 无效: %s", c.Server.Mode))
	}

	return errors.Join(errs...)
}

func (c *Config) validateSelection(field string, kind core.Kind, sel selector.Selection) error {
	switch sel.Mode {
	case "", selector.ModeAuto:
		return nil
	case selector.ModeManual:
	default:
		return fmt.Errorf("%s.mode 无效: %s", field, sel.Mode)
	}

	if sel.Provider == "" {
		return fmt.Errorf("%s: 手动模式必须指定 provider", field)
	}
	spec, ok := c.Provider(sel.Provider)
	if !ok {
		return fmt.Errorf("%s: 提供商 %s 不存在", field, sel.Provider)
	}
	if spec.WithDefaults().Kind != kind {
		return fmt.Errorf("%s: 提供商 %s 不是 %s", field, sel.Provider, kind)
	}
	return nil
}

// Provider 按名称查找提供商配置
func (c *Config) Provider(name string) (ProviderSpec, bool) {
	for _, spec := range c.Providers {
		if spec.Name == name {
			return spec, true
		}
	}
	return ProviderSpec{}, false
}

// ProvidersOf 指定类别的提供商配置，保持配置顺序
func (c *Config) ProvidersOf(kind core.Kind) []ProviderSpec {
	var out []ProviderSpec
	for _, spec := range c.Providers {
		if spec.WithDefaults().Kind == kind {
			out = append(out, spec)
		}
	}
	return out
}

// Warnings 不影响运行但值得提示的配置问题
func (c *Config) Warnings() []string {
	warnings := append([]string(nil), c.notes...)

	hasTushare := false
	for _, spec := range c.Providers {
		if spec.Type == provider.TypeTushare && spec.Enabled && spec.Credential(provider.CredToken) != "" {
			hasTushare = true
		}
	}
	if !hasTushare {
		warnings = append(warnings, "未配置 Tushare Token，将使用其他数据源")
	}

	hasAI := false
	for _, spec := range c.ProvidersOf(core.KindAIService) {
		if spec.Enabled {
			hasAI = true
		}
	}
	if !hasAI {
		warnings = append(warnings, "未配置任何AI服务的密钥，AI分析不可用")
	}

	for _, sel := range []selector.Selection{c.Selection.Data, c.Selection.AI} {
		if sel.Mode != selector.ModeManual {
			continue
		}
		if spec, ok := c.Provider(sel.Provider); ok && !spec.Enabled {
			warnings = append(warnings, fmt.Sprintf("手动指定的提供商 %s 未启用，请求将失败", sel.Provider))
		}
	}
	return warnings
}

// Masked 返回隐藏凭证后的副本，用于展示
func (c *Config) Masked() *Config {
	out := *c
	out.notes = nil
	out.Providers = make([]ProviderSpec, len(c.Providers))
	for i, spec := range c.Providers {
		if len(spec.Credentials) > 0 {
			creds := make(map[string]string, len(spec.Credentials))
			for k, v := range spec.Credentials {
				creds[k] = MaskSecret(v)
			}
			spec.Credentials = creds
		}
		out.Providers[i] = spec
	}
	out.Cache.Redis.Password = MaskSecret(c.Cache.Redis.Password)
	out.Metrics.Influx.Token = MaskSecret(c.Metrics.Influx.Token)
	return &out
}

// YAML 以 YAML 格式输出隐藏凭证后的配置
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Masked())
}

// MaskSecret 只保留前4位
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****"
	}
}

// SetLogLevel 设置日志级别
func (c *Config) SetLogLevel(level string) *Config {
	c.Log.Level = level
	return c
}
