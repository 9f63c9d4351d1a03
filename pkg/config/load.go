package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/selector"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 覆盖配置项的环境变量前缀，如 STOCKRELAY_SERVER_ADDR
const EnvPrefix = "STOCKRELAY"

// 配置文件搜索名称
var configNames = []string{"stockrelay.yaml", "stockrelay.yml"}

// LoadOptions 加载参数
type LoadOptions struct {
	// 配置文件路径，为空时按默认位置搜索，找不到则只用默认值和环境变量
	ConfigFile string
	// 启动时加载的 .env 文件，不覆盖已存在的环境变量
	EnvFile string
}

// Load 从配置文件、.env 和环境变量加载配置
func Load(configFile string) (*Config, error) {
	return LoadWith(LoadOptions{ConfigFile: configFile, EnvFile: ".env"})
}

// LoadWith 按给定参数加载配置
func LoadWith(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("加载环境文件 %s 失败: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	path, err := findConfigFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := v.ReadConfig(bytes.NewReader(expandEnv(content))); err != nil {
			return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
		}
	}

	if raw, ok := v.Get("providers").([]interface{}); ok {
		v.Set("providers", enableByDefault(raw))
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("反序列化配置失败: %w", err)
	}
	if opts.EnvFile != "" && !v.IsSet("batch.env_file") {
		cfg.Batch.EnvFile = opts.EnvFile
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders(os.Getenv)
	}
	cfg.applyAIProvider(os.Getenv("AI_PROVIDER"))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("selection.data.mode", string(d.Selection.Data.Mode))
	v.SetDefault("selection.data.provider", d.Selection.Data.Provider)
	v.SetDefault("selection.ai.mode", string(d.Selection.AI.Mode))
	v.SetDefault("selection.ai.provider", d.Selection.AI.Provider)

	v.SetDefault("health.failure_threshold", d.Health.FailureThreshold)
	v.SetDefault("health.base_cooldown", d.Health.BaseCooldown)
	v.SetDefault("health.max_cooldown", d.Health.MaxCooldown)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.stock_ttl", d.Cache.StockTTL)
	v.SetDefault("cache.ai_ttl", d.Cache.AITTL)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("cache.redis.password", d.Cache.Redis.Password)
	v.SetDefault("cache.redis.db", d.Cache.Redis.DB)
	v.SetDefault("cache.redis.key_prefix", d.Cache.Redis.KeyPrefix)
	v.SetDefault("cache.redis.breaker_failures", d.Cache.Redis.BreakerFailures)
	v.SetDefault("cache.redis.breaker_timeout", d.Cache.Redis.BreakerTimeout)

	v.SetDefault("batch.stock_list", d.Batch.StockList)
	v.SetDefault("batch.max_workers", d.Batch.MaxWorkers)
	v.SetDefault("batch.schedule_enabled", d.Batch.ScheduleEnabled)
	v.SetDefault("batch.schedule_time", d.Batch.ScheduleTime)
	v.SetDefault("batch.skip_weekends", d.Batch.SkipWeekends)
	v.SetDefault("batch.analyze", d.Batch.Analyze)
	v.SetDefault("batch.run_timeout", d.Batch.RunTimeout)
	v.SetDefault("batch.abort_after", d.Batch.AbortAfter)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("metrics.prometheus", d.Metrics.Prometheus)
	v.SetDefault("metrics.influx.url", d.Metrics.Influx.URL)
	v.SetDefault("metrics.influx.token", d.Metrics.Influx.Token)
	v.SetDefault("metrics.influx.org", d.Metrics.Influx.Org)
	v.SetDefault("metrics.influx.bucket", d.Metrics.Influx.Bucket)
	v.SetDefault("metrics.influx.measurement", d.Metrics.Influx.Measurement)
}

// bindLegacyEnv 兼容不带前缀的常用环境变量，带前缀的优先
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"log.level":              "LOG_LEVEL",
		"log.format":             "LOG_FORMAT",
		"batch.stock_list":       "STOCK_LIST",
		"batch.max_workers":      "MAX_WORKERS",
		"batch.schedule_enabled": "SCHEDULE_ENABLED",
		"batch.schedule_time":    "SCHEDULE_TIME",
		"cache.redis.addr":       "REDIS_ADDR",
		"cache.redis.password":   "REDIS_PASSWORD",
	}
	for key, env := range legacy {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, env)
	}
}

// findConfigFile 指定路径必须存在，未指定时依次搜索当前目录、./config 和 $HOME/.stockrelay
func findConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("配置文件不可用: %w", err)
		}
		return explicit, nil
	}

	dirs := []string{".", "config"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".stockrelay"))
	}
	for _, dir := range dirs {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}
	return "", nil
}

// expandEnv 替换配置文件中的 ${VAR}，未设置的变量替换为空串
func expandEnv(content []byte) []byte {
	return []byte(os.Expand(string(content), func(key string) string {
		if name, def, ok := strings.Cut(key, ":-"); ok {
			if val := os.Getenv(name); val != "" {
				return val
			}
			return def
		}
		return os.Getenv(key)
	}))
}

// enableByDefault 配置文件中未写 enabled 的提供商视为启用
func enableByDefault(raw []interface{}) []interface{} {
	out := make([]interface{}, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			out[i] = item
			continue
		}
		copied := make(map[string]interface{}, len(m)+1)
		hasEnabled := false
		for k, val := range m {
			if strings.EqualFold(k, "enabled") {
				hasEnabled = true
			}
			copied[k] = val
		}
		if !hasEnabled {
			copied["enabled"] = true
		}
		out[i] = copied
	}
	return out
}

// applyAIProvider AI_PROVIDER 指定的服务可用时切换为手动选择，否则保留自动选择并记录提示
func (c *Config) applyAIProvider(name string) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, string(selector.ModeAuto)) {
		return
	}

	spec, ok := c.Provider(name)
	switch {
	case !ok:
		c.notes = append(c.notes, fmt.Sprintf("AI_PROVIDER=%s 未配置，使用自动选择", name))
	case spec.WithDefaults().Kind != core.KindAIService:
		c.notes = append(c.notes, fmt.Sprintf("AI_PROVIDER=%s 不是AI服务，使用自动选择", name))
	case !spec.Enabled:
		c.notes = append(c.notes, fmt.Sprintf("AI_PROVIDER=%s 未启用（缺少密钥），使用自动选择", name))
	default:
		c.Selection.AI = selector.Manual(name)
	}
}
