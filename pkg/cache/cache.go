package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrMiss 缓存未命中或已过期
	ErrMiss = errors.New("cache miss")
	// ErrUnavailable 缓存后端暂不可用（熔断器打开）
	ErrUnavailable = errors.New("cache unavailable")
)

// Backend 缓存后端类型
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Cache 定义了缓存行为的接口
// 值统一为序列化后的字节，由调用方决定编码
type Cache interface {
	// Get 从缓存中获取一个值，未命中返回 ErrMiss
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 向缓存中设置一个值，ttl<=0 时使用默认TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete 从缓存中删除一个值
	Delete(ctx context.Context, key string) error
	// Clear 清空所有缓存条目
	Clear(ctx context.Context) error
	// Stats 获取缓存的统计信息
	Stats() Stats
	// Close 释放后台资源
	Close() error
}

// Stats 缓存统计信息
type Stats struct {
	Backend   string        `json:"backend"`
	Size      int64         `json:"size"`
	MaxSize   int64         `json:"max_size"`
	HitCount  int64         `json:"hit_count"`
	MissCount int64         `json:"miss_count"`
	HitRate   float64       `json:"hit_rate"`
	TTL       time.Duration `json:"ttl"`
}

// Config 缓存配置
type Config struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	StockTTL        time.Duration `mapstructure:"stock_ttl" yaml:"stock_ttl"`
	AITTL           time.Duration `mapstructure:"ai_ttl" yaml:"ai_ttl"`
	MaxSize         int64         `mapstructure:"max_size" yaml:"max_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	Redis           RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// DefaultConfig 默认关闭缓存
func DefaultConfig() Config {
	return Config{
		Backend:         BackendNone,
		StockTTL:        30 * time.Second,
		AITTL:           0,
		MaxSize:         1000,
		CleanupInterval: time.Minute,
		Redis:           DefaultRedisConfig(),
	}
}

// Validate 校验缓存配置
func (c Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case "", BackendNone, BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("cache.redis.addr 不能为空")
		}
	default:
		return fmt.Errorf("不支持的缓存后端: %s", c.Backend)
	}
	if c.StockTTL < 0 || c.AITTL < 0 {
		return errors.New("缓存TTL不能为负数")
	}
	return nil
}

// New 按配置创建缓存，Backend 为 none 时返回 nil
func New(ctx context.Context, cfg Config, logger *logrus.Entry) (Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Backend) {
	case BackendMemory:
		return NewMemoryCache(MemoryCacheConfig{
			MaxSize:         cfg.MaxSize,
			DefaultTTL:      cfg.StockTTL,
			CleanupInterval: cfg.CleanupInterval,
		}), nil
	case BackendRedis:
		return NewRedisCache(ctx, cfg.Redis, cfg.StockTTL, logger)
	default:
		return nil, nil
	}
}

func hitRate(hit, miss int64) float64 {
	if total := hit + miss; total > 0 {
		return float64(hit) / float64(total)
	}
	return 0
}
