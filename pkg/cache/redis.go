package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// RedisConfig Redis 缓存配置
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// 熔断参数：连续失败 BreakerFailures 次后打开，BreakerTimeout 后半开
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

// DefaultRedisConfig 默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:            "localhost:6379",
		KeyPrefix:       "stockrelay:",
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// RedisCache 基于 Redis 的缓存，所有命令经过熔断器
// Redis 不可用时快速失败，调用方按未命中处理
type RedisCache struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	prefix     string
	defaultTTL time.Duration
	logger     *logrus.Entry

	hitCount  int64
	missCount int64
}

// NewRedisCache 连接 Redis 并创建缓存
func NewRedisCache(ctx context.Context, cfg RedisConfig, defaultTTL time.Duration, logger *logrus.Entry) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis失败 %s: %w", cfg.Addr, err)
	}
	return newRedisCache(client, cfg, defaultTTL, logger), nil
}

func newRedisCache(client *redis.Client, cfg RedisConfig, defaultTTL time.Duration, logger *logrus.Entry) *RedisCache {
	def := DefaultRedisConfig()
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	settings := gobreaker.Settings{
		Name:    "redis-cache",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("缓存熔断器状态变更")
		},
	}

	return &RedisCache{
		client:     client,
		cb:         gobreaker.NewCircuitBreaker(settings),
		prefix:     cfg.KeyPrefix,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// Get 读取缓存
func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := rc.execute(func() (interface{}, error) {
		return rc.client.Get(ctx, rc.prefix+key).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&rc.missCount, 1)
		return nil, ErrMiss
	}
	if err != nil {
		atomic.AddInt64(&rc.missCount, 1)
		return nil, err
	}
	atomic.AddInt64(&rc.hitCount, 1)
	return v.([]byte), nil
}

// Set 写入缓存
func (rc *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = rc.defaultTTL
	}
	_, err := rc.execute(func() (interface{}, error) {
		return nil, rc.client.Set(ctx, rc.prefix+key, value, ttl).Err()
	})
	return err
}

// Delete 删除缓存
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	_, err := rc.execute(func() (interface{}, error) {
		return nil, rc.client.Del(ctx, rc.prefix+key).Err()
	})
	return err
}

// Clear 删除当前前缀下的所有键
func (rc *RedisCache) Clear(ctx context.Context) error {
	_, err := rc.execute(func() (interface{}, error) {
		iter := rc.client.Scan(ctx, 0, rc.prefix+"*", 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, nil
		}
		return nil, rc.client.Del(ctx, keys...).Err()
	})
	if err == nil {
		atomic.StoreInt64(&rc.hitCount, 0)
		atomic.StoreInt64(&rc.missCount, 0)
	}
	return err
}

// Stats 返回命中统计，Redis 不统计条目数
func (rc *RedisCache) Stats() Stats {
	hit := atomic.LoadInt64(&rc.hitCount)
	miss := atomic.LoadInt64(&rc.missCount)
	return Stats{
		Backend:   BackendRedis,
		HitCount:  hit,
		MissCount: miss,
		HitRate:   hitRate(hit, miss),
		TTL:       rc.defaultTTL,
	}
}

// BreakerState 熔断器当前状态
func (rc *RedisCache) BreakerState() gobreaker.State {
	return rc.cb.State()
}

// Close 关闭 Redis 连接
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func (rc *RedisCache) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := rc.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}

var _ Cache = (*RedisCache)(nil)
