// Package gateway 对外的两个查询入口：股票行情与AI补全
// 在选择器之前加一层可选的查询缓存
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"stockrelay/pkg/cache"
	"stockrelay/pkg/logger"
	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/selector"

	"github.com/sirupsen/logrus"
)

// Resolver 选择器的最小接口
type Resolver interface {
	Resolve(ctx context.Context, kind core.Kind, req core.Request, sel selector.Selection) (*selector.Result, error)
}

// StockResult 行情查询结果
type StockResult struct {
	Stock     core.StockInfo     `json:"stock"`
	Provider  string             `json:"provider"`
	RequestID string             `json:"request_id,omitempty"`
	Cached    bool               `json:"cached"`
	Attempts  []selector.Attempt `json:"attempts,omitempty"`
	Skipped   []selector.Attempt `json:"skipped,omitempty"`
}

// AIRequest AI 查询参数，Messages 为空时由 System 与 Prompt 组成对话
type AIRequest struct {
	Prompt      string         `json:"prompt,omitempty"`
	System      string         `json:"system,omitempty"`
	Messages    []core.Message `json:"messages,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
}

// AIResult AI 查询结果
type AIResult struct {
	Completion core.Completion    `json:"completion"`
	Provider   string             `json:"provider"`
	RequestID  string             `json:"request_id,omitempty"`
	Cached     bool               `json:"cached"`
	Attempts   []selector.Attempt `json:"attempts,omitempty"`
	Skipped    []selector.Attempt `json:"skipped,omitempty"`
}

// Gateway 查询入口
type Gateway struct {
	resolver Resolver
	cache    cache.Cache
	stockTTL time.Duration
	aiTTL    time.Duration
	data     selector.Selection
	ai       selector.Selection
	logger   *logrus.Entry
}

// Option 网关选项
type Option func(*Gateway)

// WithCache 启用查询缓存，TTL<=0 的那一类结果不缓存
func WithCache(c cache.Cache, stockTTL, aiTTL time.Duration) Option {
	return func(g *Gateway) {
		g.cache = c
		g.stockTTL = stockTTL
		g.aiTTL = aiTTL
	}
}

// WithSelections 设置两类请求的默认选择方式
func WithSelections(data, ai selector.Selection) Option {
	return func(g *Gateway) {
		g.data = data
		g.ai = ai
	}
}

// WithLogger 设置日志
func WithLogger(entry *logrus.Entry) Option {
	return func(g *Gateway) { g.logger = entry }
}

// New 创建网关
func New(resolver Resolver, opts ...Option) *Gateway {
	g := &Gateway{
		resolver: resolver,
		data:     selector.Auto(),
		ai:       selector.Auto(),
		logger:   logger.WithComponent("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CallOption 单次调用选项
type CallOption func(*callOptions)

type callOptions struct {
	selection *selector.Selection
	noCache   bool
}

// Using 本次调用使用指定的选择方式
func Using(sel selector.Selection) CallOption {
	return func(o *callOptions) { o.selection = &sel }
}

// NoCache 本次调用跳过缓存读取，结果仍会写入缓存
func NoCache() CallOption {
	return func(o *callOptions) { o.noCache = true }
}

func applyCallOptions(def selector.Selection, opts []CallOption) (selector.Selection, callOptions) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.selection != nil {
		return *o.selection, o
	}
	return def, o
}

// Selections 返回当前默认的选择方式
func (g *Gateway) Selections() (data, ai selector.Selection) {
	return g.data, g.ai
}

// GetStockInfo 查询股票行情
func (g *Gateway) GetStockInfo(ctx context.Context, symbol string, opts ...CallOption) (*StockResult, error) {
	symbol = strings.TrimSpace(symbol)
	req := core.StockRequest(symbol)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sel, o := applyCallOptions(g.data, opts)
	key := "stock:" + selectionKey(sel) + core.NormalizeSymbol(symbol)
	cacheable := g.stockTTL > 0

	if cacheable && !o.noCache {
		var cached StockResult
		if g.lookup(ctx, key, &cached) {
			cached.Cached = true
			return &cached, nil
		}
	}

	res, err := g.resolver.Resolve(ctx, core.KindDataSource, req, sel)
	if err != nil {
		return nil, err
	}
	if res.Response.Stock == nil {
		return nil, core.Errorf(res.Provider, core.ErrorData, "响应中没有行情数据")
	}

	out := &StockResult{
		Stock:     *res.Response.Stock,
		Provider:  res.Provider,
		RequestID: res.RequestID,
		Attempts:  res.Attempts,
		Skipped:   res.Skipped,
	}
	if cacheable {
		g.store(ctx, key, StockResult{Stock: out.Stock, Provider: out.Provider}, g.stockTTL)
	}
	return out, nil
}

// GetAIResponse 查询AI补全
func (g *Gateway) GetAIResponse(ctx context.Context, req AIRequest, opts ...CallOption) (*AIResult, error) {
	coreReq := req.toRequest()
	if err := coreReq.Validate(); err != nil {
		return nil, err
	}
	sel, o := applyCallOptions(g.ai, opts)

	cacheable := g.aiTTL > 0
	key := ""
	if cacheable {
		key = "ai:" + selectionKey(sel) + promptHash(coreReq)
		if !o.noCache {
			var cached AIResult
			if g.lookup(ctx, key, &cached) {
				cached.Cached = true
				return &cached, nil
			}
		}
	}

	res, err := g.resolver.Resolve(ctx, core.KindAIService, coreReq, sel)
	if err != nil {
		return nil, err
	}
	if res.Response.Completion == nil {
		return nil, core.Errorf(res.Provider, core.ErrorData, "响应中没有补全内容")
	}

	out := &AIResult{
		Completion: *res.Response.Completion,
		Provider:   res.Provider,
		RequestID:  res.RequestID,
		Attempts:   res.Attempts,
		Skipped:    res.Skipped,
	}
	if cacheable {
		g.store(ctx, key, AIResult{Completion: out.Completion, Provider: out.Provider}, g.aiTTL)
	}
	return out, nil
}

// lookup 缓存读取失败一律按未命中处理
func (g *Gateway) lookup(ctx context.Context, key string, dst interface{}) bool {
	if g.cache == nil {
		return false
	}
	raw, err := g.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			g.logger.WithError(err).WithField("key", key).Warn("读取缓存失败")
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		g.logger.WithError(err).WithField("key", key).Warn("缓存内容无法解析，已删除")
		_ = g.cache.Delete(ctx, key)
		return false
	}
	return true
}

func (g *Gateway) store(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if g.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		g.logger.WithError(err).Warn("序列化缓存内容失败")
		return
	}
	if err := g.cache.Set(ctx, key, raw, ttl); err != nil {
		g.logger.WithError(err).WithField("key", key).Warn("写入缓存失败")
	}
}

func (r AIRequest) toRequest() core.Request {
	msgs := r.Messages
	if len(msgs) == 0 && strings.TrimSpace(r.Prompt) != "" {
		if r.System != "" {
			msgs = append(msgs, core.Message{Role: "system", Content: r.System})
		}
		msgs = append(msgs, core.Message{Role: "user", Content: r.Prompt})
	}
	return core.Request{
		Kind:        core.KindAIService,
		Messages:    msgs,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	}
}

// selectionKey 手动模式下缓存按提供商隔离
func selectionKey(sel selector.Selection) string {
	if sel.Mode == selector.ModeManual {
		return sel.Provider + ":"
	}
	return ""
}

func promptHash(req core.Request) string {
	raw, _ := json.Marshal(struct {
		Messages    []core.Message `json:"m"`
		Temperature *float64       `json:"t,omitempty"`
		MaxTokens   *int           `json:"n,omitempty"`
	}{req.Messages, req.Temperature, req.MaxTokens})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
