// Package static 内置股票名称表，作为数据源回退链的最后一环
// 只提供名称，不提供价格
package static

import (
	"context"
	"fmt"
	"time"

	"stockrelay/pkg/provider/core"
)

// DefaultNames 常见股票名称
var DefaultNames = map[string]string{
	"600519": "贵州茅台",
	"000001": "平安银行",
	"300750": "宁德时代",
	"601318": "中国平安",
	"600036": "招商银行",
	"000858": "五粮液",
	"002594": "比亚迪",
	"600900": "长江电力",
	"601012": "隆基绿能",
	"000333": "美的集团",
}

// Provider 静态名称表提供商
type Provider struct {
	name  string
	names map[string]string
	now   func() time.Time
}

// NewProvider 创建静态提供商，extra 覆盖或补充默认名称表
func NewProvider(name string, extra map[string]string) *Provider {
	if name == "" {
		name = "static"
	}
	names := make(map[string]string, len(DefaultNames)+len(extra))
	for k, v := range DefaultNames {
		names[k] = v
	}
	for k, v := range extra {
		names[core.NormalizeSymbol(k)] = v
	}
	return &Provider{name: name, names: names, now: time.Now}
}

// Name 返回提供商名称
func (p *Provider) Name() string { return p.name }

// Kind 返回提供商类别
func (p *Provider) Kind() core.Kind { return core.KindDataSource }

// Lookup 查询股票名称
func (p *Provider) Lookup(symbol string) (string, bool) {
	name, ok := p.names[core.NormalizeSymbol(symbol)]
	return name, ok
}

// Fetch 返回只有代码和名称的行情
func (p *Provider) Fetch(_ context.Context, req core.Request) (core.Response, error) {
	symbol := core.NormalizeSymbol(req.Symbol)
	name, ok := p.names[symbol]
	if !ok {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("symbol %s not in name map", symbol))
	}
	return core.Response{Stock: &core.StockInfo{
		Symbol:    symbol,
		Name:      name,
		Timestamp: p.now(),
	}}, nil
}

var _ core.Client = (*Provider)(nil)
