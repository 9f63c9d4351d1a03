package core

import (
	"strings"
)

// Market A股交易所
type Market string

const (
	MarketSH Market = "sh" // 上交所
	MarketSZ Market = "sz" // 深交所
	MarketBJ Market = "bj" // 北交所
)

// NormalizeSymbol 去掉常见的交易所前后缀，返回6位代码
// 支持 sh600519、600519.SH、SZ000001 等写法
func NormalizeSymbol(symbol string) string {
	s := strings.ToLower(strings.TrimSpace(symbol))
	for _, p := range []string{"sh", "sz", "bj"} {
		s = strings.TrimPrefix(s, p)
		s = strings.TrimSuffix(s, "."+p)
	}
	return s
}

// IsASymbol 检查是否为受支持的6位A股代码
func IsASymbol(symbol string) bool {
	if len(symbol) != 6 {
		return false
	}
	for _, c := range symbol {
		if c < '0' || c > '9' {
			return false
		}
	}

	switch {
	case strings.HasPrefix(symbol, "6"): // 上海主板、科创板
		return true
	case strings.HasPrefix(symbol, "0"), strings.HasPrefix(symbol, "3"): // 深圳主板、创业板
		return true
	case strings.HasPrefix(symbol, "4"), strings.HasPrefix(symbol, "8"), strings.HasPrefix(symbol, "920"): // 北交所
		return true
	}
	return false
}

// MarketOf 根据股票代码判断交易所
func MarketOf(symbol string) Market {
	switch {
	case strings.HasPrefix(symbol, "6") || strings.HasPrefix(symbol, "5"):
		return MarketSH
	case strings.HasPrefix(symbol, "0") || strings.HasPrefix(symbol, "3"):
		return MarketSZ
	case strings.HasPrefix(symbol, "4") || strings.HasPrefix(symbol, "8") || strings.HasPrefix(symbol, "9"):
		return MarketBJ
	default:
		return MarketSH
	}
}
