package core

import (
	"fmt"
	"strings"
	"time"
)

// Request 归一化后的请求
// 数据源请求使用 Symbol，AI 请求使用 Messages
type Request struct {
	ID   string `json:"id,omitempty"`
	Kind Kind   `json:"kind"`

	// 数据源
	Symbol string `json:"symbol,omitempty"`

	// AI 服务
	Messages    []Message `json:"messages,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// Message 对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StockRequest 构造行情请求
func StockRequest(symbol string) Request {
	return Request{Kind: KindDataSource, Symbol: symbol}
}

// PromptRequest 构造单轮对话请求
func PromptRequest(prompt string) Request {
	return Request{
		Kind:     KindAIService,
		Messages: []Message{{Role: "user", Content: prompt}},
	}
}

// Validate 检查请求是否满足其类别的最低要求
func (r Request) Validate() error {
	switch r.Kind {
	case KindDataSource:
		if strings.TrimSpace(r.Symbol) == "" {
			return ErrEmptySymbol
		}
		if !IsASymbol(NormalizeSymbol(r.Symbol)) {
			return fmt.Errorf("%w: %s", ErrInvalidSymbol, r.Symbol)
		}
	case KindAIService:
		if len(r.Messages) == 0 {
			return ErrEmptyPrompt
		}
	default:
		return ErrUnsupportedKind
	}
	return nil
}

// StockInfo 股票基础行情
type StockInfo struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	PrevClose     float64   `json:"prev_close"`
	Volume        int64     `json:"volume"`   // 成交量(股)
	Turnover      float64   `json:"turnover"` // 成交额(元)
	Timestamp     time.Time `json:"timestamp"`
}

// Usage token 用量
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion AI 补全结果
type Completion struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Response 提供商返回的归一化结果，按请求类别只填充其中之一
type Response struct {
	Stock      *StockInfo  `json:"stock,omitempty"`
	Completion *Completion `json:"completion,omitempty"`
}

// IsEmpty 判断响应是否没有任何有效负载
func (r Response) IsEmpty() bool {
	return r.Stock == nil && r.Completion == nil
}
