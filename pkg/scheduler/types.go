package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockrelay/pkg/gateway"
)

// DefaultStockList 未配置 STOCK_LIST 时的自选股
var DefaultStockList = []string{"600519", "000001", "300750"}

// Config 批量任务配置
type Config struct {
	StockList       []string      `mapstructure:"stock_list" yaml:"stock_list"`
	MaxWorkers      int           `mapstructure:"max_workers" yaml:"max_workers"`
	ScheduleEnabled bool          `mapstructure:"schedule_enabled" yaml:"schedule_enabled"`
	ScheduleTime    string        `mapstructure:"schedule_time" yaml:"schedule_time"` // HH:MM，北京时间
	SkipWeekends    bool          `mapstructure:"skip_weekends" yaml:"skip_weekends"`
	Analyze         bool          `mapstructure:"analyze" yaml:"analyze"`   // 行情之后追加一次AI分析
	EnvFile         string        `mapstructure:"env_file" yaml:"env_file"` // 每次运行前重新读取其中的 STOCK_LIST
	RunTimeout      time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	AbortAfter      int           `mapstructure:"abort_after" yaml:"abort_after"` // 连续失败多少只后停止本批次，0 表示不熔断
}

// DefaultConfig 默认批量任务配置
func DefaultConfig() Config {
	return Config{
		StockList:       append([]string(nil), DefaultStockList...),
		MaxWorkers:      3,
		ScheduleEnabled: false,
		ScheduleTime:    "18:00",
		SkipWeekends:    true,
		Analyze:         false,
		EnvFile:         ".env",
		RunTimeout:      30 * time.Minute,
		AbortAfter:      5,
	}
}

// Validate 校验批量任务配置
func (c Config) Validate() error {
	var errs []error
	if c.MaxWorkers <= 0 {
		errs = append(errs, errors.New("batch.max_workers 必须为正数"))
	}
	if _, _, err := ParseScheduleTime(c.ScheduleTime); err != nil {
		errs = append(errs, err)
	}
	if c.RunTimeout < 0 {
		errs = append(errs, errors.New("batch.run_timeout 不能为负数"))
	}
	if c.AbortAfter < 0 {
		errs = append(errs, errors.New("batch.abort_after 不能为负数"))
	}
	return errors.Join(errs...)
}

// ParseScheduleTime 解析 HH:MM
func ParseScheduleTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("无效的调度时间 '%s'，应为 HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseStockList 解析逗号分隔的股票列表，忽略空白项
func ParseStockList(s string) []string {
	var list []string
	for _, code := range strings.Split(s, ",") {
		if code = strings.TrimSpace(code); code != "" {
			list = append(list, code)
		}
	}
	return list
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusStopped  JobStatus = "stopped"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// Item 单只股票的处理结果
type Item struct {
	Symbol     string               `json:"symbol"`
	Stock      *gateway.StockResult `json:"stock,omitempty"`
	Analysis   *gateway.AIResult    `json:"analysis,omitempty"`
	Err        error                `json:"-"`
	Error      string               `json:"error,omitempty"`
	DurationMs int64                `json:"duration_ms"`
}

// Report 一次批量运行的汇总
type Report struct {
	RunID     string    `json:"run_id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Items     []Item    `json:"items"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   bool      `json:"skipped"` // 非交易日跳过
	Aborted   bool      `json:"aborted"` // 连续失败触发熔断
}

// Gateway 批量任务依赖的查询入口
type Gateway interface {
	GetStockInfo(ctx context.Context, symbol string, opts ...gateway.CallOption) (*gateway.StockResult, error)
	GetAIResponse(ctx context.Context, req gateway.AIRequest, opts ...gateway.CallOption) (*gateway.AIResult, error)
}
