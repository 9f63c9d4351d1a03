package timing

import (
	"time"
)

// TimeService 提供当前时间接口，用于mock测试
type TimeService interface {
	Now() time.Time
}

// SystemTimeService 使用系统实际时间
type SystemTimeService struct{}

func (s *SystemTimeService) Now() time.Time {
	return time.Now()
}

// Shanghai A股所在时区，加载失败时退回固定的 UTC+8
var Shanghai = loadShanghai()

func loadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// MarketTime 提供A股交易日与交易时段判断，所有判断按北京时间进行
type MarketTime struct {
	timeService TimeService
}

// NewMarketTime 创建新的市场时间检测器
func NewMarketTime(timeService TimeService) *MarketTime {
	return &MarketTime{
		timeService: timeService,
	}
}

// DefaultMarketTime 使用系统时间的默认市场时间检测器
func DefaultMarketTime() *MarketTime {
	return NewMarketTime(&SystemTimeService{})
}

// Now 返回当前北京时间
func (m *MarketTime) Now() time.Time {
	return m.timeService.Now().In(Shanghai)
}

// IsTradingTime 判断当前是否在交易时段
// 上午 09:30-11:30，下午 13:00-15:00
func (m *MarketTime) IsTradingTime() bool {
	now := m.Now()
	if !m.IsTradingDay(now) {
		return false
	}

	current := now.Format("15:04:05")
	return (current >= "09:30:00" && current <= "11:30:00") ||
		(current >= "13:00:00" && current <= "15:00:00")
}

// IsTradingDay 判断是否是交易日（周一到周五，不含法定节假日）
func (m *MarketTime) IsTradingDay(t time.Time) bool {
	weekday := t.In(Shanghai).Weekday()
	return weekday >= time.Monday && weekday <= time.Friday
}

// IsAfterTradingEnd 交易日收盘之后
func (m *MarketTime) IsAfterTradingEnd() bool {
	now := m.Now()
	if !m.IsTradingDay(now) {
		return false
	}
	return now.Format("15:04:05") > "15:00:00"
}

// NextTradingDay 返回 t 之后（不含当天）第一个交易日的零点
func (m *MarketTime) NextTradingDay(t time.Time) time.Time {
	t = t.In(Shanghai)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Shanghai)
	for {
		day = day.AddDate(0, 0, 1)
		if m.IsTradingDay(day) {
			return day
		}
	}
}
