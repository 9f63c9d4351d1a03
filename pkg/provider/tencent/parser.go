package tencent

import (
	"io"
	"strconv"
	"strings"
	"time"

	"stockrelay/pkg/provider/core"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// 腾讯行情以 ~ 分隔，至少需要这么多字段才认为是完整记录
const minFields = 50

// gbkToUtf8 将GBK编码转换为UTF-8
func gbkToUtf8(gbkStr string) string {
	if gbkStr == "" {
		return ""
	}

	reader := transform.NewReader(strings.NewReader(gbkStr), simplifiedchinese.GBK.NewDecoder())
	data, err := io.ReadAll(reader)
	if err != nil {
		return gbkStr
	}

	return string(data)
}

// parseTencentData 解析腾讯返回的数据
// 形如 v_sh600519="1~贵州茅台~600519~1700.00~...";
// 字段不足的记录（包括 v_pv_none_match 这种未知代码的返回）直接忽略
func parseTencentData(data string) []core.StockInfo {
	if data == "" {
		return []core.StockInfo{}
	}

	data = strings.TrimSpace(data)
	stocks := strings.Split(data, ";")
	results := make([]core.StockInfo, 0, len(stocks))

	for _, stock := range stocks {
		stock = strings.TrimSpace(stock)
		if stock == "" {
			continue
		}

		equalIndex := strings.Index(stock, "=")
		if equalIndex == -1 || equalIndex+1 >= len(stock) {
			continue
		}

		dataPart := stock[equalIndex+1:]
		dataPart = strings.Trim(dataPart, "\"")
		fields := strings.Split(dataPart, "~")

		if len(fields) < minFields {
			continue
		}

		info := core.StockInfo{
			Symbol:        core.NormalizeSymbol(fields[2]),
			Name:          gbkToUtf8(fields[1]),
			Price:         parseFloat(fields[3]),
			PrevClose:     parseFloat(fields[4]),
			Open:          parseFloat(fields[5]),
			Volume:        parseInt(fields[6]) * 100, // 手 -> 股
			Change:        parseFloat(fields[31]),
			ChangePercent: parseFloat(fields[32]),
			High:          parseFloat(fields[33]),
			Low:           parseFloat(fields[34]),
			Turnover:      parseTurnover(fields[35]),
			Timestamp:     parseTime(fields[30]),
		}

		results = append(results, info)
	}

	return results
}

// parseFloat 安全解析浮点数
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return val
}

// parseInt 安全解析整数
func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val
}

// parseTime 解析时间戳，格式为 20060102150405 或 200601021504
func parseTime(timeStr string) time.Time {
	var layout string
	switch len(timeStr) {
	case 14:
		layout = "20060102150405"
	case 12:
		layout = "200601021504"
	default:
		return time.Now()
	}

	t, err := time.ParseInLocation(layout, timeStr, shanghai)
	if err != nil {
		return time.Now()
	}

	return t
}

// parseTurnover 从 最新价/成交量(手)/成交额(元) 复合字段中提取成交额
func parseTurnover(s string) float64 {
	if s == "" {
		return 0
	}

	parts := strings.Split(s, "/")
	if len(parts) >= 3 {
		return parseFloat(parts[2])
	}
	return parseFloat(s)
}

var shanghai = loadShanghai()

func loadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}
