package tencent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// tencentLine 构造一条腾讯格式的行情记录，名称按GBK编码
func tencentLine(t *testing.T, prefix, symbol, name string) string {
	t.Helper()

	gbkName, err := simplifiedchinese.GBK.NewEncoder().String(name)
	require.NoError(t, err)

	fields := make([]string, 52)
	for i := range fields {
		fields[i] = "0"
	}
	fields[0] = "1"
	fields[1] = gbkName
	fields[2] = symbol
	fields[3] = "1700.50"
	fields[4] = "1680.00"
	fields[5] = "1685.00"
	fields[6] = "23456"
	fields[30] = "20260302150003"
	fields[31] = "20.50"
	fields[32] = "1.22"
	fields[33] = "1710.00"
	fields[34] = "1679.00"
	fields[35] = "1700.50/23456/3987654321"

	return "v_" + prefix + symbol + "=\"" + strings.Join(fields, "~") + "\";"
}

func TestParseTencentData(t *testing.T) {
	t.Run("正常解析", func(t *testing.T) {
		data := tencentLine(t, "sh", "600519", "贵州茅台") + "\n" + tencentLine(t, "sz", "000001", "平安银行")

		stocks := parseTencentData(data)
		require.Len(t, stocks, 2)

		s := stocks[0]
		assert.Equal(t, "600519", s.Symbol)
		assert.Equal(t, "贵州茅台", s.Name)
		assert.Equal(t, 1700.50, s.Price)
		assert.Equal(t, 1680.00, s.PrevClose)
		assert.Equal(t, 1685.00, s.Open)
		assert.Equal(t, 1710.00, s.High)
		assert.Equal(t, 1679.00, s.Low)
		assert.Equal(t, 20.50, s.Change)
		assert.Equal(t, 1.22, s.ChangePercent)
		assert.Equal(t, int64(2345600), s.Volume, "成交量从手转换为股")
		assert.Equal(t, 3987654321.0, s.Turnover)
		assert.Equal(t, time.Date(2026, 3, 2, 7, 0, 3, 0, time.UTC), s.Timestamp.UTC())

		assert.Equal(t, "平安银行", stocks[1].Name)
	})

	t.Run("空数据解析", func(t *testing.T) {
		assert.Len(t, parseTencentData(""), 0)
	})

	t.Run("未知代码", func(t *testing.T) {
		assert.Len(t, parseTencentData(`v_pv_none_match="1";`), 0)
	})

	t.Run("不完整数据解析", func(t *testing.T) {
		assert.Len(t, parseTencentData(`v_sh600000="1~浦发银行~600000~10.00";`), 0, "不完整的数据应该被忽略")
	})
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, 123.45, parseFloat("123.45"))
	assert.Equal(t, 0.0, parseFloat("invalid"))
	assert.Equal(t, int64(42), parseInt("42"))
	assert.Equal(t, int64(0), parseInt("4.2"))
	assert.Equal(t, 5000.0, parseTurnover("10.0/500/5000"))
	assert.Equal(t, 88.0, parseTurnover("88"))
	assert.Equal(t, 0.0, parseTurnover(""))

	ts := parseTime("202603021504")
	assert.Equal(t, 15, ts.Hour())
	assert.Equal(t, 4, ts.Minute())
}
