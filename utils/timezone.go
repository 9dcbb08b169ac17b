package utils

import (
	"time"
)

const (
	// DateLayout 交易日期格式
	DateLayout = "2006-01-02"
)

var (
	// GlobalLocation 全局配置的时区（A股固定为东8区）
	GlobalLocation *time.Location
)

func init() {
	// 默认加载东8区时区
	SetLocation("Asia/Shanghai")
}

// SetLocation 设置全局时区
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 容器内可能缺少 tzdata，上海时区退化为固定偏移（中国无夏令时）
		if name == "UTC+8" || name == "Asia/Shanghai" {
			GlobalLocation = time.FixedZone("UTC+8", 8*60*60)
			return nil
		}
		if GlobalLocation == nil {
			GlobalLocation = time.Local
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// InChina 将时间转换为配置时区
func InChina(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}

// NowChina 获取当前配置时区的时间
func NowChina() time.Time {
	return time.Now().In(GlobalLocation)
}

// DateOf 返回时间在配置时区下的日期（零点）
func DateOf(t time.Time) time.Time {
	local := t.In(GlobalLocation)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, GlobalLocation)
}

// FormatDate 格式化为交易日期字符串
func FormatDate(t time.Time) string {
	return t.In(GlobalLocation).Format(DateLayout)
}

// ParseDate 在配置时区下解析交易日期字符串
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, GlobalLocation)
}

// At 返回指定日期在配置时区下的某个时刻
func At(date time.Time, hour, minute int) time.Time {
	y, m, d := date.In(GlobalLocation).Date()
	return time.Date(y, m, d, hour, minute, 0, 0, GlobalLocation)
}
