package calendar

import (
	"time"

	"stockarena/utils"
)

// Session 交易时段
type Session string

const (
	SessionPreOpen     Session = "pre_open"
	SessionMorning     Session = "morning"
	SessionMiddayBreak Session = "midday_break"
	SessionAfternoon   Session = "afternoon"
	SessionPostClose   Session = "post_close"
	SessionHoliday     Session = "holiday"
	SessionWeekend     Session = "weekend"
)

// 连续竞价时段（分钟，东8区）
const (
	morningOpen    = 9*60 + 30
	morningClose   = 11*60 + 30
	afternoonOpen  = 13 * 60
	afternoonClose = 15 * 60
)

// Status 某一时刻的市场状态
type Status struct {
	Session    Session   `json:"session"`
	Tradable   bool      `json:"tradable"`
	NextOpen   time.Time `json:"next_open"`
	TradingDay string    `json:"trading_day"`
	Reason     string    `json:"reason"`
	ServerTime time.Time `json:"server_time"`
}

// Oracle 交易时段判定器，构造后只读，可并发使用
type Oracle struct {
	holidays map[string]struct{}
	workdays map[string]struct{}
}

// NewOracle 根据交易日历创建判定器
func NewOracle(table *Table) *Oracle {
	o := &Oracle{
		holidays: make(map[string]struct{}),
		workdays: make(map[string]struct{}),
	}
	if table == nil {
		return o
	}
	for _, d := range table.Holidays {
		o.holidays[d] = struct{}{}
	}
	for _, d := range table.Workdays {
		o.workdays[d] = struct{}{}
	}
	return o
}

// NewDefaultOracle 使用内置日历创建判定器
func NewDefaultOracle() (*Oracle, error) {
	table, err := DefaultTable()
	if err != nil {
		return nil, err
	}
	return NewOracle(table), nil
}

// IsHoliday 是否为法定休市日
func (o *Oracle) IsHoliday(date time.Time) bool {
	_, ok := o.holidays[utils.FormatDate(date)]
	return ok
}

// IsTradingDay 调休工作日视为交易日，休市日不是，其余按周一至周五判断
func (o *Oracle) IsTradingDay(date time.Time) bool {
	key := utils.FormatDate(date)
	if _, ok := o.workdays[key]; ok {
		return true
	}
	if _, ok := o.holidays[key]; ok {
		return false
	}
	wd := utils.InChina(date).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// NextTradingDay 返回 date 之后（不含当天）的第一个交易日
func (o *Oracle) NextTradingDay(date time.Time) time.Time {
	d := utils.DateOf(date)
	for {
		d = d.AddDate(0, 0, 1)
		if o.IsTradingDay(d) {
			return d
		}
	}
}

// NextSellableDate 买入成交后最早可卖出的日期（T+1）
func (o *Oracle) NextSellableDate(fill time.Time) string {
	return utils.FormatDate(o.NextTradingDay(fill))
}

// Status 返回 t 时刻（按上海时间解释）的市场状态
func (o *Oracle) Status(t time.Time) Status {
	now := utils.InChina(t)
	st := Status{
		TradingDay: utils.FormatDate(now),
		ServerTime: now,
	}

	if !o.IsTradingDay(now) {
		if o.IsHoliday(now) {
			st.Session = SessionHoliday
			st.Reason = "Holiday"
		} else {
			st.Session = SessionWeekend
			st.Reason = "Weekend"
		}
		st.NextOpen = o.nextOpen(now)
		return st
	}

	minute := now.Hour()*60 + now.Minute()
	switch {
	case minute >= morningOpen && minute < morningClose:
		st.Session = SessionMorning
		st.Tradable = true
		return st
	case minute >= afternoonOpen && minute < afternoonClose:
		st.Session = SessionAfternoon
		st.Tradable = true
		return st
	case minute < morningOpen:
		st.Session = SessionPreOpen
		st.Reason = "Pre-market"
	case minute < afternoonOpen:
		st.Session = SessionMiddayBreak
		st.Reason = "Midday break"
	default:
		st.Session = SessionPostClose
		st.Reason = "Post-market"
	}
	st.NextOpen = o.nextOpen(now)
	return st
}

// IsOpen 是否处于连续竞价时段
func (o *Oracle) IsOpen(t time.Time) bool {
	return o.Status(t).Tradable
}

func (o *Oracle) nextOpen(now time.Time) time.Time {
	if o.IsTradingDay(now) {
		minute := now.Hour()*60 + now.Minute()
		if minute < morningOpen {
			return utils.At(now, 9, 30)
		}
		if minute >= morningClose && minute < afternoonOpen {
			return utils.At(now, 13, 0)
		}
	}
	return utils.At(o.NextTradingDay(now), 9, 30)
}
