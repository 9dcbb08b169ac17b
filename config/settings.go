package config

import (
	"fmt"
	"strconv"
)

// 运行时设置在数据库中的键
const (
	SettingFrequency      = "trading_frequency_minutes"
	SettingCommissionRate = "commission_rate"
	SettingMinCommission  = "min_commission"
	SettingTransferRate   = "transfer_rate"
	SettingStampDutyRate  = "stamp_duty_rate"
)

// RuntimeSettings 可在运行中修改的设置（交易频率与费率）
type RuntimeSettings struct {
	FrequencyMinutes int       `json:"trading_frequency_minutes"`
	Fees             FeeConfig `json:"fees"`
}

// SettingsUpdate 部分更新，nil 字段保持不变
type SettingsUpdate struct {
	FrequencyMinutes *int     `json:"trading_frequency_minutes"`
	CommissionRate   *float64 `json:"commission_rate"`
	MinCommission    *float64 `json:"min_commission"`
	TransferRate     *float64 `json:"transfer_rate"`
	StampDutyRate    *float64 `json:"stamp_duty_rate"`
}

// Runtime 从配置中取出运行时设置
func (c *Config) Runtime() RuntimeSettings {
	return RuntimeSettings{FrequencyMinutes: c.Trading.FrequencyMinutes, Fees: c.Fees}
}

// Validate 校验运行时设置
func (s RuntimeSettings) Validate() error {
	if err := ValidateFrequency(s.FrequencyMinutes); err != nil {
		return err
	}
	return ValidateFees(s.Fees)
}

// Apply 返回应用更新后的设置，不修改接收者
func (s RuntimeSettings) Apply(u SettingsUpdate) (RuntimeSettings, error) {
	next := s
	if u.FrequencyMinutes != nil {
		next.FrequencyMinutes = *u.FrequencyMinutes
	}
	if u.CommissionRate != nil {
		next.Fees.CommissionRate = *u.CommissionRate
	}
	if u.MinCommission != nil {
		next.Fees.MinCommission = *u.MinCommission
	}
	if u.TransferRate != nil {
		next.Fees.TransferRate = *u.TransferRate
	}
	if u.StampDutyRate != nil {
		next.Fees.StampDutyRate = *u.StampDutyRate
	}
	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}

// ToMap 序列化为键值对（用于持久化）
func (s RuntimeSettings) ToMap() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return map[string]string{
		SettingFrequency:      strconv.Itoa(s.FrequencyMinutes),
		SettingCommissionRate: f(s.Fees.CommissionRate),
		SettingMinCommission:  f(s.Fees.MinCommission),
		SettingTransferRate:   f(s.Fees.TransferRate),
		SettingStampDutyRate:  f(s.Fees.StampDutyRate),
	}
}

// MergeStored 用数据库中保存的值覆盖，缺失的键保持原值
func (s RuntimeSettings) MergeStored(stored map[string]string) (RuntimeSettings, error) {
	next := s
	if v, ok := stored[SettingFrequency]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("解析设置 %s 失败: %w", SettingFrequency, err)
		}
		next.FrequencyMinutes = n
	}
	floats := map[string]*float64{
		SettingCommissionRate: &next.Fees.CommissionRate,
		SettingMinCommission:  &next.Fees.MinCommission,
		SettingTransferRate:   &next.Fees.TransferRate,
		SettingStampDutyRate:  &next.Fees.StampDutyRate,
	}
	for key, dst := range floats {
		v, ok := stored[key]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return s, fmt.Errorf("解析设置 %s 失败: %w", key, err)
		}
		*dst = f
	}
	if err := next.Validate(); err != nil {
		return s, fmt.Errorf("已保存的设置无效: %w", err)
	}
	return next, nil
}
