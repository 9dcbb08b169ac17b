package calendar

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"stockarena/utils"
)

//go:embed calendar.yaml
var defaultTableYAML []byte

// Table 休市日与调休工作日表（日期格式 2006-01-02）
type Table struct {
	Holidays []string `yaml:"holidays"`
	Workdays []string `yaml:"workdays"`
}

// DefaultTable 返回内置的交易日历
func DefaultTable() (*Table, error) {
	return ParseTable(defaultTableYAML)
}

// LoadTable 从 YAML 文件加载交易日历，path 为空时使用内置日历
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取交易日历文件失败: %w", err)
	}
	return ParseTable(data)
}

// ParseTable 解析并校验交易日历
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("解析交易日历失败: %w", err)
	}
	for _, d := range t.Holidays {
		if _, err := utils.ParseDate(d); err != nil {
			return nil, fmt.Errorf("休市日格式错误 %q: %w", d, err)
		}
	}
	for _, d := range t.Workdays {
		if _, err := utils.ParseDate(d); err != nil {
			return nil, fmt.Errorf("调休工作日格式错误 %q: %w", d, err)
		}
	}
	return &t, nil
}
