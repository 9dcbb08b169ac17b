package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 配置变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "trading.frequency_minutes"、"models[deepseek].universe"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// 日志中不输出明文的字段
var secretFields = map[string]bool{
	"api_key":  true,
	"password": true,
	"dsn":      true,
}

const maskedValue = "******"

// DiffConfig 对比两个配置，生成差异
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	d := &ConfigDiff{Changes: []ConfigChange{}}

	oldVal := reflect.ValueOf(*oldConfig)
	newVal := reflect.ValueOf(*newConfig)
	typ := oldVal.Type()
	for i := 0; i < typ.NumField(); i++ {
		name := yamlName(typ.Field(i))
		if name == "" {
			continue
		}
		if name == "models" {
			d.compareModels(oldConfig.Models, newConfig.Models)
			continue
		}
		d.compare(oldVal.Field(i), newVal.Field(i), name)
	}

	for _, change := range d.Changes {
		if change.RequiresRestart {
			d.RequiresRestart = true
			break
		}
	}
	return d
}

func yamlName(field reflect.StructField) string {
	tag := field.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	return strings.Split(tag, ",")[0]
}

// compare 结构体逐字段递归，其余类型整体比较
func (d *ConfigDiff) compare(oldVal, newVal reflect.Value, path string) {
	if oldVal.Kind() == reflect.Struct {
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			name := yamlName(typ.Field(i))
			if name == "" {
				continue
			}
			d.compare(oldVal.Field(i), newVal.Field(i), path+"."+name)
		}
		return
	}

	if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
		d.addChange(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
	}
}

// compareModels 模型按名称匹配，顺序调整不算变更
func (d *ConfigDiff) compareModels(oldModels, newModels []ModelConfig) {
	oldByName := make(map[string]ModelConfig, len(oldModels))
	for _, m := range oldModels {
		oldByName[m.Name] = m
	}
	seen := make(map[string]bool, len(newModels))
	for _, m := range newModels {
		seen[m.Name] = true
		path := fmt.Sprintf("models[%s]", m.Name)
		prev, ok := oldByName[m.Name]
		if !ok {
			d.addChange(path, ChangeTypeAdded, nil, m)
			continue
		}
		d.compare(reflect.ValueOf(prev), reflect.ValueOf(m), path)
	}
	for _, m := range oldModels {
		if !seen[m.Name] {
			d.addChange(fmt.Sprintf("models[%s]", m.Name), ChangeTypeDeleted, m, nil)
		}
	}
}

func (d *ConfigDiff) addChange(path string, changeType ChangeType, oldValue, newValue interface{}) {
	if secretFields[path[strings.LastIndex(path, ".")+1:]] {
		oldValue, newValue = maskedValue, maskedValue
	}
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            changeType,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: !HotReloadable(path),
	})
}

// HotReloadable 判断配置路径是否可以在运行时生效（仅交易频率与费率）
func HotReloadable(path string) bool {
	return path == "trading.frequency_minutes" || path == "fees" || strings.HasPrefix(path, "fees.")
}
