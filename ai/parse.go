package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stockarena/order"
)

// ParseDecisions 解析大模型返回的决策
//
// 支持 ```json 代码块、前后夹杂说明文字、{"decisions": ...} 包装，
// 以及以代码为键的对象或带 instrument/symbol/ticker 字段的数组。
// 单条决策结构不合法时仍然返回，由执行器记为 invalid_proposal。
func ParseDecisions(text string) ([]order.RawProposal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []order.RawProposal{}, nil
	}

	var lastErr error
	for _, candidate := range candidates(text) {
		proposals, err := decodePayload([]byte(candidate))
		if err == nil {
			return proposals, nil
		}
		lastErr = err
	}
	return nil, &AIError{
		Code:    CodeInvalidResponse,
		Message: "无法解析决策内容",
		Err:     lastErr,
	}
}

// candidates 去掉代码块后依次尝试：全文、首个 { 到最后一个 } 或 [ 到 ]、原始文本
func candidates(text string) []string {
	cleaned := text
	if i := strings.Index(cleaned, "```json"); i >= 0 {
		cleaned = cleaned[i+len("```json"):]
		if j := strings.Index(cleaned, "```"); j >= 0 {
			cleaned = cleaned[:j]
		}
	} else if i := strings.Index(cleaned, "```"); i >= 0 {
		cleaned = cleaned[i+3:]
		if j := strings.Index(cleaned, "```"); j >= 0 {
			cleaned = cleaned[:j]
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		for _, c := range out {
			if c == s {
				return
			}
		}
		out = append(out, s)
	}
	add(cleaned)
	add(extractJSON(cleaned, '{', '}'))
	add(extractJSON(cleaned, '[', ']'))
	add(text)
	return out
}

// extractJSON 截取第一个 open 到最后一个 close 之间的内容
func extractJSON(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start != -1 && end > start {
		return text[start : end+1]
	}
	return ""
}

type entry struct {
	key   string
	value json.RawMessage
}

func decodePayload(data []byte) ([]order.RawProposal, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("内容为空")
	}

	switch data[0] {
	case '{':
		entries, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.key == "decisions" {
				return decodePayload(e.value)
			}
		}
		return fromObject(entries), nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("解析决策数组失败: %w", err)
		}
		return fromList(items), nil
	default:
		return nil, errors.New("不是 JSON 对象或数组")
	}
}

// decodeObject 按出现顺序解码对象的键值
func decodeObject(data []byte) ([]entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("解析决策对象失败: %w", err)
	}
	var entries []entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("解析决策对象失败: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("对象键类型无效: %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("解析 %s 失败: %w", key, err)
		}
		entries = append(entries, entry{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("解析决策对象失败: %w", err)
	}
	if dec.More() {
		return nil, errors.New("对象后存在多余内容")
	}
	return entries, nil
}

func fromObject(entries []entry) []order.RawProposal {
	out := make([]order.RawProposal, 0, len(entries))
	for _, e := range entries {
		fields, ok := decodeFields(e.value)
		if !ok {
			// 值不是对象，保留代码交给执行器拒绝
			out = append(out, order.RawProposal{Symbol: e.key})
			continue
		}
		out = append(out, toProposal(e.key, fields))
	}
	return out
}

func fromList(items []json.RawMessage) []order.RawProposal {
	out := make([]order.RawProposal, 0, len(items))
	for _, item := range items {
		fields, ok := decodeFields(item)
		if !ok {
			continue
		}
		symbol := firstString(fields, "instrument", "symbol", "ticker")
		if symbol == "" {
			continue
		}
		out = append(out, toProposal(symbol, fields))
	}
	return out
}

func decodeFields(raw json.RawMessage) (map[string]interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func toProposal(symbol string, fields map[string]interface{}) order.RawProposal {
	p := order.RawProposal{
		Symbol:        symbol,
		Quantity:      fields["quantity"],
		Justification: firstString(fields, "justification", "reason"),
	}
	if s, ok := fields["signal"].(string); ok {
		p.Signal = s
	}
	return p
}

func firstString(fields map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
