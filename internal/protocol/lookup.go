package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lookup 按 keys 逐层读取嵌套的 map/list，路径缺失、值为 nil 或空字符串时返回 nil。
// 整数 key 用于下标访问列表，字符串 key 用于访问 map。
func Lookup(data any, keys ...any) any {
	current := data
	for _, key := range keys {
		switch node := current.(type) {
		case map[string]any:
			k, ok := key.(string)
			if !ok {
				return nil
			}
			current, ok = node[k]
			if !ok {
				return nil
			}
		case []any:
			i, ok := key.(int)
			if !ok || i < 0 || i >= len(node) {
				return nil
			}
			current = node[i]
		default:
			return nil
		}
	}
	if s, ok := current.(string); ok && s == "" {
		return nil
	}
	return current
}

// LookupString 返回 Lookup 结果的字符串形式，缺失时返回空串。
func LookupString(data any, keys ...any) string {
	return asString(Lookup(data, keys...))
}

// truthy 按 JSON 值的常见语义判断是否“有值”。
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// number 尝试把 JSON 值转换为 float64。
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
