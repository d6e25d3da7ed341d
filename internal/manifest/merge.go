package manifest

// DeepMerge 返回 base 与 updates 的合并结果。两侧都是 map 时递归合并，
// 否则以 updates 的值为准。base 不会被修改。
func DeepMerge(base, updates map[string]any) map[string]any {
	result := CloneMap(base)
	if result == nil {
		result = make(map[string]any, len(updates))
	}
	for key, value := range updates {
		incoming, incomingIsMap := value.(map[string]any)
		existing, existingIsMap := result[key].(map[string]any)
		if incomingIsMap && existingIsMap {
			result[key] = DeepMerge(existing, incoming)
			continue
		}
		result[key] = cloneValue(value)
	}
	return result
}

// CloneMap 深拷贝一个 JSON 风格的 map。
func CloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}
