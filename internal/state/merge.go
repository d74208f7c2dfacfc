package state

// Merge deep-merges patch into base and returns the result. Neither
// argument is modified.
//
// Objects merge recursively, arrays replace wholesale and scalars
// (including null) replace.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range patch {
		out[k] = mergeValue(out[k], v)
	}
	return out
}

func mergeValue(target, source any) any {
	switch src := source.(type) {
	case map[string]any:
		if dst, ok := target.(map[string]any); ok {
			return Merge(dst, src)
		}
		return Merge(nil, src)
	default:
		return cloneValue(source)
	}
}

// cloneValue copies maps and slices so merged results never alias inputs.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return Merge(nil, x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
