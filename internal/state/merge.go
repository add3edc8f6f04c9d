// Package state holds the agent state passed through a run: the initial
// state builder and the pure delta merge applied on every node exit.
package state

// Merge applies a delta onto a base value and returns a new value.
// Neither input is mutated, so two deltas referencing the same nested
// object cannot alias each other through the merged result.
//
// Merge rules: maps merge recursively key by key, slices are replaced
// wholesale with deep-cloned elements, and primitives overwrite.
func Merge(base, delta map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		out[k] = Clone(v)
	}
	for k, v := range delta {
		existing, ok := out[k]
		if !ok {
			out[k] = Clone(v)
			continue
		}
		baseMap, baseIsMap := existing.(map[string]any)
		deltaMap, deltaIsMap := v.(map[string]any)
		if baseIsMap && deltaIsMap {
			out[k] = Merge(baseMap, deltaMap)
			continue
		}
		out[k] = Clone(v)
	}
	return out
}

// Clone deep-copies maps and slices; other values are returned as-is.
func Clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}

// CloneMap is Clone specialized for a map root; nil stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Clone(m).(map[string]any)
}
