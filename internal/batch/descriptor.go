// Package batch applies grouped field updates to stored profiles inside
// nested checkpoints, isolating failures to the fewest records possible.
package batch

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/sells-group/profile-reconciler/internal/model"
)

// FieldWrite is one declarative field update.
type FieldWrite struct {
	Field  string            `json:"field"`
	Value  any               `json:"value"`
	Source string            `json:"source"`
	Policy model.WritePolicy `json:"policy,omitempty"`
	// Provenance is recorded when the write changes the field. Source,
	// enriched_at and pipeline_version are filled in when blank.
	Provenance *model.FieldProvenance `json:"provenance,omitempty"`
}

// Instruction is the set of writes for one record.
type Instruction struct {
	RecordID string       `json:"record_id"`
	Writes   []FieldWrite `json:"writes"`
}

// Apply combines newValue with existing under policy and reports whether the
// stored value changes. Unknown policies behave like PolicyAlways.
func Apply(policy model.WritePolicy, existing, newValue any) (any, bool) {
	switch policy {
	case model.PolicyFillOnly:
		if model.IsEmptyValue(existing) {
			return newValue, !model.IsEmptyValue(newValue)
		}
		return existing, false

	case model.PolicyUpgradeOnlyNumeric:
		n, ok := toFloat(newValue)
		if !ok {
			return existing, false
		}
		if cur, ok := toFloat(existing); ok && n <= cur {
			return existing, false
		}
		return newValue, true

	case model.PolicyAppendOnlyList:
		return appendList(existing, newValue)

	case model.PolicyJSONDeepMerge:
		newMap, ok := asMap(newValue)
		if !ok {
			return existing, false
		}
		curMap, ok := asMap(existing)
		if !ok {
			return newMap, true
		}
		merged := deepMerge(curMap, newMap)
		return merged, !reflect.DeepEqual(curMap, merged)
	}
	return newValue, !equalValues(existing, newValue)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(t, ",", "")), 64)
		return f, err == nil
	}
	return 0, false
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	if model.IsEmptyValue(v) {
		return nil
	}
	return []any{v}
}

// appendList unions the items of newValue into existing, keeping the order
// of first appearance.
func appendList(existing, newValue any) (any, bool) {
	cur := asList(existing)
	out := make([]any, 0, len(cur))
	seen := make(map[string]bool, len(cur))
	for _, item := range cur {
		k := itemKey(item)
		if !seen[k] {
			seen[k] = true
			out = append(out, item)
		}
	}
	added := false
	for _, item := range asList(newValue) {
		k := itemKey(item)
		if seen[k] || model.IsEmptyValue(item) {
			continue
		}
		seen[k] = true
		out = append(out, item)
		added = true
	}
	if !added {
		return existing, false
	}
	return out, true
}

func itemKey(v any) string {
	if s, ok := v.(string); ok {
		return "s:" + strings.ToLower(strings.TrimSpace(s))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("v:%v", v)
	}
	return "j:" + string(b)
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// deepMerge returns a new map with src merged into dst. Nested objects merge
// recursively; any other value in src replaces the one in dst.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// equalValues compares values the way they are stored, so 1 and 1.0 match.
func equalValues(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
