package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/profile-reconciler/internal/model"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name        string
		policy      model.WritePolicy
		existing    any
		newValue    any
		want        any
		wantChanged bool
	}{
		{"always replaces", model.PolicyAlways, "old", "new", "new", true},
		{"always same value", model.PolicyAlways, "same", "same", "same", false},
		{"always int vs float", model.PolicyAlways, float64(3), 3, 3, false},
		{"unknown policy acts as always", model.WritePolicy("bogus"), "a", "b", "b", true},

		{"fill_only empty existing", model.PolicyFillOnly, nil, "x", "x", true},
		{"fill_only blank existing", model.PolicyFillOnly, "  ", "x", "x", true},
		{"fill_only keeps value", model.PolicyFillOnly, "kept", "x", "kept", false},

		{"numeric upgrade", model.PolicyUpgradeOnlyNumeric, float64(10), float64(25), float64(25), true},
		{"numeric no downgrade", model.PolicyUpgradeOnlyNumeric, float64(25), float64(10), float64(25), false},
		{"numeric equal", model.PolicyUpgradeOnlyNumeric, 25, float64(25), 25, false},
		{"numeric from string", model.PolicyUpgradeOnlyNumeric, "1,200", 1500, 1500, true},
		{"numeric into empty", model.PolicyUpgradeOnlyNumeric, nil, 7, 7, true},
		{"numeric into text", model.PolicyUpgradeOnlyNumeric, "n/a", 7, 7, true},
		{"numeric rejects text", model.PolicyUpgradeOnlyNumeric, 7, "lots", 7, false},

		{"append new items", model.PolicyAppendOnlyList, []any{"a"}, []any{"b", "A"}, []any{"a", "b"}, true},
		{"append scalar to scalar", model.PolicyAppendOnlyList, "a", "b", []any{"a", "b"}, true},
		{"append nothing new", model.PolicyAppendOnlyList, []any{"a", "b"}, []any{"B"}, []any{"a", "b"}, false},
		{"append into nil", model.PolicyAppendOnlyList, nil, []string{"x", "x"}, []any{"x"}, true},
		{"append objects", model.PolicyAppendOnlyList,
			[]any{map[string]any{"k": 1}}, []any{map[string]any{"k": 1}, map[string]any{"k": 2}},
			[]any{map[string]any{"k": 1}, map[string]any{"k": 2}}, true},

		{"deep merge nested", model.PolicyJSONDeepMerge,
			map[string]any{"hq": map[string]any{"city": "Austin", "zip": "78701"}, "keep": true},
			map[string]any{"hq": map[string]any{"city": "Dallas"}},
			map[string]any{"hq": map[string]any{"city": "Dallas", "zip": "78701"}, "keep": true}, true},
		{"deep merge into scalar", model.PolicyJSONDeepMerge, "flat", map[string]any{"a": 1}, map[string]any{"a": 1}, true},
		{"deep merge no change", model.PolicyJSONDeepMerge,
			map[string]any{"a": 1}, map[string]any{"a": 1}, map[string]any{"a": 1}, false},
		{"deep merge rejects non-object", model.PolicyJSONDeepMerge, map[string]any{"a": 1}, "x", map[string]any{"a": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Apply(tt.policy, tt.existing, tt.newValue)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantChanged, changed)
		})
	}
}

func TestApply_DeepMergeDoesNotMutateExisting(t *testing.T) {
	existing := map[string]any{"hq": map[string]any{"city": "Austin"}}
	_, changed := Apply(model.PolicyJSONDeepMerge, existing, map[string]any{"hq": map[string]any{"city": "Dallas"}})
	assert.True(t, changed)
	assert.Equal(t, "Austin", existing["hq"].(map[string]any)["city"])
}
