package reconcile

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/sells-group/profile-reconciler/internal/model"
	"github.com/sells-group/profile-reconciler/internal/verify"
)

// agreement indexes, per record and field, which sources offered which value
// within one batch.
type agreement map[string]map[string][]string

func agreementKey(recordID, field string) string {
	return recordID + "\x00" + field
}

func newAgreement(list []checked) agreement {
	a := make(agreement)
	for _, c := range list {
		if c.verdict.Status == verify.StatusQuarantined {
			continue
		}
		for field, value := range c.data {
			if !c.verdict.Passed(field) || model.IsEmptyValue(value) {
				continue
			}
			source := model.FieldProvenance{Source: c.cand.Fields[field].Source}.SourceOrUnknown()
			if source == model.SourceUnknown {
				continue
			}
			k := agreementKey(c.cand.RecordID, field)
			if a[k] == nil {
				a[k] = make(map[string][]string)
			}
			vk := valueKey(value)
			if !slices.Contains(a[k][vk], source) {
				a[k][vk] = append(a[k][vk], source)
			}
		}
	}
	return a
}

// sources returns the distinct sources in the batch that offered value for
// the record's field, sorted.
func (a agreement) sources(recordID, field string, value any) []string {
	if a == nil {
		return nil
	}
	srcs := a[agreementKey(recordID, field)][valueKey(value)]
	if len(srcs) == 0 {
		return nil
	}
	out := slices.Clone(srcs)
	slices.Sort(out)
	return out
}

func valueKey(v any) string {
	if s, ok := v.(string); ok {
		return strings.ToLower(strings.Join(strings.Fields(s), " "))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
