package model

import (
	"reflect"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Profile is a stored business-contact record.
type Profile struct {
	ID        string             `json:"id"`
	Data      map[string]any     `json:"data"`
	Metadata  EnrichmentMetadata `json:"enrichment_metadata"`
	UpdatedAt time.Time          `json:"updated_at,omitempty"`
}

// Value returns the current value of field, or nil.
func (p *Profile) Value(field string) any {
	if p == nil || p.Data == nil {
		return nil
	}
	return p.Data[field]
}

// CandidateValue is a single value offered by an enrichment producer.
type CandidateValue struct {
	Value      any       `json:"value"`
	Source     string    `json:"source"`
	ObservedAt Timestamp `json:"observed_at,omitempty"`
}

// Candidate groups the values a producer offers for one record.
type Candidate struct {
	RecordID    string                    `json:"record_id"`
	Fields      map[string]CandidateValue `json:"fields"`
	Passthrough map[string]any            `json:"passthrough,omitempty"`
}

// Data flattens the candidate into a field → value map.
func (c Candidate) Data() map[string]any {
	out := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		out[k] = v.Value
	}
	return out
}

// Validate rejects structurally invalid candidates.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.RecordID) == "" {
		return eris.New("model: candidate missing record_id")
	}
	return nil
}

// WritePolicy controls how a new value combines with the stored value.
type WritePolicy string

const (
	// PolicyAlways replaces the stored value.
	PolicyAlways WritePolicy = "always"
	// PolicyFillOnly writes only when the stored value is empty.
	PolicyFillOnly WritePolicy = "fill_only"
	// PolicyUpgradeOnlyNumeric writes only when the new number is larger.
	PolicyUpgradeOnlyNumeric WritePolicy = "upgrade_only_numeric"
	// PolicyAppendOnlyList unions new items into the stored list.
	PolicyAppendOnlyList WritePolicy = "append_only_list"
	// PolicyJSONDeepMerge deep-merges objects, new leaves winning.
	PolicyJSONDeepMerge WritePolicy = "json_deep_merge"
)

// Valid reports whether p is a known policy.
func (p WritePolicy) Valid() bool {
	switch p {
	case PolicyAlways, PolicyFillOnly, PolicyUpgradeOnlyNumeric, PolicyAppendOnlyList, PolicyJSONDeepMerge:
		return true
	}
	return false
}

// IsEmptyValue reports whether v carries no data: nil, blank strings, and
// empty slices or maps.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
