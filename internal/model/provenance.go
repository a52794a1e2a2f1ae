package model

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SourceUnknown is the label assigned to provenance without a recorded source.
const SourceUnknown = "unknown"

// Timestamp is an ISO-8601 timestamp exactly as stored in enrichment metadata.
// It is kept as a string so a single corrupt value never prevents the rest of
// a record's metadata from decoding.
type Timestamp string

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NewTimestamp formats t as a UTC RFC3339 timestamp.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(time.RFC3339Nano))
}

// TimestampPtr is NewTimestamp returning a pointer, for optional fields.
func TimestampPtr(t time.Time) *Timestamp {
	ts := NewTimestamp(t)
	return &ts
}

// IsZero reports whether no timestamp was recorded.
func (t Timestamp) IsZero() bool {
	return strings.TrimSpace(string(t)) == ""
}

// Time parses the timestamp. Values without a zone are interpreted as UTC.
func (t Timestamp) Time() (time.Time, error) {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return time.Time{}, eris.New("model: empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("model: unparseable timestamp %q", s)
}

// FieldProvenance is the per-field enrichment metadata attached to a profile.
// It is replaced wholesale whenever a new value wins the field.
type FieldProvenance struct {
	Source              string     `json:"source"`
	EnrichedAt          Timestamp  `json:"enriched_at,omitempty"`
	Confidence          *float64   `json:"confidence,omitempty"`
	ConfidenceExpiresAt Timestamp  `json:"confidence_expires_at,omitempty"`
	VerificationCount   int        `json:"verification_count,omitempty"`
	VerifiedAt          *Timestamp `json:"verified_at,omitempty"`
	CrossValidatedBy    []string   `json:"cross_validated_by,omitempty"`
	PipelineVersion     string     `json:"pipeline_version,omitempty"`
}

// SourceOrUnknown returns the recorded source, or SourceUnknown when blank.
func (p FieldProvenance) SourceOrUnknown() string {
	if s := strings.TrimSpace(p.Source); s != "" {
		return s
	}
	return SourceUnknown
}

// ConfidenceOr returns the stored confidence or def when none was recorded.
func (p FieldProvenance) ConfidenceOr(def float64) float64 {
	if p.Confidence == nil {
		return def
	}
	return *p.Confidence
}

// IsZero reports whether the provenance entry carries no information at all.
func (p FieldProvenance) IsZero() bool {
	return strings.TrimSpace(p.Source) == "" &&
		p.EnrichedAt.IsZero() &&
		p.Confidence == nil &&
		p.ConfidenceExpiresAt.IsZero() &&
		p.VerificationCount == 0 &&
		p.VerifiedAt == nil &&
		len(p.CrossValidatedBy) == 0 &&
		p.PipelineVersion == ""
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// EnrichmentMetadata maps field names to their provenance.
type EnrichmentMetadata map[string]FieldProvenance

// Clone returns a copy of the map. Provenance values are copied by value;
// slices are duplicated so the clone can be mutated independently.
func (m EnrichmentMetadata) Clone() EnrichmentMetadata {
	out := make(EnrichmentMetadata, len(m))
	for k, v := range m {
		if v.CrossValidatedBy != nil {
			v.CrossValidatedBy = append([]string(nil), v.CrossValidatedBy...)
		}
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with every entry of updates replacing the entry
// of the same field. Fields absent from updates are left untouched.
func (m EnrichmentMetadata) Merge(updates EnrichmentMetadata) EnrichmentMetadata {
	out := m.Clone()
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// Get returns the provenance for field, or nil when none exists.
func (m EnrichmentMetadata) Get(field string) *FieldProvenance {
	p, ok := m[field]
	if !ok {
		return nil
	}
	return &p
}

// DecodeMetadata parses stored metadata leniently: entries that do not decode
// are dropped and their field names returned, so one malformed entry never
// hides the rest of the record.
func DecodeMetadata(raw []byte) (EnrichmentMetadata, []string) {
	out := make(EnrichmentMetadata)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return out, []string{"*"}
	}
	var bad []string
	for field, entry := range entries {
		var fp FieldProvenance
		if err := json.Unmarshal(entry, &fp); err != nil {
			bad = append(bad, field)
			continue
		}
		out[field] = fp
	}
	sort.Strings(bad)
	return out, bad
}
