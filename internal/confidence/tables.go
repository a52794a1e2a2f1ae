// Package confidence scores how trustworthy a stored field value is, given
// where it came from, how old it is, and how often it has been confirmed.
package confidence

import (
	"maps"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/profile-reconciler/internal/model"
)

// Tables holds the lookup tables that drive scoring and write authorization.
// A Tables value is never mutated after construction; every accessor reads
// only, so one instance can be shared by any number of workers.
type Tables struct {
	SourcePriority        map[string]int     `yaml:"source_priority"`
	SourceBaseConfidence  map[string]float64 `yaml:"source_base_confidence"`
	FieldDecayRates       map[string]float64 `yaml:"field_decay_rates"`
	FieldWeights          map[string]float64 `yaml:"field_weights"`
	DefaultBaseConfidence float64            `yaml:"default_base_confidence"`
	DefaultDecayDays      float64            `yaml:"default_decay_days"`
	DefaultFieldWeight    float64            `yaml:"default_field_weight"`
}

const (
	defaultBaseConfidence = 0.30
	defaultDecayDays      = 180
	defaultFieldWeight    = 0.5
)

// DefaultTables returns the production tables.
func DefaultTables() Tables {
	return Tables{
		SourcePriority: map[string]int{
			"manual":           100,
			"client_confirmed": 100,
			"client_provided":  90,
			"apollo_verified":  50,
			"linkedin_scrape":  40,
			"apollo":           30,
			"people_data_api":  30,
			"web_scrape":       20,
			"ai_research":      15,
			"pattern_inferred": 10,
			model.SourceUnknown: 0,
		},
		SourceBaseConfidence: map[string]float64{
			"manual":           1.00,
			"client_confirmed": 0.98,
			"client_provided":  0.95,
			"apollo_verified":  0.95,
			"linkedin_scrape":  0.85,
			"apollo":           0.80,
			"people_data_api":  0.75,
			"web_scrape":       0.70,
			"ai_research":      0.65,
			"pattern_inferred": 0.50,
		},
		// Days for confidence to fall to 1/e of its base value. Contact
		// channels change slowly; buying intent goes stale within weeks.
		FieldDecayRates: map[string]float64{
			"email":         90,
			"phone":         180,
			"mobile_phone":  180,
			"linkedin_url":  365,
			"full_name":     730,
			"first_name":    730,
			"last_name":     730,
			"title":         180,
			"company":       365,
			"company_url":   365,
			"location":      365,
			"seeking":       30,
			"pain_points":   45,
			"interests":     60,
			"recent_news":   14,
			"tech_stack":    120,
			"headcount":     180,
			"revenue_range": 365,
		},
		FieldWeights: map[string]float64{
			"email":        1.0,
			"phone":        0.9,
			"full_name":    1.0,
			"linkedin_url": 0.8,
			"company":      0.8,
			"title":        0.7,
			"company_url":  0.6,
			"location":     0.4,
			"seeking":      0.5,
			"pain_points":  0.4,
			"interests":    0.3,
		},
		DefaultBaseConfidence: defaultBaseConfidence,
		DefaultDecayDays:      defaultDecayDays,
		DefaultFieldWeight:    defaultFieldWeight,
	}
}

// LoadTables reads tables from a YAML file with a top-level "tables" key.
// Maps absent from the file keep their default contents; maps present in
// the file replace the defaults entirely.
func LoadTables(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, eris.Wrapf(err, "confidence: read tables %s", path)
	}

	var wrapper struct {
		Tables Tables `yaml:"tables"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Tables{}, eris.Wrap(err, "confidence: parse tables")
	}

	t := wrapper.Tables
	def := DefaultTables()
	if t.SourcePriority == nil {
		t.SourcePriority = def.SourcePriority
	}
	if t.SourceBaseConfidence == nil {
		t.SourceBaseConfidence = def.SourceBaseConfidence
	}
	if t.FieldDecayRates == nil {
		t.FieldDecayRates = def.FieldDecayRates
	}
	if t.FieldWeights == nil {
		t.FieldWeights = def.FieldWeights
	}
	if t.DefaultBaseConfidence == 0 {
		t.DefaultBaseConfidence = def.DefaultBaseConfidence
	}
	if t.DefaultDecayDays == 0 {
		t.DefaultDecayDays = def.DefaultDecayDays
	}
	if t.DefaultFieldWeight == 0 {
		t.DefaultFieldWeight = def.DefaultFieldWeight
	}

	if err := t.Validate(); err != nil {
		return Tables{}, err
	}
	return t.clone(), nil
}

// Validate rejects tables that would produce out-of-range scores.
func (t Tables) Validate() error {
	for src, c := range t.SourceBaseConfidence {
		if c < 0 || c > 1 {
			return eris.Errorf("confidence: base confidence for %q out of range: %v", src, c)
		}
	}
	for field, d := range t.FieldDecayRates {
		if d <= 0 {
			return eris.Errorf("confidence: decay period for %q must be positive: %v", field, d)
		}
	}
	for field, w := range t.FieldWeights {
		if w < 0 {
			return eris.Errorf("confidence: weight for %q must not be negative: %v", field, w)
		}
	}
	if t.DefaultBaseConfidence < 0 || t.DefaultBaseConfidence > 1 {
		return eris.Errorf("confidence: default base confidence out of range: %v", t.DefaultBaseConfidence)
	}
	if t.DefaultDecayDays < 0 {
		return eris.Errorf("confidence: default decay period must not be negative: %v", t.DefaultDecayDays)
	}
	return nil
}

func (t Tables) clone() Tables {
	t.SourcePriority = maps.Clone(t.SourcePriority)
	t.SourceBaseConfidence = maps.Clone(t.SourceBaseConfidence)
	t.FieldDecayRates = maps.Clone(t.FieldDecayRates)
	t.FieldWeights = maps.Clone(t.FieldWeights)
	return t
}

// Priority returns the rank of source. Unknown and blank sources rank 0.
func (t Tables) Priority(source string) int {
	if source == "" {
		source = model.SourceUnknown
	}
	return t.SourcePriority[source]
}

// BaseConfidence returns the prior correctness rate of source.
func (t Tables) BaseConfidence(source string) float64 {
	if c, ok := t.SourceBaseConfidence[source]; ok {
		return c
	}
	if t.DefaultBaseConfidence > 0 {
		return t.DefaultBaseConfidence
	}
	return defaultBaseConfidence
}

// DecayDays returns the decay period of field in days.
func (t Tables) DecayDays(field string) float64 {
	if d, ok := t.FieldDecayRates[field]; ok && d > 0 {
		return d
	}
	if t.DefaultDecayDays > 0 {
		return t.DefaultDecayDays
	}
	return defaultDecayDays
}

// Weight returns the importance of field for profile-level confidence.
func (t Tables) Weight(field string) float64 {
	if w, ok := t.FieldWeights[field]; ok {
		return w
	}
	if t.DefaultFieldWeight > 0 {
		return t.DefaultFieldWeight
	}
	return defaultFieldWeight
}
