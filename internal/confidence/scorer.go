package confidence

import (
	"math"
	"strings"
	"time"

	"github.com/sells-group/profile-reconciler/internal/model"
)

const (
	// DefaultExpiryThreshold is the confidence level at which a field is due
	// for re-enrichment.
	DefaultExpiryThreshold = 0.5

	maxVerificationMultiplier = 1.5
	day                       = 24 * time.Hour
)

// Input describes one field value to score.
type Input struct {
	Field             string
	Source            string
	EnrichedAt        time.Time
	VerifiedAt        *time.Time
	VerificationCount int
	CrossValidatedBy  []string
}

// Scorer computes time-decayed confidence. It holds no mutable state.
type Scorer struct {
	tables Tables
	now    func() time.Time
}

// NewScorer creates a scorer over the given tables.
func NewScorer(tables Tables) *Scorer {
	return &Scorer{tables: tables, now: time.Now}
}

// WithNow returns a copy of the scorer that uses a fixed clock.
func (s *Scorer) WithNow(t time.Time) *Scorer {
	cp := *s
	cp.now = func() time.Time { return t }
	return &cp
}

// Tables returns the tables the scorer was built with.
func (s *Scorer) Tables() Tables {
	return s.tables
}

// Now returns the scorer's notion of the current time.
func (s *Scorer) Now() time.Time {
	return s.now()
}

// Calculate returns the confidence of a field value in [0,1]:
//
//	base(source) · e^(−age/decay(field)) + verification boost + cross-validation boost
func (s *Scorer) Calculate(in Input) float64 {
	now := s.now()

	base := s.tables.BaseConfidence(in.Source)
	ageDays := math.Max(0, now.Sub(in.EnrichedAt).Hours()/24)
	ageFactor := math.Exp(-ageDays / s.tables.DecayDays(in.Field))

	score := base*ageFactor + verificationBoost(now, in.VerifiedAt, in.VerificationCount) + crossValidationBoost(in.CrossValidatedBy)
	return clamp(score)
}

func verificationBoost(now time.Time, verifiedAt *time.Time, count int) float64 {
	if verifiedAt == nil {
		return 0
	}
	sinceDays := math.Max(0, now.Sub(*verifiedAt).Hours()/24)

	var boost float64
	switch {
	case sinceDays <= 7:
		boost = 0.15
	case sinceDays <= 30:
		boost = 0.10
	case sinceDays <= 90:
		boost = 0.05
	default:
		return 0
	}

	if count < 0 {
		count = 0
	}
	return boost * math.Min(1+0.1*float64(count), maxVerificationMultiplier)
}

func crossValidationBoost(sources []string) float64 {
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if s = strings.TrimSpace(s); s != "" {
			seen[s] = struct{}{}
		}
	}
	switch n := len(seen); {
	case n >= 3:
		return 0.20
	case n == 2:
		return 0.10
	default:
		return 0
	}
}

// ExpiresAt returns the moment the decay-only confidence of field reaches
// threshold: enrichedAt + (−decay · ln(threshold)) days. A threshold outside
// (0,1) falls back to DefaultExpiryThreshold when non-positive and yields
// enrichedAt itself when ≥ 1.
func (s *Scorer) ExpiresAt(field string, enrichedAt time.Time, threshold float64) time.Time {
	if threshold >= 1 {
		return enrichedAt
	}
	if threshold <= 0 {
		threshold = DefaultExpiryThreshold
	}
	days := -s.tables.DecayDays(field) * math.Log(threshold)
	return enrichedAt.Add(time.Duration(days * float64(day)))
}

// ProfileConfidence returns the importance-weighted mean of the stored field
// confidences. Fields without a stored confidence are excluded.
func (s *Scorer) ProfileConfidence(meta model.EnrichmentMetadata) float64 {
	var weighted, totalWeight float64
	for field, p := range meta {
		if p.Confidence == nil {
			continue
		}
		w := s.tables.Weight(field)
		weighted += w * clamp(*p.Confidence)
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return clamp(weighted / totalWeight)
}

// FromProvenance re-derives the current confidence of a stored field from its
// provenance rather than trusting the stored number. A missing or corrupt
// enriched_at scores as fully decayed, leaving only the boosts.
func (s *Scorer) FromProvenance(field string, p model.FieldProvenance) float64 {
	in := Input{
		Field:             field,
		Source:            p.SourceOrUnknown(),
		VerificationCount: p.VerificationCount,
		CrossValidatedBy:  p.CrossValidatedBy,
	}

	if t, err := p.EnrichedAt.Time(); err == nil {
		in.EnrichedAt = t
	} else {
		in.EnrichedAt = time.Unix(0, 0).UTC()
	}
	if p.VerifiedAt != nil {
		if t, err := p.VerifiedAt.Time(); err == nil {
			in.VerifiedAt = &t
		}
	}
	return s.Calculate(in)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
