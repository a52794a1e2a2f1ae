// Package writegate decides whether an incoming field value may overwrite the
// value already stored for a profile.
package writegate

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/confidence"
	"github.com/sells-group/profile-reconciler/internal/model"
)

// Reason explains a write decision.
type Reason string

const (
	ReasonEmptyValue      Reason = "empty_value"
	ReasonNoExisting      Reason = "no_existing_provenance"
	ReasonHigherPriority  Reason = "higher_priority"
	ReasonLowerPriority   Reason = "lower_priority"
	ReasonStale           Reason = "equal_priority_stale"
	ReasonMissingTime     Reason = "equal_priority_missing_timestamp"
	ReasonCorruptTime     Reason = "equal_priority_corrupt_timestamp"
	ReasonFresh           Reason = "equal_priority_fresh"
	ReasonRefreshDisabled Reason = "equal_priority_refresh_disabled"
)

// Decision is the outcome of a write authorization check.
type Decision struct {
	Allowed          bool
	Reason           Reason
	NewPriority      int
	ExistingPriority int
}

// Gate applies the source-priority write policy. It holds no mutable state.
type Gate struct {
	tables confidence.Tables
	now    func() time.Time
}

// New creates a gate over the given tables.
func New(tables confidence.Tables) *Gate {
	return &Gate{tables: tables, now: time.Now}
}

// WithNow returns a copy of the gate that uses a fixed clock.
func (g *Gate) WithNow(t time.Time) *Gate {
	cp := *g
	cp.now = func() time.Time { return t }
	return &cp
}

// ShouldWriteField reports whether newValue from newSource may replace the
// stored value of field described by existing. A nil existing provenance
// means the field has never been written by the engine.
func (g *Gate) ShouldWriteField(field string, newValue any, existing *model.FieldProvenance, newSource string, refreshMode bool, staleDays int) bool {
	d := g.Decide(field, newValue, existing, newSource, refreshMode, staleDays)
	if !d.Allowed {
		zap.L().Debug("writegate: write rejected",
			zap.String("field", field),
			zap.String("new_source", newSource),
			zap.String("reason", string(d.Reason)),
			zap.Int("new_priority", d.NewPriority),
			zap.Int("existing_priority", d.ExistingPriority),
		)
	}
	return d.Allowed
}

// Decide is ShouldWriteField with the reason attached.
func (g *Gate) Decide(field string, newValue any, existing *model.FieldProvenance, newSource string, refreshMode bool, staleDays int) Decision {
	d := Decision{NewPriority: g.tables.Priority(newSource)}

	if model.IsEmptyValue(newValue) {
		d.Reason = ReasonEmptyValue
		return d
	}
	if existing == nil {
		d.Allowed, d.Reason = true, ReasonNoExisting
		return d
	}

	d.ExistingPriority = g.tables.Priority(existing.SourceOrUnknown())
	switch {
	case d.NewPriority < d.ExistingPriority:
		d.Reason = ReasonLowerPriority
		return d
	case d.NewPriority > d.ExistingPriority:
		d.Allowed, d.Reason = true, ReasonHigherPriority
		return d
	}

	// Equal priority: missing or corrupt timestamps count as stale whether
	// or not this is a refresh pass.
	if existing.EnrichedAt.IsZero() {
		d.Allowed, d.Reason = true, ReasonMissingTime
		return d
	}
	enrichedAt, err := existing.EnrichedAt.Time()
	if err != nil {
		d.Allowed, d.Reason = true, ReasonCorruptTime
		return d
	}
	// Otherwise only an explicit refresh pass replaces stale data.
	if !refreshMode {
		d.Reason = ReasonRefreshDisabled
		return d
	}

	age := g.now().Sub(enrichedAt)
	if age > time.Duration(max(staleDays, 0))*24*time.Hour {
		d.Allowed, d.Reason = true, ReasonStale
		return d
	}
	d.Reason = ReasonFresh
	return d
}
