// Package merge resolves field conflicts between two stored profiles that
// describe the same entity.
package merge

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/confidence"
	"github.com/sells-group/profile-reconciler/internal/model"
)

// Merger picks winners between duplicate records. It holds no mutable state.
type Merger struct {
	scorer *confidence.Scorer
}

// New creates a merger that recomputes confidence with scorer.
func New(scorer *confidence.Scorer) *Merger {
	return &Merger{scorer: scorer}
}

// MergeField returns the winning value and provenance for field.
//
// Without provenance on either side the longer trimmed value wins. Otherwise
// each side's confidence is recomputed from its stored provenance and the
// higher one wins; a side without provenance scores 0. On equal scores a
// side with provenance beats a side without; remaining ties go to the first
// argument.
func (m *Merger) MergeField(field string, v1 any, m1 *model.FieldProvenance, v2 any, m2 *model.FieldProvenance) (any, *model.FieldProvenance) {
	if m.pick(field, v1, m1, v2, m2) == second {
		return v2, m2
	}
	return v1, m1
}

type side int

const (
	first side = iota
	second
)

func (m *Merger) pick(field string, v1 any, m1 *model.FieldProvenance, v2 any, m2 *model.FieldProvenance) side {
	has1, has2 := hasMeta(m1), hasMeta(m2)

	if !has1 && !has2 {
		if len(display(v2)) > len(display(v1)) {
			return second
		}
		return first
	}

	var c1, c2 float64
	if has1 {
		c1 = m.scorer.FromProvenance(field, *m1)
	}
	if has2 {
		c2 = m.scorer.FromProvenance(field, *m2)
	}

	switch {
	case c2 > c1:
		return second
	case c1 > c2:
		return first
	case has2 && !has1:
		return second
	default:
		return first
	}
}

// MergeProfileMetadata unions two metadata maps. When both sides carry an
// entry for a field the higher stored confidence wins, with ties going to
// meta1. Stored numbers are compared as-is.
func (m *Merger) MergeProfileMetadata(meta1, meta2 model.EnrichmentMetadata) model.EnrichmentMetadata {
	out := make(model.EnrichmentMetadata, len(meta1)+len(meta2))
	for field, p1 := range meta1 {
		p2, ok := meta2[field]
		switch {
		case !ok || p2.IsZero():
			out[field] = p1
		case p1.IsZero():
			out[field] = p2
		case p2.ConfidenceOr(0) > p1.ConfidenceOr(0):
			out[field] = p2
		default:
			out[field] = p1
		}
	}
	for field, p2 := range meta2 {
		if _, ok := meta1[field]; !ok {
			out[field] = p2
		}
	}
	return out.Clone()
}

// Result describes a profile merge.
type Result struct {
	Profile *model.Profile
	// FromDrop lists the fields whose winning value came from the dropped record.
	FromDrop []string
}

// MergeProfiles folds drop into keep field by field and returns the merged
// record under keep's id. Neither input is modified.
func (m *Merger) MergeProfiles(keep, drop *model.Profile) *Result {
	merged := &model.Profile{
		ID:       keep.ID,
		Data:     make(map[string]any),
		Metadata: make(model.EnrichmentMetadata),
	}
	res := &Result{Profile: merged}

	fields := make(map[string]struct{})
	for _, p := range []*model.Profile{keep, drop} {
		for k := range p.Data {
			fields[k] = struct{}{}
		}
	}

	for _, field := range slices.Sorted(maps.Keys(fields)) {
		v1, v2 := keep.Value(field), drop.Value(field)
		p1, p2 := keep.Metadata.Get(field), drop.Metadata.Get(field)

		winner := first
		switch {
		case model.IsEmptyValue(v2):
		case model.IsEmptyValue(v1):
			winner = second
		default:
			winner = m.pick(field, v1, p1, v2, p2)
		}

		value, prov := v1, p1
		if winner == second {
			value, prov = v2, p2
			res.FromDrop = append(res.FromDrop, field)
		}
		if model.IsEmptyValue(value) {
			continue
		}
		merged.Data[field] = value
		if prov != nil {
			merged.Metadata[field] = *prov
		}
	}

	// Provenance for fields that carry no data on either side.
	rest := m.MergeProfileMetadata(keep.Metadata, drop.Metadata)
	for field, p := range rest {
		if _, ok := merged.Data[field]; ok {
			continue
		}
		merged.Metadata[field] = p
	}

	zap.L().Debug("merge: profiles merged",
		zap.String("keep", keep.ID),
		zap.String("drop", drop.ID),
		zap.Int("fields", len(merged.Data)),
		zap.Int("from_drop", len(res.FromDrop)),
	)
	merged.Metadata = merged.Metadata.Clone()
	return res
}

func hasMeta(p *model.FieldProvenance) bool {
	return p != nil && !p.IsZero()
}

func display(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
