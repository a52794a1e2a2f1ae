package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/profile-reconciler/internal/confidence"
	"github.com/sells-group/profile-reconciler/internal/model"
)

var testNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestMerger() *Merger {
	return New(confidence.NewScorer(confidence.DefaultTables()).WithNow(testNow))
}

func prov(source string, ageDays int, stored float64) *model.FieldProvenance {
	return &model.FieldProvenance{
		Source:     source,
		EnrichedAt: model.NewTimestamp(testNow.AddDate(0, 0, -ageDays)),
		Confidence: model.Float(stored),
	}
}

func TestMergeField_NoMetadataLongerWins(t *testing.T) {
	m := newTestMerger()

	v, p := m.MergeField("title", "abc", nil, "abcdef", nil)
	assert.Equal(t, "abcdef", v)
	assert.Nil(t, p)

	v, _ = m.MergeField("title", "abcdef", nil, "abc", nil)
	assert.Equal(t, "abcdef", v)

	v, _ = m.MergeField("title", "same", nil, "same", nil)
	assert.Equal(t, "same", v)

	// Whitespace does not count towards length; ties keep the first argument.
	v, _ = m.MergeField("title", "abcd", nil, "  abc   ", nil)
	assert.Equal(t, "abcd", v)
	v, _ = m.MergeField("title", "wxyz", nil, " abcd ", nil)
	assert.Equal(t, "wxyz", v)

	v, _ = m.MergeField("headcount", nil, nil, 250, nil)
	assert.Equal(t, 250, v)
}

func TestMergeField_RecomputedConfidenceWins(t *testing.T) {
	m := newTestMerger()

	// Fresh apollo_verified beats year-old manual entry for email once decay
	// is recomputed, even though the stored numbers say otherwise.
	stale := prov("manual", 365, 0.99)
	fresh := prov("apollo_verified", 0, 0.10)

	v, p := m.MergeField("email", "old@acme.io", stale, "new@acme.io", fresh)
	assert.Equal(t, "new@acme.io", v)
	assert.Same(t, fresh, p)

	v, p = m.MergeField("email", "new@acme.io", fresh, "old@acme.io", stale)
	assert.Equal(t, "new@acme.io", v)
	assert.Same(t, fresh, p)
}

func TestMergeField_MetadataBeatsMissing(t *testing.T) {
	m := newTestMerger()
	meta := prov("apollo", 10, 0.5)

	v, p := m.MergeField("email", "a@x.io", nil, "b@x.io", meta)
	assert.Equal(t, "b@x.io", v)
	assert.Same(t, meta, p)

	v, _ = m.MergeField("email", "b@x.io", meta, "a-much-longer@x.io", nil)
	assert.Equal(t, "b@x.io", v)
}

func TestMergeField_ZeroScoreTieGoesToMetadata(t *testing.T) {
	m := newTestMerger()
	// Corrupt timestamp and no boosts: recomputed confidence is effectively 0.
	zero := &model.FieldProvenance{Source: "pattern_inferred", EnrichedAt: "not a date"}

	v, p := m.MergeField("email", "plain@x.io", nil, "meta@x.io", zero)
	assert.Equal(t, "meta@x.io", v)
	assert.Same(t, zero, p)

	v, _ = m.MergeField("email", "meta@x.io", zero, "plain@x.io", nil)
	assert.Equal(t, "meta@x.io", v)
}

func TestMergeField_EqualScoresFavorFirst(t *testing.T) {
	m := newTestMerger()
	a, b := prov("apollo", 5, 0.1), prov("apollo", 5, 0.9)

	v, p := m.MergeField("email", "first@x.io", a, "second@x.io", b)
	assert.Equal(t, "first@x.io", v)
	assert.Same(t, a, p)
}

func TestMergeField_EmptyProvenanceTreatedAsMissing(t *testing.T) {
	m := newTestMerger()
	v, _ := m.MergeField("title", "VP", &model.FieldProvenance{}, "Vice President", nil)
	assert.Equal(t, "Vice President", v)
}

func TestMergeProfileMetadata(t *testing.T) {
	m := newTestMerger()

	meta1 := model.EnrichmentMetadata{
		"email":   {Source: "apollo", Confidence: model.Float(0.6)},
		"phone":   {Source: "web_scrape", Confidence: model.Float(0.9)},
		"title":   {Source: "manual", Confidence: model.Float(0.5)},
		"company": {},
	}
	meta2 := model.EnrichmentMetadata{
		"email":    {Source: "manual", Confidence: model.Float(0.7)},
		"phone":    {Source: "apollo", Confidence: model.Float(0.2)},
		"title":    {Source: "ai_research", Confidence: model.Float(0.5)},
		"company":  {Source: "linkedin_scrape"},
		"location": {Source: "apollo"},
	}

	out := m.MergeProfileMetadata(meta1, meta2)
	require.Len(t, out, 5)
	assert.Equal(t, "manual", out["email"].Source)
	assert.Equal(t, "web_scrape", out["phone"].Source)
	assert.Equal(t, "manual", out["title"].Source, "ties favor the first map")
	assert.Equal(t, "linkedin_scrape", out["company"].Source, "non-empty side wins over empty")
	assert.Equal(t, "apollo", out["location"].Source)

	assert.Empty(t, m.MergeProfileMetadata(nil, nil))
}

func TestMergeProfileMetadata_StoredNumbersNotRecomputed(t *testing.T) {
	m := newTestMerger()
	// meta1 is far fresher but its stored number is lower.
	meta1 := model.EnrichmentMetadata{"email": *prov("manual", 0, 0.4)}
	meta2 := model.EnrichmentMetadata{"email": *prov("pattern_inferred", 900, 0.8)}

	out := m.MergeProfileMetadata(meta1, meta2)
	assert.Equal(t, "pattern_inferred", out["email"].Source)
}

func TestMergeProfiles(t *testing.T) {
	m := newTestMerger()

	keep := &model.Profile{
		ID: "p-keep",
		Data: map[string]any{
			"email":     "old@acme.io",
			"full_name": "Dana Smith",
			"phone":     "",
		},
		Metadata: model.EnrichmentMetadata{
			"email":     *prov("web_scrape", 300, 0.7),
			"full_name": *prov("manual", 10, 1),
			"seeking":   *prov("ai_research", 1, 0.6),
		},
	}
	drop := &model.Profile{
		ID: "p-drop",
		Data: map[string]any{
			"email":     "dana@acme.io",
			"full_name": "D. Smith",
			"phone":     "+1 555 0100",
			"interests": []any{"golf"},
		},
		Metadata: model.EnrichmentMetadata{
			"email":     *prov("apollo_verified", 2, 0.2),
			"full_name": *prov("apollo", 1, 0.8),
			"phone":     *prov("apollo", 3, 0.8),
		},
	}

	res := m.MergeProfiles(keep, drop)
	got := res.Profile

	assert.Equal(t, "p-keep", got.ID)
	assert.Equal(t, "dana@acme.io", got.Data["email"])
	assert.Equal(t, "apollo_verified", got.Metadata["email"].Source)
	assert.Equal(t, "Dana Smith", got.Data["full_name"])
	assert.Equal(t, "+1 555 0100", got.Data["phone"])
	assert.Equal(t, []any{"golf"}, got.Data["interests"])
	_, hasInterestMeta := got.Metadata["interests"]
	assert.False(t, hasInterestMeta)
	assert.Equal(t, "ai_research", got.Metadata["seeking"].Source, "metadata without data is carried over")
	assert.Equal(t, []string{"email", "interests", "phone"}, res.FromDrop)

	// Inputs untouched.
	assert.Equal(t, "old@acme.io", keep.Data["email"])
	assert.Equal(t, "", keep.Data["phone"])
}
