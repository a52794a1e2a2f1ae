package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAI struct {
	mock.Mock
}

func (m *mockAI) VerifyRecord(ctx context.Context, req AIRequest) (*AIResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*AIResult), args.Error(1)
}

func layer(n int) any {
	return mock.MatchedBy(func(req AIRequest) bool { return req.Layer == n })
}

func cleanRecord() map[string]any {
	return map[string]any{
		"full_name":    "Dana Smith",
		"email":        "dana@acme.io",
		"company_url":  "https://acme.io",
		"linkedin_url": "https://linkedin.com/in/danasmith",
	}
}

func TestGate_VerifiedRecord(t *testing.T) {
	g := NewGate(Options{})
	v := g.Evaluate(context.Background(), "p-1", cleanRecord())

	assert.Equal(t, StatusVerified, v.Status)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Empty(t, v.FailedFields)
	assert.Equal(t, []int{1}, v.Layers)
	for f := range cleanRecord() {
		assert.True(t, v.Passed(f), f)
	}
}

func TestGate_UnverifiedOnWarnings(t *testing.T) {
	g := NewGate(Options{})
	data := cleanRecord()
	data["phone"] = "123"
	data["linkedin_url"] = "https://twitter.com/dana"

	v := g.Evaluate(context.Background(), "p-2", data)
	assert.Equal(t, StatusUnverified, v.Status)
	assert.Equal(t, []string{"linkedin_url", "phone"}, v.FailedFields)
	assert.InDelta(t, 3.0/5.0, v.Confidence, 1e-9)
	assert.Equal(t, StatusUnverified, v.FieldStatus["phone"])
	assert.True(t, v.Passed("email"))
	assert.False(t, v.Passed("linkedin_url"), "a warning keeps the field from being written")
}

func TestGate_QuarantinedOnCritical(t *testing.T) {
	g := NewGate(Options{})
	data := cleanRecord()
	data["email"] = "burner@guerrillamail.com"
	data["phone"] = "1"

	v := g.Evaluate(context.Background(), "p-3", data)
	assert.Equal(t, StatusQuarantined, v.Status)
	assert.Equal(t, StatusQuarantined, v.FieldStatus["email"])
	assert.Equal(t, StatusUnverified, v.FieldStatus["phone"])
	assert.Equal(t, []string{"email", "phone"}, v.FailedFields)
	assert.Len(t, v.IssueStrings(), 2)
}

func TestGate_FixableIssuesDoNotCount(t *testing.T) {
	g := NewGate(Options{})
	data := cleanRecord()
	data["company_url"] = "acme.io"
	data["title"] = "n/a"

	v := g.Evaluate(context.Background(), "p-4", data)
	assert.Equal(t, StatusVerified, v.Status)
	assert.Len(t, v.Issues, 2)
	assert.Empty(t, v.IssueStrings())
}

func TestGate_VerifyAppliesFixesAndReevaluates(t *testing.T) {
	g := NewGate(Options{})
	data := cleanRecord()
	data["company_url"] = "acme.io"
	data["email"] = "dana@example.com"

	v, fixed := g.Verify(context.Background(), "p-5", data)
	assert.Equal(t, "https://acme.io", fixed["company_url"])
	assert.Equal(t, "", fixed["email"])
	assert.Equal(t, "acme.io", data["company_url"], "input is not mutated")

	assert.Equal(t, StatusVerified, v.Status)
	assert.Empty(t, v.Issues)
	assert.Len(t, v.Fixed, 2)
}

func TestGate_VerifyBlankedRequiredFieldQuarantines(t *testing.T) {
	g := NewGate(Options{})
	data := cleanRecord()
	data["full_name"] = "John Doe"

	v, fixed := g.Verify(context.Background(), "p-6", data)
	assert.Equal(t, "", fixed["full_name"])
	assert.Equal(t, StatusQuarantined, v.Status)
	assert.Equal(t, []string{"full_name"}, v.FailedFields)
}

func TestGate_EmptyRecord(t *testing.T) {
	g := NewGate(Options{Rules: Rules{Kinds: map[string]FieldKind{}}})
	v := g.Evaluate(context.Background(), "p-7", map[string]any{})
	assert.Equal(t, StatusUnverified, v.Status)
	assert.Zero(t, v.Confidence)
	assert.Empty(t, v.FailedFields)
}

func TestGate_AILayer2Passes(t *testing.T) {
	ai := new(mockAI)
	ai.On("VerifyRecord", mock.Anything, layer(2)).Return(&AIResult{Passed: true, Score: 88}, nil).Once()

	g := NewGate(Options{AI: ai, Layer2: true, Layer3: true})
	v := g.Evaluate(context.Background(), "p-8", cleanRecord())

	assert.Equal(t, StatusVerified, v.Status)
	assert.InDelta(t, 0.88, v.Confidence, 1e-9)
	assert.Equal(t, []int{1, 2}, v.Layers)
	ai.AssertExpectations(t)
}

func TestGate_AILayer3OnlyAfterLayer2Fails(t *testing.T) {
	ai := new(mockAI)
	ai.On("VerifyRecord", mock.Anything, layer(2)).Return(&AIResult{Passed: false, Score: 40, Issues: []string{"title: mismatch"}}, nil).Once()
	ai.On("VerifyRecord", mock.Anything, layer(3)).Return(&AIResult{
		Passed:      false,
		Score:       35,
		Issues:      []string{"email: belongs to another person", "record looks synthetic"},
		Suggestions: []string{"re-run apollo lookup"},
	}, nil).Once()

	g := NewGate(Options{AI: ai, Layer2: true, Layer3: true})
	v := g.Evaluate(context.Background(), "p-9", cleanRecord())

	assert.Equal(t, []int{1, 2, 3}, v.Layers)
	assert.Equal(t, StatusUnverified, v.Status)
	assert.InDelta(t, 0.35, v.Confidence, 1e-9)
	assert.Equal(t, []string{"email"}, v.FailedFields, "issues of the final layer only")
	assert.Equal(t, []string{"re-run apollo lookup"}, v.Suggestions)
	require.Len(t, v.FieldIssues("email"), 1)
	assert.Equal(t, "belongs to another person", v.FieldIssues("email")[0].Message)
	ai.AssertExpectations(t)
}

func TestGate_AIErrorFallsBackToStructural(t *testing.T) {
	ai := new(mockAI)
	ai.On("VerifyRecord", mock.Anything, layer(2)).Return(nil, errors.New("upstream down")).Once()

	g := NewGate(Options{AI: ai, Layer2: true})
	v := g.Evaluate(context.Background(), "p-10", cleanRecord())

	assert.Equal(t, StatusVerified, v.Status)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, []int{1}, v.Layers)
}

func TestGate_AIDisabledWithoutVerifier(t *testing.T) {
	g := NewGate(Options{Layer2: true, Layer3: true})
	v := g.Evaluate(context.Background(), "p-11", cleanRecord())
	assert.Equal(t, []int{1}, v.Layers)
}

func TestApplyFixes_Idempotent(t *testing.T) {
	g := NewGate(Options{})
	data := map[string]any{"company_url": "//acme.io", "title": "TBD", "headcount": 12}
	v := g.Evaluate(context.Background(), "p", data)

	once := ApplyFixes(data, v)
	twice := ApplyFixes(once, v)
	assert.Equal(t, once, twice)
	assert.Equal(t, "https://acme.io", once["company_url"])
	assert.Equal(t, "", once["title"])
	assert.Equal(t, 12, once["headcount"])

	assert.Equal(t, map[string]any{}, ApplyFixes(nil, nil))
}
