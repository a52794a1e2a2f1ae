package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/profile-reconciler/internal/resilience"
	"github.com/sells-group/profile-reconciler/internal/verify"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		f    FieldFailure
		want FailureType
	}{
		{"empty", FieldFailure{}, FailureUnknown},
		{"exhausted sentinel", FieldFailure{LastError: eris.Wrap(ErrExhausted, "producer")}, FailureExhausted},
		{"exhausted issue text", FieldFailure{Issues: []string{"email: all sources exhausted"}}, FailureExhausted},
		{"exhausted beats timeout", FieldFailure{
			LastError: context.DeadlineExceeded,
			Issues:    []string{"phone: source exhausted"},
		}, FailureExhausted},
		{"deadline", FieldFailure{LastError: context.DeadlineExceeded}, FailureTimeout},
		{"connection reset", FieldFailure{LastError: errors.New("read tcp: connection reset by peer")}, FailureTimeout},
		{"503", FieldFailure{LastError: resilience.NewStatusError(errors.New("unavailable"), http.StatusServiceUnavailable)}, FailureTimeout},
		{"timeout issue", FieldFailure{Issues: []string{"company_url: fetch timeout after 30s"}}, FailureTimeout},
		{"429", FieldFailure{LastError: resilience.NewStatusError(errors.New("slow down"), http.StatusTooManyRequests)}, FailureRateLimit},
		{"rate limit text", FieldFailure{Issues: []string{"email: provider rate limit hit"}}, FailureRateLimit},
		{"no data sentinel", FieldFailure{LastError: ErrNoData}, FailureNoData},
		{"required", FieldFailure{Issues: []string{"full_name: " + verify.CodeRequired + ": required field is empty"}}, FailureNoData},
		{"not found text", FieldFailure{LastError: errors.New("person not found")}, FailureNoData},
		{"invalid email", FieldFailure{Issues: []string{"email: " + verify.CodeInvalidEmail + ": not a valid email address"}}, FailureValidation},
		{"ai rejected", FieldFailure{Issues: []string{"email: " + verify.CodeAIRejected + ": belongs to another person"}}, FailureValidation},
		{"400 is not transient", FieldFailure{LastError: resilience.NewStatusError(errors.New("bad request"), http.StatusBadRequest)}, FailureUnknown},
		{"free text", FieldFailure{Issues: []string{"something odd"}}, FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.f))
		})
	}
}

func TestClassify_NeverPanics(t *testing.T) {
	inputs := []FieldFailure{
		{Issues: []string{"", ": : :", "::"}},
		{Issues: nil, LastError: eris.New("")},
		{Attempts: -3},
	}
	for _, f := range inputs {
		assert.NotPanics(t, func() { Classify(f) })
	}
}

func TestFieldIssues(t *testing.T) {
	rec := verify.QuarantineRecord{Issues: []string{
		"email: invalid_email: bad",
		"email_domain: placeholder_value: n/a",
		"phone: invalid_phone: short",
	}}
	assert.Equal(t, []string{"email: invalid_email: bad"}, FieldIssues(rec, "email"))
	assert.Nil(t, FieldIssues(rec, "title"))
}
