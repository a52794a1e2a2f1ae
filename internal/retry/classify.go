// Package retry decides how quarantined fields are retried, drives the
// bounded retry loop and records the outcome of every attempt.
package retry

import (
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/profile-reconciler/internal/resilience"
	"github.com/sells-group/profile-reconciler/internal/verify"
)

// FailureType is why a field failed.
type FailureType string

const (
	FailureValidation FailureType = "validation_failed"
	FailureTimeout    FailureType = "fetch_timeout"
	FailureRateLimit  FailureType = "rate_limited"
	FailureNoData     FailureType = "no_data_found"
	FailureExhausted  FailureType = "source_exhausted"
	FailureUnknown    FailureType = "unknown"
)

// FailureTypes lists every failure type in classification order.
var FailureTypes = []FailureType{
	FailureExhausted, FailureTimeout, FailureRateLimit, FailureNoData, FailureValidation, FailureUnknown,
}

var (
	// ErrExhausted is returned by enrichers that have no source left to try.
	ErrExhausted = eris.New("retry: source exhausted")
	// ErrNoData is returned when an enricher ran but found nothing.
	ErrNoData = eris.New("retry: no data found")
)

// FieldFailure describes one failed field of a record.
type FieldFailure struct {
	RecordID string
	Field    string
	// Issues are rendered verification issues, "field: code: message".
	Issues []string
	// LastMethod is the enrichment method that produced the failing value.
	LastMethod string
	LastError  error
	Attempts   int
}

var (
	exhaustedPatterns = []string{"exhausted", "no sources left", "no remaining source"}
	noDataPatterns    = []string{"no data", "not found", "no results", "no match", "empty response"}

	noDataCodes = map[string]bool{
		verify.CodeRequired: true,
		verify.CodeNoFields: true,
	}
	validationCodes = map[string]bool{
		verify.CodeInvalidEmail:     true,
		verify.CodeDisposableEmail:  true,
		verify.CodePlaceholderEmail: true,
		verify.CodePlaceholder:      true,
		verify.CodeMissingScheme:    true,
		verify.CodeInvalidURL:       true,
		verify.CodeLinkedInDomain:   true,
		verify.CodeInvalidPhone:     true,
		verify.CodeAIRejected:       true,
	}
)

// Classify derives the failure type from the last error and the recorded
// issues. It never panics; anything unrecognised is FailureUnknown.
func Classify(f FieldFailure) FailureType {
	texts := make([]string, 0, len(f.Issues)+1)
	if f.LastError != nil {
		texts = append(texts, strings.ToLower(f.LastError.Error()))
	}
	for _, is := range f.Issues {
		texts = append(texts, strings.ToLower(is))
	}

	switch {
	case errors.Is(f.LastError, ErrExhausted) || anyContains(texts, exhaustedPatterns):
		return FailureExhausted
	case isRateLimited(f):
		return FailureRateLimit
	case isTransient(f):
		return FailureTimeout
	case errors.Is(f.LastError, ErrNoData) || anyContains(texts, noDataPatterns) || hasCode(f.Issues, noDataCodes):
		return FailureNoData
	case hasCode(f.Issues, validationCodes):
		return FailureValidation
	}
	return FailureUnknown
}

func isRateLimited(f FieldFailure) bool {
	if resilience.IsRateLimited(f.LastError) {
		return true
	}
	for _, is := range f.Issues {
		if resilience.IsRateLimited(errors.New(is)) {
			return true
		}
	}
	return false
}

func isTransient(f FieldFailure) bool {
	if resilience.IsTransient(f.LastError) || resilience.IsTimeout(f.LastError) {
		return true
	}
	for _, is := range f.Issues {
		if resilience.IsTimeout(errors.New(is)) {
			return true
		}
	}
	return false
}

// hasCode reports whether any issue carries one of codes as a segment of its
// "field: code: message" rendering.
func hasCode(issues []string, codes map[string]bool) bool {
	for _, is := range issues {
		for _, seg := range strings.Split(is, ": ") {
			if codes[strings.TrimSpace(seg)] {
				return true
			}
		}
	}
	return false
}

func anyContains(texts, patterns []string) bool {
	for _, t := range texts {
		for _, p := range patterns {
			if strings.Contains(t, p) {
				return true
			}
		}
	}
	return false
}

// FieldIssues returns the issues of rec that concern field.
func FieldIssues(rec verify.QuarantineRecord, field string) []string {
	var out []string
	prefix := field + ": "
	for _, is := range rec.Issues {
		if strings.HasPrefix(is, prefix) {
			out = append(out, is)
		}
	}
	return out
}
