// Package verify runs layered quality checks over candidate profile data and
// decides whether a record is verified, unverified or quarantined.
package verify

import (
	"fmt"
	"sort"
)

// Status is the verification state of a record or field.
type Status string

const (
	StatusPending     Status = "pending"
	StatusVerified    Status = "verified"
	StatusUnverified  Status = "unverified"
	StatusQuarantined Status = "quarantined"
)

// Severity ranks an issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue codes produced by the structural layer.
const (
	CodeRequired         = "required"
	CodeInvalidEmail     = "invalid_email"
	CodeDisposableEmail  = "disposable_email"
	CodePlaceholderEmail = "placeholder_email"
	CodePlaceholder      = "placeholder_value"
	CodeMissingScheme    = "missing_scheme"
	CodeInvalidURL       = "invalid_url"
	CodeLinkedInDomain   = "linkedin_domain"
	CodeInvalidPhone     = "invalid_phone"
	CodeNoFields         = "no_fields"
	CodeAIRejected       = "ai_rejected"
)

// Issue is a single finding about a field, or about the whole record when
// Field is empty.
type Issue struct {
	Field    string   `json:"field,omitempty"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	// Fixable issues are resolved by ApplyFixes and do not count against
	// the record.
	Fixable bool `json:"fixable,omitempty"`
	Layer   int  `json:"layer"`
}

// String renders the issue as "field: code: message".
func (i Issue) String() string {
	if i.Field == "" {
		return fmt.Sprintf("%s: %s", i.Code, i.Message)
	}
	return fmt.Sprintf("%s: %s: %s", i.Field, i.Code, i.Message)
}

func (i Issue) unresolved() bool {
	return !i.Fixable && i.Severity != SeverityInfo
}

// Verdict is the result of verifying one record.
type Verdict struct {
	RecordID    string            `json:"record_id"`
	Status      Status            `json:"status"`
	FieldStatus map[string]Status `json:"field_status"`
	Issues      []Issue           `json:"issues"`
	// Fixed lists issues that ApplyFixes resolved before the final evaluation.
	Fixed        []Issue  `json:"fixed,omitempty"`
	Confidence   float64  `json:"confidence"`
	FailedFields []string `json:"failed_fields"`
	Layers       []int    `json:"layers"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// Passed reports whether field may be written.
func (v *Verdict) Passed(field string) bool {
	return v.FieldStatus[field] == StatusVerified
}

// IssueStrings renders every unresolved issue.
func (v *Verdict) IssueStrings() []string {
	out := make([]string, 0, len(v.Issues))
	for _, i := range v.Issues {
		if i.unresolved() {
			out = append(out, i.String())
		}
	}
	return out
}

// FieldIssues returns the unresolved issues tagged to field.
func (v *Verdict) FieldIssues(field string) []Issue {
	var out []Issue
	for _, i := range v.Issues {
		if i.Field == field && i.unresolved() {
			out = append(out, i)
		}
	}
	return out
}

// aggregate fills Status, FieldStatus and FailedFields from Issues, and a
// Layer 1 confidence as the mean per-field pass signal.
func (v *Verdict) aggregate(fields []string) {
	v.FieldStatus = make(map[string]Status, len(fields))
	for _, f := range fields {
		v.FieldStatus[f] = StatusVerified
	}

	v.Status = StatusVerified
	failed := make(map[string]struct{})
	for _, i := range v.Issues {
		if !i.unresolved() {
			continue
		}
		st := StatusUnverified
		if i.Severity == SeverityCritical {
			st = StatusQuarantined
		}
		v.Status = worse(v.Status, st)
		if i.Field == "" {
			continue
		}
		failed[i.Field] = struct{}{}
		v.FieldStatus[i.Field] = worse(v.FieldStatus[i.Field], st)
	}

	v.FailedFields = make([]string, 0, len(failed))
	for f := range failed {
		v.FailedFields = append(v.FailedFields, f)
	}
	sort.Strings(v.FailedFields)

	if len(fields) == 0 {
		v.Confidence = 0
		return
	}
	passed := 0
	for _, f := range fields {
		if v.FieldStatus[f] == StatusVerified {
			passed++
		}
	}
	v.Confidence = float64(passed) / float64(len(fields))
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusQuarantined:
			return 3
		case StatusUnverified:
			return 2
		case StatusVerified:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
