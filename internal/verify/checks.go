package verify

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/profile-reconciler/internal/model"
)

// FieldKind selects the structural checks applied to a field.
type FieldKind string

const (
	KindText     FieldKind = "text"
	KindEmail    FieldKind = "email"
	KindURL      FieldKind = "url"
	KindLinkedIn FieldKind = "linkedin"
	KindPhone    FieldKind = "phone"
)

// Rules configures the structural layer.
type Rules struct {
	Required []string
	Kinds    map[string]FieldKind
}

// DefaultRules returns the checks used for contact profiles.
func DefaultRules() Rules {
	return Rules{
		Required: []string{"full_name"},
		Kinds: map[string]FieldKind{
			"email":        KindEmail,
			"work_email":   KindEmail,
			"company_url":  KindURL,
			"website":      KindURL,
			"linkedin_url": KindLinkedIn,
			"phone":        KindPhone,
			"mobile_phone": KindPhone,
		},
	}
}

func (r Rules) kind(field string) FieldKind {
	if k, ok := r.Kinds[field]; ok {
		return k
	}
	return KindText
}

var (
	disposableDomains = map[string]bool{
		"mailinator.com":    true,
		"guerrillamail.com": true,
		"10minutemail.com":  true,
		"tempmail.com":      true,
		"temp-mail.org":     true,
		"yopmail.com":       true,
		"trashmail.com":     true,
		"sharklasers.com":   true,
		"throwawaymail.com": true,
		"maildrop.cc":       true,
	}

	placeholderDomains = map[string]bool{
		"example.com":     true,
		"example.org":     true,
		"example.net":     true,
		"test.com":        true,
		"domain.com":      true,
		"yourcompany.com": true,
		"company.com":     true,
		"sample.com":      true,
		"email.test":      true,
		"localhost":       true,
	}

	placeholderValues = map[string]bool{
		"":                true,
		"-":               true,
		"--":              true,
		"?":               true,
		"n/a":             true,
		"na":              true,
		"none":            true,
		"null":            true,
		"nil":             true,
		"undefined":       true,
		"unknown":         true,
		"tbd":             true,
		"tba":             true,
		"test":            true,
		"x":               true,
		"xxx":             true,
		"placeholder":     true,
		"not available":   true,
		"not applicable":  true,
		"john doe":        true,
		"jane doe":        true,
		"lorem ipsum":     true,
		"first last":      true,
		"your name":       true,
		"[]":              true,
		"{}":              true,
	}

	spaceRun = regexp.MustCompile(`\s+`)
	folder   = cases.Fold()
)

// normalize folds case, applies NFKC and collapses whitespace so visually
// equivalent placeholders compare equal.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// IsPlaceholder reports whether s is a known stand-in for missing data.
func IsPlaceholder(s string) bool {
	return placeholderValues[normalize(s)]
}

func newValidate() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("noplaceholder", func(fl validator.FieldLevel) bool {
		return !IsPlaceholder(fl.Field().String())
	})
	return v
}

// structural runs the deterministic layer over data.
type structural struct {
	rules    Rules
	validate *validator.Validate
}

func newStructural(rules Rules) *structural {
	return &structural{rules: rules, validate: newValidate()}
}

func (s *structural) check(data map[string]any) []Issue {
	var issues []Issue
	for _, f := range s.rules.Required {
		if model.IsEmptyValue(data[f]) {
			issues = append(issues, issue(f, CodeRequired, SeverityCritical, false, "required field is empty"))
		}
	}
	for field, v := range data {
		str, ok := asString(v)
		if !ok || strings.TrimSpace(str) == "" {
			continue
		}
		issues = append(issues, s.checkField(field, str)...)
	}
	return issues
}

func (s *structural) checkField(field, value string) []Issue {
	value = strings.TrimSpace(value)
	if s.validate.Var(value, "noplaceholder") != nil {
		return []Issue{issue(field, CodePlaceholder, SeverityWarning, true, fmt.Sprintf("placeholder value %q", value))}
	}

	switch s.rules.kind(field) {
	case KindEmail:
		return s.checkEmail(field, value)
	case KindURL:
		return s.checkURL(field, value, false)
	case KindLinkedIn:
		return s.checkURL(field, value, true)
	case KindPhone:
		return checkPhone(field, value)
	}
	return nil
}

func (s *structural) checkEmail(field, value string) []Issue {
	if s.validate.Var(value, "email") != nil {
		return []Issue{issue(field, CodeInvalidEmail, SeverityCritical, false, "not a valid email address")}
	}
	domain := strings.ToLower(value[strings.LastIndex(value, "@")+1:])
	switch {
	case disposableDomains[domain]:
		return []Issue{issue(field, CodeDisposableEmail, SeverityCritical, false, "disposable email domain "+domain)}
	case placeholderDomains[domain]:
		return []Issue{issue(field, CodePlaceholderEmail, SeverityWarning, true, "placeholder email domain "+domain)}
	}
	return nil
}

func (s *structural) checkURL(field, value string, linkedin bool) []Issue {
	var issues []Issue
	if !hasScheme(value) {
		issues = append(issues, issue(field, CodeMissingScheme, SeverityWarning, true, "url has no scheme"))
		value = "https://" + strings.TrimPrefix(value, "//")
	}

	u, err := url.Parse(value)
	if err != nil || s.validate.Var(value, "url") != nil || u.Host == "" || !strings.Contains(u.Host, ".") ||
		(u.Scheme != "http" && u.Scheme != "https") {
		return []Issue{issue(field, CodeInvalidURL, SeverityWarning, false, "malformed url")}
	}

	if linkedin {
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if host != "linkedin.com" && !strings.HasSuffix(host, ".linkedin.com") {
			issues = append(issues, issue(field, CodeLinkedInDomain, SeverityWarning, false, "not a linkedin.com url"))
		}
	}
	return issues
}

func checkPhone(field, value string) []Issue {
	digits := 0
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune(" +-().x/", r):
		default:
			return []Issue{issue(field, CodeInvalidPhone, SeverityWarning, false, "phone contains letters")}
		}
	}
	if digits < 7 || digits > 15 {
		return []Issue{issue(field, CodeInvalidPhone, SeverityWarning, false, fmt.Sprintf("phone has %d digits", digits))}
	}
	return nil
}

func hasScheme(s string) bool {
	return strings.Contains(s, "://")
}

func issue(field, code string, sev Severity, fixable bool, msg string) Issue {
	return Issue{Field: field, Code: code, Message: msg, Severity: sev, Fixable: fixable, Layer: 1}
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	}
	return "", false
}
