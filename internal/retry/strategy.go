package retry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Enrichment methods known to the default strategy table.
const (
	MethodWebScrape            = "web_scrape"
	MethodApolloLookup         = "apollo_lookup"
	MethodApolloVerifiedLookup = "apollo_verified_lookup"
	MethodAIResearch           = "ai_research"
)

// Strategy is the table entry for one failure type.
type Strategy struct {
	// SameMethod retries the method that produced the failure.
	SameMethod bool `yaml:"same_method" mapstructure:"same_method"`
	// Methods are tried in order; the last one repeats while attempts remain.
	Methods     []string `yaml:"methods" mapstructure:"methods"`
	MaxAttempts int      `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// RetryPlan is what to do about one failed field.
type RetryPlan struct {
	FailureType FailureType `json:"failure_type"`
	Methods     []string    `json:"methods"`
	MaxAttempts int         `json:"max_attempts"`
}

// Method returns the method for attempt (0-based).
func (p RetryPlan) Method(attempt int) string {
	if len(p.Methods) == 0 {
		return ""
	}
	if attempt >= len(p.Methods) {
		return p.Methods[len(p.Methods)-1]
	}
	return p.Methods[attempt]
}

// Strategies maps failure types to retry strategies.
type Strategies map[FailureType]Strategy

// DefaultStrategies returns the production strategy table.
func DefaultStrategies() Strategies {
	return Strategies{
		FailureTimeout:    {SameMethod: true, MaxAttempts: 3},
		FailureRateLimit:  {SameMethod: true, MaxAttempts: 2},
		FailureNoData:     {Methods: []string{MethodApolloLookup, MethodAIResearch}, MaxAttempts: 2},
		FailureValidation: {Methods: []string{MethodApolloVerifiedLookup, MethodAIResearch}, MaxAttempts: 2},
		FailureExhausted:  {MaxAttempts: 0},
		FailureUnknown:    {SameMethod: true, MaxAttempts: 1},
	}
}

// LoadStrategies reads overrides from a YAML file with a top-level
// "strategies" key and applies them over the defaults.
func LoadStrategies(path string) (Strategies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "retry: read strategies %s", path)
	}
	var wrapper struct {
		Strategies Strategies `yaml:"strategies"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "retry: parse strategies")
	}
	s := DefaultStrategies().With(wrapper.Strategies)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// With returns a copy of s with overrides applied per failure type.
func (s Strategies) With(overrides Strategies) Strategies {
	out := make(Strategies, len(s)+len(overrides))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Validate rejects unknown failure types and negative budgets.
func (s Strategies) Validate() error {
	known := make(map[FailureType]bool, len(FailureTypes))
	for _, ft := range FailureTypes {
		known[ft] = true
	}
	for ft, st := range s {
		if !known[ft] {
			return eris.Errorf("retry: unknown failure type %q", ft)
		}
		if st.MaxAttempts < 0 {
			return eris.Errorf("retry: max_attempts for %s must not be negative", ft)
		}
		if st.MaxAttempts > 0 && !st.SameMethod && len(st.Methods) == 0 {
			return eris.Errorf("retry: strategy for %s has attempts but no methods", ft)
		}
	}
	return nil
}

// Selector picks a RetryPlan for a failed field.
type Selector struct {
	strategies Strategies
	// fallback is used when a same-method strategy has no previous method.
	fallback string
	// budget caps attempts per field across all retry runs. 0 means no cap.
	budget int
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithFallbackMethod sets the method used when the failing method is unknown.
func WithFallbackMethod(m string) SelectorOption {
	return func(s *Selector) { s.fallback = m }
}

// WithAttemptBudget caps the attempts a field may accumulate.
func WithAttemptBudget(n int) SelectorOption {
	return func(s *Selector) { s.budget = n }
}

// NewSelector creates a selector over strategies merged onto the defaults.
func NewSelector(strategies Strategies, opts ...SelectorOption) *Selector {
	s := &Selector{
		strategies: DefaultStrategies().With(strategies),
		fallback:   MethodWebScrape,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Select classifies f and returns its plan. It never fails: an unknown type
// or an exhausted budget yields a conservative plan.
func (s *Selector) Select(f FieldFailure) RetryPlan {
	ft := Classify(f)
	if s.budget > 0 && f.Attempts >= s.budget {
		ft = FailureExhausted
	}
	st, ok := s.strategies[ft]
	if !ok {
		st = Strategy{SameMethod: true, MaxAttempts: 1}
	}

	plan := RetryPlan{FailureType: ft, MaxAttempts: st.MaxAttempts}
	switch {
	case st.MaxAttempts <= 0:
		plan.MaxAttempts = 0
	case st.SameMethod:
		m := f.LastMethod
		if m == "" {
			m = s.fallback
		}
		plan.Methods = []string{m}
	default:
		plan.Methods = append([]string{}, st.Methods...)
	}
	if s.budget > 0 && plan.MaxAttempts > 0 && plan.MaxAttempts > s.budget-f.Attempts {
		plan.MaxAttempts = s.budget - f.Attempts
	}
	return plan
}
