package retry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/metrics"
	"github.com/sells-group/profile-reconciler/internal/model"
	"github.com/sells-group/profile-reconciler/internal/resilience"
	"github.com/sells-group/profile-reconciler/internal/verify"
)

// Record outcomes.
const (
	OutcomeResolved         = "resolved"
	OutcomeStillQuarantined = "still_quarantined"
)

// Passthrough keys read from quarantine records.
const (
	KeyLastMethod = "enrichment_method"
	KeyAttempts   = "retry_attempts"
)

// Enricher asks a producer for a new value of one field. It returns ErrNoData
// (or a nil value) when the method found nothing.
type Enricher interface {
	Enrich(ctx context.Context, method, recordID, field string) (*model.CandidateValue, error)
}

// Resubmitter feeds retried values back through verification and the write
// path. Resubmit reports whether one retried field now passes; Commit writes
// the whole record with every fix applied and reports whether it was written.
type Resubmitter interface {
	Resubmit(ctx context.Context, rec verify.QuarantineRecord, field string, cv model.CandidateValue) (bool, error)
	Commit(ctx context.Context, rec verify.QuarantineRecord, fixes map[string]model.CandidateValue) (bool, error)
}

// FieldResult is the retry result of one failed field.
type FieldResult struct {
	Field       string      `json:"field"`
	FailureType FailureType `json:"failure_type"`
	Attempts    int         `json:"attempts"`
	Method      string      `json:"method,omitempty"`
	Success     bool        `json:"success"`
}

// RecordResult is the retry result of one quarantined record.
type RecordResult struct {
	RecordID string        `json:"record_id"`
	Outcome  string        `json:"outcome"`
	Fields   []FieldResult `json:"fields"`
}

// Summary aggregates a retry run.
type Summary struct {
	Records          int            `json:"records"`
	Resolved         int            `json:"resolved"`
	StillQuarantined int            `json:"still_quarantined"`
	Results          []RecordResult `json:"results"`
}

// Runner drives the bounded retry loop over quarantined records.
type Runner struct {
	selector   *Selector
	enricher   Enricher
	resubmit   Resubmitter
	quarantine *verify.QuarantineLog
	learning   *LearningLog
	breakers   *resilience.Breakers
	backoff    resilience.Policy
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBackoff sets the delay policy between attempts.
func WithBackoff(p resilience.Policy) RunnerOption {
	return func(r *Runner) { r.backoff = p }
}

// WithBreakers sets the per-method circuit breakers.
func WithBreakers(b *resilience.Breakers) RunnerOption {
	return func(r *Runner) { r.breakers = b }
}

// WithBreakerConfig rebuilds the per-method breakers from bc. A nil Trips
// counts producer failures only.
func WithBreakerConfig(bc resilience.BreakerConfig) RunnerOption {
	return func(r *Runner) {
		if bc.Trips == nil {
			bc.Trips = methodFailed
		}
		r.breakers = resilience.NewBreakers(bc)
	}
}

// NewRunner creates a runner. learning may be nil.
func NewRunner(sel *Selector, enricher Enricher, resubmit Resubmitter, quarantine *verify.QuarantineLog, learning *LearningLog, opts ...RunnerOption) *Runner {
	bc := resilience.DefaultBreakerConfig()
	bc.Trips = methodFailed
	r := &Runner{
		selector:   sel,
		enricher:   enricher,
		resubmit:   resubmit,
		quarantine: quarantine,
		learning:   learning,
		breakers:   resilience.NewBreakers(bc),
		backoff:    resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RetryDay retries every pending record quarantined on day.
func (r *Runner) RetryDay(ctx context.Context, day time.Time) (*Summary, error) {
	recs, err := r.quarantine.Pending(day)
	if err != nil {
		return nil, eris.Wrap(err, "retry: load pending")
	}

	sum := &Summary{}
	for _, rec := range recs {
		res, err := r.RetryRecord(ctx, rec)
		if err != nil {
			return sum, err
		}
		sum.Records++
		if res.Outcome == OutcomeResolved {
			sum.Resolved++
		} else {
			sum.StillQuarantined++
		}
		sum.Results = append(sum.Results, *res)
	}

	zap.L().Info("retry: day complete",
		zap.Time("day", day),
		zap.Int("records", sum.Records),
		zap.Int("resolved", sum.Resolved),
		zap.Int("still_quarantined", sum.StillQuarantined),
	)
	return sum, nil
}

// RetryRecord retries every failed field of rec. When all fields pass the
// corrected record is committed and resolved, otherwise it is marked still
// quarantined. Either way the record is not picked up again. Errors are returned only for storage or
// log failures and cancellation.
func (r *Runner) RetryRecord(ctx context.Context, rec verify.QuarantineRecord) (*RecordResult, error) {
	res := &RecordResult{RecordID: rec.RecordID, Outcome: OutcomeResolved}

	fields := append([]string{}, rec.FailedFields...)
	sort.Strings(fields)
	if len(fields) == 0 {
		res.Outcome = OutcomeStillQuarantined
	}

	fixes := make(map[string]model.CandidateValue, len(fields))
	for _, field := range fields {
		fr, cv, err := r.retryField(ctx, rec, field)
		if err != nil {
			return nil, err
		}
		res.Fields = append(res.Fields, *fr)
		if !fr.Success {
			res.Outcome = OutcomeStillQuarantined
			continue
		}
		fixes[field] = *cv
	}

	if res.Outcome == OutcomeResolved {
		ok, err := r.resubmit.Commit(ctx, rec, fixes)
		if err != nil {
			return nil, eris.Wrapf(err, "retry: commit %s", rec.RecordID)
		}
		if !ok {
			zap.L().Warn("retry: corrected record not written",
				zap.String("record_id", rec.RecordID),
			)
			res.Outcome = OutcomeStillQuarantined
		}
	}

	if err := r.quarantine.Resolve(ctx, rec.RecordID, res.Outcome); err != nil {
		return nil, eris.Wrapf(err, "retry: resolve %s", rec.RecordID)
	}
	return res, nil
}

func (r *Runner) retryField(ctx context.Context, rec verify.QuarantineRecord, field string) (*FieldResult, *model.CandidateValue, error) {
	failure := FieldFailure{
		RecordID:   rec.RecordID,
		Field:      field,
		Issues:     FieldIssues(rec, field),
		LastMethod: passthroughString(rec.Passthrough, KeyLastMethod),
		Attempts:   passthroughInt(rec.Passthrough, KeyAttempts),
	}
	plan := r.selector.Select(failure)
	fr := &FieldResult{Field: field, FailureType: plan.FailureType}

	for attempt := 0; attempt < plan.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := resilience.Sleep(ctx, r.backoff.Delay(attempt-1)); err != nil {
				return nil, nil, eris.Wrap(err, "retry: wait")
			}
		}

		method := plan.Method(attempt)
		fr.Method = method
		fr.Attempts++

		cv, ok, err := r.attempt(ctx, rec, field, method)
		if err != nil && ctx.Err() != nil {
			return nil, nil, eris.Wrap(ctx.Err(), "retry: cancelled")
		}
		var fatal *resubmitError
		if errors.As(err, &fatal) {
			return nil, nil, fatal.err
		}

		if recErr := r.record(ctx, failure, plan.FailureType, method, attempt+1, ok, err); recErr != nil {
			return nil, nil, recErr
		}
		if ok {
			fr.Success = true
			return fr, cv, nil
		}

		failure.LastMethod, failure.LastError = method, err
		failure.Attempts++
		if err != nil && (Classify(failure) == FailureExhausted || errors.Is(err, resilience.ErrOpen)) {
			break
		}
	}

	zap.L().Info("retry: field still failing",
		zap.String("record_id", rec.RecordID),
		zap.String("field", field),
		zap.String("failure_type", string(plan.FailureType)),
		zap.Int("attempts", fr.Attempts),
	)
	return fr, nil, nil
}

// resubmitError marks a failure of the write path, which aborts the run.
type resubmitError struct{ err error }

func (e *resubmitError) Error() string { return e.err.Error() }

func (r *Runner) attempt(ctx context.Context, rec verify.QuarantineRecord, field, method string) (*model.CandidateValue, bool, error) {
	cv, err := resilience.CallVal(ctx, r.breakers.Get(method), func(ctx context.Context) (*model.CandidateValue, error) {
		cv, err := r.enricher.Enrich(ctx, method, rec.RecordID, field)
		if err == nil && (cv == nil || model.IsEmptyValue(cv.Value)) {
			return nil, ErrNoData
		}
		return cv, err
	})
	if err != nil {
		return nil, false, err
	}
	if cv.Source == "" {
		cv.Source = method
	}

	ok, err := r.resubmit.Resubmit(ctx, rec, field, *cv)
	if err != nil {
		return nil, false, &resubmitError{err: eris.Wrapf(err, "retry: resubmit %s.%s", rec.RecordID, field)}
	}
	return cv, ok, nil
}

func (r *Runner) record(ctx context.Context, f FieldFailure, ft FailureType, method string, attempt int, ok bool, err error) error {
	metrics.RetryAttempts.WithLabelValues(string(ft), metrics.Result(ok)).Inc()
	if r.learning == nil {
		return nil
	}
	o := Outcome{
		RecordID:    f.RecordID,
		Field:       f.Field,
		Strategy:    method,
		FailureType: ft,
		Success:     ok,
		Attempt:     attempt,
	}
	if err != nil {
		o.Error = err.Error()
	}
	return r.learning.Record(ctx, o)
}

// methodFailed reports whether err counts against a method's breaker. Finding
// nothing is a normal answer, not a fault.
func methodFailed(err error) bool {
	return err != nil && !errors.Is(err, ErrNoData) && !errors.Is(err, ErrExhausted)
}

func passthroughString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func passthroughInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
