// Package reconcile wires verification, write authorization, confidence
// scoring and the batch writer into one reconciliation pass over a batch of
// candidates.
package reconcile

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/profile-reconciler/internal/batch"
	"github.com/sells-group/profile-reconciler/internal/confidence"
	"github.com/sells-group/profile-reconciler/internal/merge"
	"github.com/sells-group/profile-reconciler/internal/metrics"
	"github.com/sells-group/profile-reconciler/internal/model"
	"github.com/sells-group/profile-reconciler/internal/store"
	"github.com/sells-group/profile-reconciler/internal/verify"
	"github.com/sells-group/profile-reconciler/internal/writegate"
)

const defaultWorkers = 8

// Options controls one reconcile pass.
type Options struct {
	// RefreshMode lets equal-priority sources replace values older than
	// StaleDays.
	RefreshMode bool `json:"refresh_mode"`
	StaleDays   int  `json:"stale_days"`
	// CreateMissing seeds empty profiles for unknown record ids before
	// writing.
	CreateMissing bool `json:"create_missing"`
}

// Report summarises a reconcile pass.
type Report struct {
	Candidates     int                      `json:"candidates"`
	Verified       int                      `json:"verified"`
	Unverified     int                      `json:"unverified"`
	Quarantined    int                      `json:"quarantined"`
	QuarantinedIDs []string                 `json:"quarantined_ids,omitempty"`
	FieldsAccepted int                      `json:"fields_accepted"`
	FieldsRejected int                      `json:"fields_rejected"`
	Rejections     map[writegate.Reason]int `json:"rejections,omitempty"`
	Write          *batch.Result            `json:"write"`
	Duration       time.Duration            `json:"duration_ns"`
}

// Engine runs reconcile passes. It is safe for concurrent use.
type Engine struct {
	store      store.Store
	verifier   *verify.Gate
	scorer     *confidence.Scorer
	gate       *writegate.Gate
	merger     *merge.Merger
	writer     *batch.Writer
	quarantine *verify.QuarantineLog
	workers    int
	threshold  float64
	policies   map[string]model.WritePolicy
	fixedNow   *time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds concurrent verification.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithExpiryThreshold sets the confidence at which a field is due for
// re-enrichment.
func WithExpiryThreshold(v float64) Option {
	return func(e *Engine) { e.threshold = v }
}

// WithFieldPolicies sets the write policy per field. Unlisted fields are
// replaced.
func WithFieldPolicies(p map[string]model.WritePolicy) Option {
	return func(e *Engine) { e.policies = p }
}

// WithNow fixes the clock of the engine, its scorer and its write gate.
func WithNow(t time.Time) Option {
	return func(e *Engine) { e.fixedNow = &t }
}

// New creates an Engine. quarantine may be nil, in which case quarantined
// records are only reported.
func New(st store.Store, verifier *verify.Gate, scorer *confidence.Scorer, writer *batch.Writer, quarantine *verify.QuarantineLog, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		verifier:   verifier,
		scorer:     scorer,
		writer:     writer,
		quarantine: quarantine,
		workers:    defaultWorkers,
		threshold:  confidence.DefaultExpiryThreshold,
	}
	for _, o := range opts {
		o(e)
	}
	e.gate = writegate.New(scorer.Tables())
	if e.fixedNow != nil {
		e.scorer = scorer.WithNow(*e.fixedNow)
		e.gate = e.gate.WithNow(*e.fixedNow)
	}
	e.merger = merge.New(e.scorer)
	return e
}

func (e *Engine) now() time.Time {
	if e.fixedNow != nil {
		return *e.fixedNow
	}
	return time.Now()
}

// checked is a candidate after verification and fixes.
type checked struct {
	cand    model.Candidate
	verdict *verify.Verdict
	data    map[string]any
}

// Reconcile verifies cands, decides field by field which values may be
// written, and commits the winners in one batch. Quarantined records are
// appended to the quarantine log and write nothing. Only a candidate
// without a record id, a cancelled context or a storage failure returns an
// error.
func (e *Engine) Reconcile(ctx context.Context, cands []model.Candidate, opts Options) (*Report, error) {
	start := time.Now()
	for i, c := range cands {
		if err := c.Validate(); err != nil {
			return nil, eris.Wrapf(err, "reconcile: candidate %d", i)
		}
	}
	rep := &Report{Candidates: len(cands), Rejections: make(map[writegate.Reason]int)}
	if len(cands) == 0 {
		rep.Write = &batch.Result{}
		return rep, nil
	}

	list, err := e.verifyAll(ctx, cands)
	if err != nil {
		return nil, err
	}

	var (
		ids         []string
		seen        = make(map[string]bool)
		quarantined []verify.QuarantineRecord
	)
	for _, c := range list {
		metrics.Verdicts.WithLabelValues(string(c.verdict.Status)).Inc()
		switch c.verdict.Status {
		case verify.StatusVerified:
			rep.Verified++
		case verify.StatusQuarantined:
			rep.Quarantined++
			rep.QuarantinedIDs = append(rep.QuarantinedIDs, c.cand.RecordID)
			rec := verify.NewQuarantineRecord(c.verdict, c.cand.Data(), c.cand.Passthrough, e.now())
			rec.Sources = verify.SourcesOf(c.cand)
			quarantined = append(quarantined, rec)
			continue
		default:
			rep.Unverified++
		}
		if !seen[c.cand.RecordID] {
			seen[c.cand.RecordID] = true
			ids = append(ids, c.cand.RecordID)
		}
	}

	if err := e.writeQuarantine(ctx, quarantined); err != nil {
		return nil, err
	}

	if opts.CreateMissing && len(ids) > 0 {
		seed := make([]model.Profile, len(ids))
		for i, id := range ids {
			seed[i] = model.Profile{ID: id}
		}
		if _, err := e.store.UpsertProfiles(ctx, seed); err != nil {
			return nil, eris.Wrap(err, "reconcile: seed missing profiles")
		}
	}

	meta, err := e.store.GetMetadata(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: load metadata")
	}

	agree := newAgreement(list)
	var instrs []batch.Instruction
	for _, c := range list {
		if c.verdict.Status == verify.StatusQuarantined {
			continue
		}
		current := meta[c.cand.RecordID]
		if current == nil {
			current = make(model.EnrichmentMetadata)
			meta[c.cand.RecordID] = current
		}
		in, accepted, rejected := e.instruction(c, current, agree, opts, rep.Rejections)
		rep.FieldsAccepted += accepted
		rep.FieldsRejected += rejected
		if len(in.Writes) > 0 {
			instrs = append(instrs, in)
		}
	}

	res, err := e.writer.Write(ctx, instrs)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: write")
	}
	rep.Write = res
	rep.Duration = time.Since(start)
	metrics.ReconcileDuration.Observe(rep.Duration.Seconds())

	zap.L().Info("reconcile: pass complete",
		zap.Int("candidates", rep.Candidates),
		zap.Int("verified", rep.Verified),
		zap.Int("unverified", rep.Unverified),
		zap.Int("quarantined", rep.Quarantined),
		zap.Int("fields_accepted", rep.FieldsAccepted),
		zap.Int("fields_rejected", rep.FieldsRejected),
		zap.Int("records_updated", res.Updated),
		zap.Int("records_failed", res.Failed),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

func (e *Engine) verifyAll(ctx context.Context, cands []model.Candidate) ([]checked, error) {
	out := make([]checked, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, c := range cands {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, data := e.verifier.Verify(gctx, c.RecordID, c.Data())
			out[i] = checked{cand: c, verdict: v, data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "reconcile: verify")
	}
	return out, nil
}

func (e *Engine) writeQuarantine(ctx context.Context, recs []verify.QuarantineRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if e.quarantine == nil {
		zap.L().Warn("reconcile: no quarantine log configured, quarantined records not persisted",
			zap.Int("records", len(recs)))
		return nil
	}
	if err := e.quarantine.Write(ctx, recs...); err != nil {
		return eris.Wrap(err, "reconcile: write quarantine")
	}
	metrics.QuarantineAppends.Add(float64(len(recs)))
	return nil
}

// instruction gates every verified field of c against current and builds
// the writes that won. current is updated in place so later candidates for
// the same record compete against the values accepted here.
func (e *Engine) instruction(c checked, current model.EnrichmentMetadata, agree agreement, opts Options, rejections map[writegate.Reason]int) (batch.Instruction, int, int) {
	in := batch.Instruction{RecordID: c.cand.RecordID}
	var accepted, rejected int
	for _, field := range sortedKeys(c.data) {
		if !c.verdict.Passed(field) {
			continue
		}
		value := c.data[field]
		cv := c.cand.Fields[field]
		source := model.FieldProvenance{Source: cv.Source}.SourceOrUnknown()

		existing := current.Get(field)
		d := e.gate.Decide(field, value, existing, source, opts.RefreshMode, opts.StaleDays)
		metrics.WriteDecisions.WithLabelValues(metrics.Result(d.Allowed), string(d.Reason)).Inc()
		if !d.Allowed {
			zap.L().Debug("reconcile: field write rejected",
				zap.String("record_id", c.cand.RecordID),
				zap.String("field", field),
				zap.String("source", source),
				zap.String("reason", string(d.Reason)),
			)
			rejected++
			rejections[d.Reason]++
			continue
		}

		prov := e.provenance(field, source, cv, c.verdict, existing, agree.sources(c.cand.RecordID, field, value))
		current[field] = prov
		in.Writes = append(in.Writes, batch.FieldWrite{
			Field:      field,
			Value:      value,
			Source:     source,
			Policy:     e.policies[field],
			Provenance: &prov,
		})
		accepted++
	}
	return in, accepted, rejected
}

// provenance builds the metadata entry for a winning value. Values from a
// fully verified record count as a verification; a repeat verification by
// the same source accumulates.
func (e *Engine) provenance(field, source string, cv model.CandidateValue, v *verify.Verdict, existing *model.FieldProvenance, agreeing []string) model.FieldProvenance {
	now := e.now().UTC()
	enrichedAt := now
	if !cv.ObservedAt.IsZero() {
		if t, err := cv.ObservedAt.Time(); err == nil {
			enrichedAt = t.UTC()
		}
	}

	fp := model.FieldProvenance{
		Source:     source,
		EnrichedAt: model.NewTimestamp(enrichedAt),
	}
	var verifiedAt *time.Time
	if v.Status == verify.StatusVerified {
		fp.VerificationCount = 1
		if existing != nil && existing.Source == source {
			fp.VerificationCount += existing.VerificationCount
		}
		fp.VerifiedAt = model.TimestampPtr(now)
		verifiedAt = &now
	}
	if len(agreeing) >= 2 {
		fp.CrossValidatedBy = agreeing
	}

	score := e.scorer.Calculate(confidence.Input{
		Field:             field,
		Source:            source,
		EnrichedAt:        enrichedAt,
		VerifiedAt:        verifiedAt,
		VerificationCount: fp.VerificationCount,
		CrossValidatedBy:  fp.CrossValidatedBy,
	})
	fp.Confidence = model.Float(score)
	fp.ConfidenceExpiresAt = model.NewTimestamp(e.scorer.ExpiresAt(field, enrichedAt, e.threshold))
	return fp
}
