package reconcile

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/batch"
	"github.com/sells-group/profile-reconciler/internal/metrics"
	"github.com/sells-group/profile-reconciler/internal/model"
	"github.com/sells-group/profile-reconciler/internal/verify"
	"github.com/sells-group/profile-reconciler/internal/writegate"
)

// Resubmit re-verifies a quarantined record with field replaced by cv and
// reports whether the field now passes. Nothing is written; a record is
// written once all of its fixes are known, through Commit.
func (e *Engine) Resubmit(ctx context.Context, rec verify.QuarantineRecord, field string, cv model.CandidateValue) (bool, error) {
	cand, err := corrected(rec, map[string]model.CandidateValue{field: cv})
	if err != nil {
		return false, eris.Wrap(err, "reconcile: resubmit")
	}

	v, _ := e.verifier.Verify(ctx, cand.RecordID, cand.Data())
	if !v.Passed(field) {
		zap.L().Debug("reconcile: resubmitted field still failing",
			zap.String("record_id", rec.RecordID),
			zap.String("field", field),
			zap.Strings("issues", v.IssueStrings()),
		)
		return false, nil
	}
	return true, nil
}

// Commit writes a resolved quarantine record: its original data with fixes
// applied goes through verification, the write gate and the batch writer as
// one record, keeping the source each original value arrived with. It
// reports whether the record was written. A record that no longer verifies,
// or whose fixes no longer pass, is not written. Fields the gate rejects
// keep their stored values and do not fail the commit.
func (e *Engine) Commit(ctx context.Context, rec verify.QuarantineRecord, fixes map[string]model.CandidateValue) (bool, error) {
	cand, err := corrected(rec, fixes)
	if err != nil {
		return false, eris.Wrap(err, "reconcile: commit")
	}

	v, data := e.verifier.Verify(ctx, cand.RecordID, cand.Data())
	metrics.Verdicts.WithLabelValues(string(v.Status)).Inc()
	if v.Status == verify.StatusQuarantined {
		zap.L().Info("reconcile: corrected record still quarantined",
			zap.String("record_id", rec.RecordID),
			zap.Strings("issues", v.IssueStrings()),
		)
		return false, nil
	}
	for field := range fixes {
		if !v.Passed(field) {
			return false, nil
		}
	}

	meta, err := e.store.GetMetadata(ctx, []string{rec.RecordID})
	if err != nil {
		return false, eris.Wrap(err, "reconcile: commit load metadata")
	}
	current := meta[rec.RecordID]
	if current == nil {
		current = make(model.EnrichmentMetadata)
	}

	c := checked{cand: cand, verdict: v, data: data}
	in, accepted, rejected := e.instruction(c, current, nil, Options{}, make(map[writegate.Reason]int))
	zap.L().Debug("reconcile: committing corrected record",
		zap.String("record_id", rec.RecordID),
		zap.Strings("fixed", fixedFields(fixes)),
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
	)
	if accepted == 0 {
		return true, nil
	}

	res, err := e.writer.Write(ctx, []batch.Instruction{in})
	if err != nil {
		return false, eris.Wrap(err, "reconcile: commit write")
	}
	return res.Failed == 0, nil
}

// corrected rebuilds the candidate rec was quarantined from and applies fixes.
func corrected(rec verify.QuarantineRecord, fixes map[string]model.CandidateValue) (model.Candidate, error) {
	cand := rec.Candidate()
	for field, cv := range fixes {
		cand.Fields[field] = cv
	}
	return cand, cand.Validate()
}

func fixedFields(fixes map[string]model.CandidateValue) []string {
	out := make([]string, 0, len(fixes))
	for f := range fixes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
