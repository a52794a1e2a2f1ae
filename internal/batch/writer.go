package batch

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/metrics"
	"github.com/sells-group/profile-reconciler/internal/model"
	"github.com/sells-group/profile-reconciler/internal/store"
)

// Result summarises one Write call.
type Result struct {
	Updated       int      `json:"updated"`
	Unchanged     int      `json:"unchanged"`
	Failed        int      `json:"failed"`
	FieldsWritten int      `json:"fields_written"`
	SkippedEmpty  int      `json:"skipped_empty"`
	FailedIDs     []string `json:"failed_ids,omitempty"`
}

// Writer consolidates field writes into batched, checkpointed updates.
type Writer struct {
	store           store.Store
	pipelineVersion string
	now             func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithPipelineVersion stamps provenance written by this writer.
func WithPipelineVersion(v string) Option {
	return func(w *Writer) { w.pipelineVersion = v }
}

// WithNow sets the clock used for enriched_at.
func WithNow(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a Writer on st.
func NewWriter(st store.Store, opts ...Option) *Writer {
	w := &Writer{store: st, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w
}

// group holds instructions sharing one field shape.
type group struct {
	shape string
	recs  []Instruction
}

// groupStats is what a checkpoint contributes once it is released.
type groupStats struct {
	updated   int
	unchanged int
	fields    int
}

// Write applies instructions. Records sharing a field shape are updated in
// one statement inside a checkpoint; when that fails the group is retried one
// record per checkpoint so a single bad record cannot take down its peers.
// Only storage failures outside a checkpoint return an error.
func (w *Writer) Write(ctx context.Context, instrs []Instruction) (*Result, error) {
	res := &Result{}
	groups, err := w.plan(instrs, res)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return res, nil
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "batch: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := w.now().UTC()
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "batch: write")
		}
		if err := w.writeGroup(ctx, tx, g, now, res); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "batch: commit")
	}

	metrics.BatchRecords.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.BatchRecords.WithLabelValues("unchanged").Add(float64(res.Unchanged))
	metrics.BatchRecords.WithLabelValues("failed").Add(float64(res.Failed))
	metrics.BatchFieldsWritten.Add(float64(res.FieldsWritten))

	zap.L().Info("batch: write complete",
		zap.Int("groups", len(groups)),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("failed", res.Failed),
		zap.Int("fields_written", res.FieldsWritten),
		zap.Int("skipped_empty", res.SkippedEmpty),
	)
	return res, nil
}

// plan validates instructions, merges duplicate records, drops empty values
// and groups the rest by field shape in order of first appearance.
func (w *Writer) plan(instrs []Instruction, res *Result) ([]*group, error) {
	merged := make(map[string]int, len(instrs))
	var recs []Instruction
	for i, in := range instrs {
		id := strings.TrimSpace(in.RecordID)
		if id == "" {
			return nil, eris.Errorf("batch: instruction %d has no record id", i)
		}
		var writes []FieldWrite
		for _, fw := range in.Writes {
			if fw.Field == "" {
				return nil, eris.Errorf("batch: record %s has a write with no field", id)
			}
			if model.IsEmptyValue(fw.Value) {
				res.SkippedEmpty++
				continue
			}
			writes = append(writes, fw)
		}
		if idx, ok := merged[id]; ok {
			recs[idx].Writes = mergeWrites(recs[idx].Writes, writes)
			continue
		}
		merged[id] = len(recs)
		recs = append(recs, Instruction{RecordID: id, Writes: mergeWrites(nil, writes)})
	}

	byShape := make(map[string]*group)
	var groups []*group
	for _, rec := range recs {
		if len(rec.Writes) == 0 {
			continue
		}
		key := shape(rec.Writes)
		g, ok := byShape[key]
		if !ok {
			g = &group{shape: key}
			byShape[key] = g
			groups = append(groups, g)
		}
		g.recs = append(g.recs, rec)
	}
	return groups, nil
}

// mergeWrites appends src to dst; a later write to the same field replaces
// the earlier one.
func mergeWrites(dst, src []FieldWrite) []FieldWrite {
	for _, fw := range src {
		replaced := false
		for i := range dst {
			if dst[i].Field == fw.Field {
				dst[i] = fw
				replaced = true
				break
			}
		}
		if !replaced {
			dst = append(dst, fw)
		}
	}
	return dst
}

func shape(writes []FieldWrite) string {
	fields := make([]string, len(writes))
	for i, fw := range writes {
		fields[i] = fw.Field
	}
	sort.Strings(fields)
	return strings.Join(fields, ",")
}

func (w *Writer) writeGroup(ctx context.Context, tx store.Tx, g *group, now time.Time, res *Result) error {
	cp, err := tx.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "batch: checkpoint for group %s", g.shape)
	}
	stats, groupErr := w.apply(ctx, cp, g.recs, now)
	if groupErr == nil {
		if err := cp.Commit(ctx); err != nil {
			return eris.Wrapf(err, "batch: release group %s", g.shape)
		}
		res.add(stats)
		return nil
	}
	if err := cp.Rollback(ctx); err != nil {
		return eris.Wrapf(err, "batch: rollback group %s", g.shape)
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "batch: write")
	}

	metrics.BatchGroupFallbacks.Inc()
	zap.L().Warn("batch: group update failed, retrying per record",
		zap.String("shape", g.shape),
		zap.Int("records", len(g.recs)),
		zap.Error(groupErr),
	)

	for _, rec := range g.recs {
		cp, err := tx.Begin(ctx)
		if err != nil {
			return eris.Wrapf(err, "batch: checkpoint for record %s", rec.RecordID)
		}
		stats, recErr := w.apply(ctx, cp, []Instruction{rec}, now)
		if recErr == nil {
			if err := cp.Commit(ctx); err != nil {
				return eris.Wrapf(err, "batch: release record %s", rec.RecordID)
			}
			res.add(stats)
			continue
		}
		if err := cp.Rollback(ctx); err != nil {
			return eris.Wrapf(err, "batch: rollback record %s", rec.RecordID)
		}
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "batch: write")
		}
		zap.L().Warn("batch: record update failed",
			zap.String("record_id", rec.RecordID),
			zap.Error(recErr),
		)
		res.Failed++
		res.FailedIDs = append(res.FailedIDs, rec.RecordID)
	}
	return nil
}

// apply reads the records, combines each write with the stored value under
// its policy and issues one batched update for the records that changed.
func (w *Writer) apply(ctx context.Context, tx store.Tx, recs []Instruction, now time.Time) (groupStats, error) {
	var stats groupStats
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.RecordID
	}
	current, err := tx.GetProfiles(ctx, ids)
	if err != nil {
		return stats, err
	}

	var changed []model.Profile
	for _, rec := range recs {
		p, ok := current[rec.RecordID]
		if !ok {
			return stats, eris.Wrapf(store.ErrNotFound, "batch: record %s", rec.RecordID)
		}
		next, n := w.applyWrites(p, rec.Writes, now)
		if n == 0 {
			stats.unchanged++
			continue
		}
		changed = append(changed, next)
		stats.updated++
		stats.fields += n
	}
	if err := tx.UpdateProfiles(ctx, changed); err != nil {
		return stats, err
	}
	return stats, nil
}

func (w *Writer) applyWrites(p *model.Profile, writes []FieldWrite, now time.Time) (model.Profile, int) {
	data := make(map[string]any, len(p.Data)+len(writes))
	for k, v := range p.Data {
		data[k] = v
	}
	updates := make(model.EnrichmentMetadata, len(writes))
	n := 0
	for _, fw := range writes {
		policy := fw.Policy
		if policy == "" {
			policy = model.PolicyAlways
		}
		val, ok := Apply(policy, data[fw.Field], fw.Value)
		fp := w.provenance(fw, now)
		if !ok {
			// A re-confirmed value keeps its data but takes the new
			// provenance.
			if !equalValues(data[fw.Field], fw.Value) || sameProvenance(currentProvenance(p, updates, fw.Field), fp) {
				continue
			}
			updates[fw.Field] = fp
			n++
			continue
		}
		data[fw.Field] = val
		updates[fw.Field] = fp
		n++
	}
	return model.Profile{
		ID:       p.ID,
		Data:     data,
		Metadata: p.Metadata.Merge(updates),
	}, n
}

func currentProvenance(p *model.Profile, updates model.EnrichmentMetadata, field string) *model.FieldProvenance {
	if fp, ok := updates[field]; ok {
		return &fp
	}
	return p.Metadata.Get(field)
}

func sameProvenance(a *model.FieldProvenance, b model.FieldProvenance) bool {
	if a == nil {
		return false
	}
	return equalValues(*a, b)
}

func (w *Writer) provenance(fw FieldWrite, now time.Time) model.FieldProvenance {
	var fp model.FieldProvenance
	if fw.Provenance != nil {
		fp = *fw.Provenance
		if fp.CrossValidatedBy != nil {
			fp.CrossValidatedBy = append([]string(nil), fp.CrossValidatedBy...)
		}
	}
	if strings.TrimSpace(fp.Source) == "" {
		fp.Source = fw.Source
	}
	fp.Source = fp.SourceOrUnknown()
	if fp.EnrichedAt.IsZero() {
		fp.EnrichedAt = model.NewTimestamp(now)
	}
	if fp.PipelineVersion == "" {
		fp.PipelineVersion = w.pipelineVersion
	}
	return fp
}

func (r *Result) add(s groupStats) {
	r.Updated += s.updated
	r.Unchanged += s.unchanged
	r.FieldsWritten += s.fields
}
