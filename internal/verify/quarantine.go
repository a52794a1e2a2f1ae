package verify

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/jsonl"
	"github.com/sells-group/profile-reconciler/internal/model"
)

const (
	quarantinePrefix = "quarantine-"
	resolvedPrefix   = "resolved-"
	dayLayout        = "2006-01-02"
)

// QuarantineRecord is one line of the quarantine log. Producer passthrough
// fields are written at the top level next to the fixed keys.
type QuarantineRecord struct {
	RecordID      string          `json:"record_id"`
	OriginalData  map[string]any  `json:"original_data"`
	Issues        []string        `json:"issues"`
	FailedFields  []string        `json:"failed_fields"`
	Confidence    float64         `json:"confidence"`
	QuarantinedAt model.Timestamp `json:"quarantined_at"`
	// Sources records where each original value came from.
	Sources     map[string]FieldSource `json:"field_sources,omitempty"`
	Passthrough map[string]any         `json:"-"`
}

// FieldSource is the origin of one quarantined value.
type FieldSource struct {
	Source     string          `json:"source,omitempty"`
	ObservedAt model.Timestamp `json:"observed_at,omitempty"`
}

// SourcesOf collects the origin of every value of c that carries one.
func SourcesOf(c model.Candidate) map[string]FieldSource {
	out := make(map[string]FieldSource, len(c.Fields))
	for field, cv := range c.Fields {
		if cv.Source == "" && cv.ObservedAt.IsZero() {
			continue
		}
		out[field] = FieldSource{Source: cv.Source, ObservedAt: cv.ObservedAt}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Candidate rebuilds the candidate the record was quarantined from, with each
// value's original source and observation time.
func (r QuarantineRecord) Candidate() model.Candidate {
	c := model.Candidate{
		RecordID:    r.RecordID,
		Fields:      make(map[string]model.CandidateValue, len(r.OriginalData)),
		Passthrough: r.Passthrough,
	}
	for field, v := range r.OriginalData {
		src := r.Sources[field]
		c.Fields[field] = model.CandidateValue{Value: v, Source: src.Source, ObservedAt: src.ObservedAt}
	}
	return c
}

type quarantineAlias QuarantineRecord

var quarantineKeys = []string{"record_id", "original_data", "issues", "failed_fields", "confidence", "quarantined_at", "field_sources"}

// MarshalJSON flattens passthrough fields into the object. Fixed keys win.
func (r QuarantineRecord) MarshalJSON() ([]byte, error) {
	core, err := json.Marshal(quarantineAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Passthrough) == 0 {
		return core, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(core, &obj); err != nil {
		return nil, err
	}
	for k, v := range r.Passthrough {
		if _, fixed := obj[k]; fixed {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, eris.Wrapf(err, "verify: marshal passthrough %q", k)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// UnmarshalJSON collects unknown keys into Passthrough.
func (r *QuarantineRecord) UnmarshalJSON(data []byte) error {
	var a quarantineAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for _, k := range quarantineKeys {
		delete(obj, k)
	}
	*r = QuarantineRecord(a)
	if len(obj) > 0 {
		r.Passthrough = obj
	}
	return nil
}

// NewQuarantineRecord snapshots a failed record.
func NewQuarantineRecord(v *Verdict, original, passthrough map[string]any, at time.Time) QuarantineRecord {
	return QuarantineRecord{
		RecordID:      v.RecordID,
		OriginalData:  original,
		Issues:        v.IssueStrings(),
		FailedFields:  append([]string{}, v.FailedFields...),
		Confidence:    v.Confidence,
		QuarantinedAt: model.NewTimestamp(at),
		Passthrough:   passthrough,
	}
}

// Resolution marks a quarantined record as handled. Quarantine lines are
// never rewritten; resolutions are appended to their own day files.
type Resolution struct {
	RecordID   string          `json:"record_id"`
	ResolvedAt model.Timestamp `json:"resolved_at"`
	Outcome    string          `json:"outcome"`
}

// QuarantineLog is the append-only, day-keyed store of quarantined records.
type QuarantineLog struct {
	app *jsonl.Appender
	now func() time.Time
}

// NewQuarantineLog opens a quarantine log in dir.
func NewQuarantineLog(dir string) (*QuarantineLog, error) {
	app, err := jsonl.NewAppender(dir)
	if err != nil {
		return nil, eris.Wrap(err, "verify: open quarantine log")
	}
	return &QuarantineLog{app: app, now: time.Now}, nil
}

// WithNow returns a copy of the log that uses a fixed clock.
func (q *QuarantineLog) WithNow(t time.Time) *QuarantineLog {
	cp := *q
	cp.now = func() time.Time { return t }
	return &cp
}

// Now returns the log's clock reading.
func (q *QuarantineLog) Now() time.Time {
	return q.now()
}

// Write appends recs, one line each, to the file of the day each was
// quarantined.
func (q *QuarantineLog) Write(ctx context.Context, recs ...QuarantineRecord) error {
	byDay := make(map[string][]any)
	var days []string
	for _, r := range recs {
		if strings.TrimSpace(r.RecordID) == "" {
			return eris.New("verify: quarantine record missing record_id")
		}
		if r.QuarantinedAt.IsZero() {
			r.QuarantinedAt = model.NewTimestamp(q.now())
		}
		day := dayOf(r.QuarantinedAt, q.now())
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], r)
	}

	for _, day := range days {
		if err := q.app.AppendAll(ctx, quarantinePrefix+day+".jsonl", byDay[day]); err != nil {
			return eris.Wrap(err, "verify: write quarantine")
		}
		zap.L().Info("verify: records quarantined", zap.String("day", day), zap.Int("count", len(byDay[day])))
	}
	return nil
}

// Resolve appends a tombstone for recordID.
func (q *QuarantineLog) Resolve(ctx context.Context, recordID, outcome string) error {
	now := q.now()
	res := Resolution{RecordID: recordID, ResolvedAt: model.NewTimestamp(now), Outcome: outcome}
	name := resolvedPrefix + now.UTC().Format(dayLayout) + ".jsonl"
	return eris.Wrap(q.app.Append(ctx, name, res), "verify: write resolution")
}

// ReadDay returns every record quarantined on day, in write order.
func (q *QuarantineLog) ReadDay(day time.Time) ([]QuarantineRecord, error) {
	var out []QuarantineRecord
	err := jsonl.ReadFile(q.app.Path(quarantinePrefix+day.UTC().Format(dayLayout)+".jsonl"), func(line []byte) error {
		var r QuarantineRecord
		if err := json.Unmarshal(line, &r); err != nil {
			zap.L().Warn("verify: skipping undecodable quarantine line", zap.Error(err))
			return nil
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Pending returns the records quarantined on day that have no later
// resolution. When a record was quarantined more than once that day only the
// latest entry is returned.
func (q *QuarantineLog) Pending(day time.Time) ([]QuarantineRecord, error) {
	recs, err := q.ReadDay(day)
	if err != nil {
		return nil, err
	}
	resolved, err := q.Resolutions()
	if err != nil {
		return nil, err
	}

	latest := make(map[string]int)
	for i, r := range recs {
		latest[r.RecordID] = i
	}
	var out []QuarantineRecord
	for i, r := range recs {
		if latest[r.RecordID] != i {
			continue
		}
		at, _ := r.QuarantinedAt.Time()
		if res, ok := resolved[r.RecordID]; ok {
			if ts, err := res.ResolvedAt.Time(); err == nil && !ts.Before(at) {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Days lists the days that have a quarantine file, oldest first.
func (q *QuarantineLog) Days() ([]time.Time, error) {
	matches, err := filepath.Glob(q.app.Path(quarantinePrefix + "*.jsonl"))
	if err != nil {
		return nil, eris.Wrap(err, "verify: list quarantine days")
	}
	var days []time.Time
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), quarantinePrefix), ".jsonl")
		d, err := time.Parse(dayLayout, name)
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// Resolutions returns the latest resolution per record id.
func (q *QuarantineLog) Resolutions() (map[string]Resolution, error) {
	matches, err := filepath.Glob(q.app.Path(resolvedPrefix + "*.jsonl"))
	if err != nil {
		return nil, eris.Wrap(err, "verify: list resolutions")
	}
	out := make(map[string]Resolution)
	latest := make(map[string]time.Time)
	for _, m := range matches {
		err := jsonl.ReadFile(m, func(line []byte) error {
			var r Resolution
			if err := json.Unmarshal(line, &r); err != nil {
				return nil
			}
			t, err := r.ResolvedAt.Time()
			if err != nil {
				return nil
			}
			if prev, ok := latest[r.RecordID]; !ok || !t.Before(prev) {
				latest[r.RecordID] = t
				out[r.RecordID] = r
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func dayOf(ts model.Timestamp, fallback time.Time) string {
	t, err := ts.Time()
	if err != nil {
		t = fallback
	}
	return t.UTC().Format(dayLayout)
}
