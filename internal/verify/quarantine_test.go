package verify

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/profile-reconciler/internal/model"
)

var day1 = time.Date(2026, 3, 9, 15, 4, 5, 0, time.UTC)

func quarantinedVerdict(t *testing.T, recordID string) *Verdict {
	t.Helper()
	data := cleanRecord()
	data["email"] = "x@mailinator.com"
	v := NewGate(Options{}).Evaluate(context.Background(), recordID, data)
	require.Equal(t, StatusQuarantined, v.Status)
	return v
}

func TestQuarantineRecord_JSONFlattensPassthrough(t *testing.T) {
	rec := QuarantineRecord{
		RecordID:      "p-1",
		OriginalData:  map[string]any{"email": "x@mailinator.com"},
		Issues:        []string{"email: disposable_email: disposable email domain mailinator.com"},
		FailedFields:  []string{"email"},
		Confidence:    0.75,
		QuarantinedAt: "2026-03-09T15:04:05Z",
		Sources:       map[string]FieldSource{"email": {Source: "web_scrape", ObservedAt: "2026-03-08T00:00:00Z"}},
		Passthrough:   map[string]any{"campaign": "q1", "record_id": "spoofed"},
	}

	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	assert.Equal(t, "q1", flat["campaign"])
	assert.Equal(t, "p-1", flat["record_id"])
	for _, k := range quarantineKeys {
		assert.Contains(t, flat, k)
	}

	var back QuarantineRecord
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "p-1", back.RecordID)
	assert.Equal(t, map[string]any{"campaign": "q1"}, back.Passthrough)
	assert.Equal(t, rec.Issues, back.Issues)
	assert.Equal(t, rec.Sources, back.Sources)
}

func TestQuarantineRecord_Candidate(t *testing.T) {
	rec := QuarantineRecord{
		RecordID:     "p-1",
		OriginalData: map[string]any{"full_name": "Lee Park", "email": "lee@mailinator.com"},
		Sources:      map[string]FieldSource{"full_name": {Source: "linkedin_scrape", ObservedAt: "2026-03-01T00:00:00Z"}},
		Passthrough:  map[string]any{"campaign": "q1"},
	}

	c := rec.Candidate()
	assert.Equal(t, "p-1", c.RecordID)
	assert.Equal(t, model.CandidateValue{Value: "Lee Park", Source: "linkedin_scrape", ObservedAt: "2026-03-01T00:00:00Z"}, c.Fields["full_name"])
	assert.Equal(t, model.CandidateValue{Value: "lee@mailinator.com"}, c.Fields["email"])
	assert.Equal(t, rec.Passthrough, c.Passthrough)

	assert.Equal(t, rec.Sources, SourcesOf(c))
	assert.Nil(t, SourcesOf(model.Candidate{Fields: map[string]model.CandidateValue{"email": {Value: "x"}}}))
}

func TestQuarantineLog_WriteAndReadDay(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQuarantineLog(dir)
	require.NoError(t, err)
	q = q.WithNow(day1)

	v := quarantinedVerdict(t, "p-1")
	rec := NewQuarantineRecord(v, map[string]any{"email": "x@mailinator.com"}, map[string]any{"batch": "b-7"}, q.Now())
	require.NoError(t, q.Write(context.Background(), rec))

	_, err = os.Stat(filepath.Join(dir, "quarantine-2026-03-09.jsonl"))
	require.NoError(t, err)

	recs, err := q.ReadDay(day1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "p-1", recs[0].RecordID)
	assert.Equal(t, []string{"email"}, recs[0].FailedFields)
	assert.Equal(t, "b-7", recs[0].Passthrough["batch"])
	require.Len(t, recs[0].Issues, 1)
	assert.True(t, strings.HasPrefix(recs[0].Issues[0], "email: disposable_email"))

	empty, err := q.ReadDay(day1.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQuarantineLog_WriteRejectsMissingID(t *testing.T) {
	q, err := NewQuarantineLog(t.TempDir())
	require.NoError(t, err)
	require.Error(t, q.Write(context.Background(), QuarantineRecord{}))
}

func TestQuarantineLog_ConcurrentWriters(t *testing.T) {
	q, err := NewQuarantineLog(t.TempDir())
	require.NoError(t, err)
	q = q.WithNow(day1)

	big := strings.Repeat("z", 16*1024)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := QuarantineRecord{
				RecordID:     "p-" + string(rune('A'+i%26)) + strings.Repeat("x", i),
				OriginalData: map[string]any{"blob": big},
				Issues:       []string{"x"},
			}
			assert.NoError(t, q.Write(context.Background(), rec))
		}(i)
	}
	wg.Wait()

	recs, err := q.ReadDay(day1)
	require.NoError(t, err)
	assert.Len(t, recs, 40)
	for _, r := range recs {
		assert.Len(t, r.OriginalData["blob"], len(big))
	}
}

func TestQuarantineLog_PendingAndResolve(t *testing.T) {
	q, err := NewQuarantineLog(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	at := q.WithNow(day1)
	require.NoError(t, at.Write(ctx,
		QuarantineRecord{RecordID: "p-1"},
		QuarantineRecord{RecordID: "p-2"},
		QuarantineRecord{RecordID: "p-3"},
	))

	// Resolved next day.
	require.NoError(t, q.WithNow(day1.Add(24*time.Hour)).Resolve(ctx, "p-2", "resolved"))

	pending, err := at.Pending(day1)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, r := range pending {
		ids = append(ids, r.RecordID)
	}
	assert.Equal(t, []string{"p-1", "p-3"}, ids)

	res, err := q.Resolutions()
	require.NoError(t, err)
	require.Contains(t, res, "p-2")
	assert.Equal(t, "resolved", res["p-2"].Outcome)

	// Re-quarantined after resolution shows up again.
	require.NoError(t, q.WithNow(day1.Add(2*time.Hour+24*time.Hour)).Write(ctx, QuarantineRecord{RecordID: "p-2"}))
	pending, err = q.Pending(day1.Add(24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p-2", pending[0].RecordID)

	days, err := q.Days()
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}, days)
}

func TestQuarantineLog_PendingKeepsLatestEntry(t *testing.T) {
	q, err := NewQuarantineLog(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.WithNow(day1).Write(ctx, QuarantineRecord{RecordID: "p-1", Confidence: 0.2}))
	require.NoError(t, q.WithNow(day1.Add(time.Hour)).Write(ctx, QuarantineRecord{RecordID: "p-1", Confidence: 0.4}))

	pending, err := q.Pending(day1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0.4, pending[0].Confidence)
}
