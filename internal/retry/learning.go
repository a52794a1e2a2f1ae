package retry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/profile-reconciler/internal/jsonl"
	"github.com/sells-group/profile-reconciler/internal/model"
)

const learningPrefix = "learning-"

// Outcome is one line of the learning log.
type Outcome struct {
	ID          string          `json:"id"`
	RecordID    string          `json:"record_id"`
	Field       string          `json:"field"`
	Strategy    string          `json:"strategy"`
	FailureType FailureType     `json:"failure_type"`
	Success     bool            `json:"success"`
	Attempt     int             `json:"attempt,omitempty"`
	Error       string          `json:"error,omitempty"`
	RecordedAt  model.Timestamp `json:"recorded_at"`
}

// LearningLog is the append-only ledger of retry outcomes.
type LearningLog struct {
	app *jsonl.Appender
	now func() time.Time
}

// NewLearningLog opens a learning log in dir.
func NewLearningLog(dir string) (*LearningLog, error) {
	app, err := jsonl.NewAppender(dir)
	if err != nil {
		return nil, eris.Wrap(err, "retry: open learning log")
	}
	return &LearningLog{app: app, now: time.Now}, nil
}

// WithNow returns a copy of the log that uses a fixed clock.
func (l *LearningLog) WithNow(t time.Time) *LearningLog {
	cp := *l
	cp.now = func() time.Time { return t }
	return &cp
}

// Record appends o to the file of the current day.
func (l *LearningLog) Record(ctx context.Context, o Outcome) error {
	now := l.now()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = model.NewTimestamp(now)
	}
	name := learningPrefix + now.UTC().Format("2006-01-02") + ".jsonl"
	return eris.Wrap(l.app.Append(ctx, name, o), "retry: record outcome")
}

// Path returns the file outcomes recorded at t are written to.
func (l *LearningLog) Path(t time.Time) string {
	return l.app.Path(learningPrefix + t.UTC().Format("2006-01-02") + ".jsonl")
}
