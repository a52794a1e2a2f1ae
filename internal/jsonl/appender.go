// Package jsonl appends JSON records to line-delimited files shared by
// concurrent writers, possibly in different processes.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const lockRetryDelay = 10 * time.Millisecond

// Appender writes whole JSON lines into files under a directory. Every line
// is marshalled before any byte is written and then written with a single
// write call while holding both an in-process mutex and a per-file lock, so
// concurrent appenders never interleave partial lines.
type Appender struct {
	dir string

	mu sync.Mutex
}

// NewAppender creates an appender rooted at dir, creating it if needed.
func NewAppender(dir string) (*Appender, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "jsonl: create dir %s", dir)
	}
	return &Appender{dir: dir}, nil
}

// Dir returns the directory the appender writes into.
func (a *Appender) Dir() string {
	return a.dir
}

// Path returns the full path of file name.
func (a *Appender) Path(name string) string {
	return filepath.Join(a.dir, name)
}

// Append writes v as one line to file name.
func (a *Appender) Append(ctx context.Context, name string, v any) error {
	return a.AppendAll(ctx, name, []any{v})
}

// AppendAll writes every value as its own line to file name. All lines land
// in one write call.
func (a *Appender) AppendAll(ctx context.Context, name string, values []any) error {
	if len(values) == 0 {
		return nil
	}

	var buf []byte
	for _, v := range values {
		line, err := json.Marshal(v)
		if err != nil {
			return eris.Wrapf(err, "jsonl: marshal line for %s", name)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.Path(name)
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return eris.Wrapf(err, "jsonl: lock %s", name)
	}
	if !locked {
		return eris.Errorf("jsonl: lock %s not acquired", name)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			zap.L().Warn("jsonl: unlock failed", zap.String("file", name), zap.Error(err))
		}
	}()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "jsonl: open %s", name)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "jsonl: write %s", name)
	}
	return eris.Wrapf(f.Close(), "jsonl: close %s", name)
}

// ReadFile decodes every line of file name in order, calling fn with the raw
// line. A missing file yields no lines. Lines that are not valid JSON are
// skipped with a warning so one torn write never hides the rest of a file.
func ReadFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "jsonl: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			zap.L().Warn("jsonl: skipping malformed line",
				zap.String("file", path),
				zap.Int("line", lineNo),
			)
			continue
		}
		if err := fn(append([]byte(nil), line...)); err != nil {
			return err
		}
	}
	return eris.Wrapf(sc.Err(), "jsonl: scan %s", path)
}
