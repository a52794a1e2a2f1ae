// Package ingest reads candidate batches and profile seeds from JSONL, JSON,
// CSV and XLSX files.
package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/jsonl"
	"github.com/sells-group/profile-reconciler/internal/model"
)

// Reserved tabular columns. Every other column is a field.
const (
	ColRecordID   = "record_id"
	ColID         = "id"
	ColSource     = "source"
	ColObservedAt = "observed_at"
)

// Format is an input file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
}

// ReadCandidates reads a candidate batch. JSON formats carry model.Candidate
// objects; tabular formats carry one record per row with optional source
// and observed_at columns applying to every field of the row.
func ReadCandidates(ctx context.Context, path string) ([]model.Candidate, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}

	switch format {
	case FormatJSONL:
		return readJSONL[model.Candidate](path)
	case FormatJSON:
		return readJSON[model.Candidate](ctx, path)
	}

	rows, err := readRows(ctx, path, format)
	if err != nil {
		return nil, err
	}
	return rowsToCandidates(rows)
}

// ReadProfiles reads profiles for seeding. Tabular rows become profiles
// whose fields carry the row's source and observed_at as provenance.
func ReadProfiles(ctx context.Context, path string) ([]model.Profile, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}

	switch format {
	case FormatJSONL:
		return readJSONL[model.Profile](path)
	case FormatJSON:
		return readJSON[model.Profile](ctx, path)
	}

	rows, err := readRows(ctx, path, format)
	if err != nil {
		return nil, err
	}
	cands, err := rowsToCandidates(rows)
	if err != nil {
		return nil, err
	}
	profiles := make([]model.Profile, 0, len(cands))
	for _, c := range cands {
		p := model.Profile{ID: c.RecordID, Data: c.Data(), Metadata: make(model.EnrichmentMetadata)}
		for field, cv := range c.Fields {
			if cv.Source == "" && cv.ObservedAt.IsZero() {
				continue
			}
			p.Metadata[field] = model.FieldProvenance{Source: cv.Source, EnrichedAt: cv.ObservedAt}
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func readJSONL[T any](path string) ([]T, error) {
	var out []T
	err := jsonl.ReadFile(path, func(line []byte) error {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			zap.L().Warn("ingest: skipping undecodable line", zap.String("file", path), zap.Error(err))
			return nil
		}
		out = append(out, v)
		return nil
	})
	return out, eris.Wrap(err, "ingest: read jsonl")
}

func readJSON[T any](ctx context.Context, path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	out, err := drain(DecodeJSONArray[T](ctx, f))
	return out, eris.Wrap(err, "ingest: read json")
}

func readRows(ctx context.Context, path string, format Format) ([][]string, error) {
	if format == FormatXLSX {
		rows, err := drain(StreamXLSX(ctx, path, XLSXOptions{}))
		return rows, eris.Wrap(err, "ingest: read xlsx")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	rows, err := drain(StreamCSV(ctx, f, CSVOptions{TrimSpace: true, LazyQuotes: true}))
	return rows, eris.Wrap(err, "ingest: read csv")
}

// rowsToCandidates maps a header row plus data rows onto candidates. Empty
// cells are omitted. Cells holding a JSON array or object are decoded.
func rowsToCandidates(rows [][]string) ([]model.Candidate, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	header := make([]string, len(rows[0]))
	idCol, sourceCol, observedCol := -1, -1, -1
	for i, h := range rows[0] {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		header[i] = h
		switch h {
		case ColRecordID:
			idCol = i
		case ColID:
			if idCol < 0 {
				idCol = i
			}
		case ColSource:
			sourceCol = i
		case ColObservedAt:
			observedCol = i
		}
	}
	if idCol < 0 {
		return nil, eris.Errorf("ingest: header has no %s column", ColRecordID)
	}

	cell := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make([]model.Candidate, 0, len(rows)-1)
	for n, row := range rows[1:] {
		if blank(row) {
			continue
		}
		id := cell(row, idCol)
		if id == "" {
			return nil, eris.Errorf("ingest: row %d has no %s", n+2, ColRecordID)
		}
		source := cell(row, sourceCol)
		observed := model.Timestamp(cell(row, observedCol))

		c := model.Candidate{RecordID: id, Fields: make(map[string]model.CandidateValue)}
		for i, name := range header {
			if name == "" || i == idCol || i == sourceCol || i == observedCol {
				continue
			}
			raw := cell(row, i)
			if raw == "" {
				continue
			}
			c.Fields[name] = model.CandidateValue{Value: cellValue(raw), Source: source, ObservedAt: observed}
		}
		out = append(out, c)
	}
	return out, nil
}

func cellValue(raw string) any {
	if (strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]")) ||
		(strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}")) {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
