package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/profile-reconciler/internal/model"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Contacts")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "contacts.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadCandidates_CSV(t *testing.T) {
	path := writeFile(t, "batch.csv", "\ufeffRecord_ID,source,observed_at,email,tags,title\n"+
		"p-1,apollo,2026-05-01T00:00:00Z,dana@acme.io,\"[\"\"saas\"\"]\",\n"+
		",,,,,\n"+
		"p-2, web_scrape ,,lee@acme.io,,CTO\n")

	cands, err := ReadCandidates(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, "p-1", cands[0].RecordID)
	assert.Equal(t, model.CandidateValue{Value: "dana@acme.io", Source: "apollo", ObservedAt: "2026-05-01T00:00:00Z"}, cands[0].Fields["email"])
	assert.Equal(t, []any{"saas"}, cands[0].Fields["tags"].Value)
	assert.NotContains(t, cands[0].Fields, "title")
	assert.NotContains(t, cands[0].Fields, "source")

	assert.Equal(t, "web_scrape", cands[1].Fields["title"].Source)
	assert.Equal(t, "CTO", cands[1].Fields["title"].Value)
}

func TestReadCandidates_XLSX(t *testing.T) {
	path := createTestXLSX(t, [][]string{
		{"id", "full_name", "phone"},
		{"p-9", "Sam Lee", " 512-555-0100 "},
	})

	cands, err := ReadCandidates(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "p-9", cands[0].RecordID)
	assert.Equal(t, "512-555-0100", cands[0].Fields["phone"].Value)
	assert.Empty(t, cands[0].Fields["phone"].Source)
}

func TestReadCandidates_JSONL(t *testing.T) {
	path := writeFile(t, "batch.jsonl", strings.Join([]string{
		`{"record_id":"p-1","fields":{"email":{"value":"dana@acme.io","source":"apollo"}},"passthrough":{"batch":"b-1"}}`,
		`not json`,
		``,
		`{"record_id":"p-2","fields":{"headcount":{"value":40,"source":"people_data_api"}}}`,
	}, "\n"))

	cands, err := ReadCandidates(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "apollo", cands[0].Fields["email"].Source)
	assert.Equal(t, "b-1", cands[0].Passthrough["batch"])
	assert.Equal(t, float64(40), cands[1].Fields["headcount"].Value)
}

func TestReadCandidates_JSONArray(t *testing.T) {
	path := writeFile(t, "batch.json", `[{"record_id":"p-1","fields":{"title":{"value":"CFO","source":"manual"}}}]`)

	cands, err := ReadCandidates(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "CFO", cands[0].Fields["title"].Value)

	bad := writeFile(t, "bad.json", `{"record_id":"p-1"}`)
	_, err = ReadCandidates(context.Background(), bad)
	require.Error(t, err)
}

func TestReadProfiles_CSVCarriesProvenance(t *testing.T) {
	path := writeFile(t, "seed.csv", "id,source,full_name,email\np-1,client_provided,Dana Smith,dana@acme.io\np-2,,Lee Park,\n")

	profiles, err := ReadProfiles(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.Equal(t, map[string]any{"full_name": "Dana Smith", "email": "dana@acme.io"}, profiles[0].Data)
	assert.Equal(t, "client_provided", profiles[0].Metadata["email"].Source)
	assert.Empty(t, profiles[1].Metadata)
}

func TestReadProfiles_JSONL(t *testing.T) {
	path := writeFile(t, "seed.jsonl",
		`{"id":"p-1","data":{"full_name":"Dana"},"enrichment_metadata":{"full_name":{"source":"manual"}}}`+"\n")

	profiles, err := ReadProfiles(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "manual", profiles[0].Metadata["full_name"].Source)
}

func TestRead_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := ReadCandidates(ctx, "batch.parquet")
	require.Error(t, err)

	_, err = ReadCandidates(ctx, filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)

	_, err = ReadCandidates(ctx, writeFile(t, "noid.csv", "email\ndana@acme.io\n"))
	require.Error(t, err)

	_, err = ReadProfiles(ctx, writeFile(t, "blankid.csv", "id,email\n,dana@acme.io\n"))
	require.Error(t, err)

	_, err = ReadProfiles(ctx, filepath.Join(t.TempDir(), "missing.xlsx"))
	require.Error(t, err)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := drain(StreamCSV(ctx, strings.NewReader("a,b\n1,2\n"), CSVOptions{}))
	require.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	for path, want := range map[string]Format{
		"a.JSONL":  FormatJSONL,
		"a.ndjson": FormatJSONL,
		"a.json":   FormatJSON,
		"a.csv":    FormatCSV,
		"a.xlsx":   FormatXLSX,
	} {
		got, err := DetectFormat(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
}
