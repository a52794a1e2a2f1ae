package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/profile-reconciler/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var profileColumns = []string{"id", "data", "enrichment_metadata", "updated_at"}

func TestPostgresStore_GetProfile(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, data, enrichment_metadata, updated_at FROM profiles WHERE id = \$1`).
		WithArgs("p-1").
		WillReturnRows(pgxmock.NewRows(profileColumns).
			AddRow("p-1", []byte(`{"email":"dana@acme.io"}`), []byte(`{"email":{"source":"apollo","confidence":0.85}}`), now))

	p, err := s.GetProfile(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "dana@acme.io", p.Data["email"])
	assert.Equal(t, 0.85, p.Metadata["email"].ConfidenceOr(0))
	assert.Equal(t, now, p.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProfile_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM profiles WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProfile(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMetadata(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, enrichment_metadata FROM profiles WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"p-1", "p-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "enrichment_metadata"}).
			AddRow("p-1", []byte(`{"phone":{"source":"web_scrape","enriched_at":"garbage"}}`)))

	meta, err := s.GetMetadata(context.Background(), []string{"p-1", "p-2"})
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.Equal(t, model.Timestamp("garbage"), meta["p-1"]["phone"].EnrichedAt)
	assert.NoError(t, mock.ExpectationsWereMet())

	empty, err := s.GetMetadata(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresStore_UpsertProfiles(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_profiles"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_profiles"}, []string{"id", "data", "enrichment_metadata"}).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("id"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.UpsertProfiles(context.Background(), []model.Profile{
		{ID: "p-1", Data: map[string]any{"full_name": "Dana"}},
		{ID: "p-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TxSavepoints(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT sp_1`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectQuery(`SELECT id, data, enrichment_metadata, updated_at FROM profiles WHERE id = ANY\(\$1\) ORDER BY id FOR UPDATE`).
		WithArgs([]string{"p-1", "p-2"}).
		WillReturnRows(pgxmock.NewRows(profileColumns).
			AddRow("p-1", []byte(`{}`), []byte(`{}`), time.Now()).
			AddRow("p-2", []byte(`{}`), []byte(`{}`), time.Now()))
	mock.ExpectExec(`UPDATE profiles AS p\s+SET data = v.data, enrichment_metadata = v.meta, updated_at = now\(\)\s+FROM unnest\(\$1::text\[\], \$2::jsonb\[\], \$3::jsonb\[\]\)`).
		WithArgs([]string{"p-1", "p-2"}, []string{`{"v":1}`, `{"v":2}`}, []string{`{}`, `{}`}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT sp_1`).WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec(`SAVEPOINT sp_2`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`UPDATE profiles AS p`).
		WithArgs([]string{"p-1"}, []string{`{"v":1}`}, []string{`{}`}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`RELEASE SAVEPOINT sp_2`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCommit()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	group, err := tx.Begin(ctx)
	require.NoError(t, err)
	got, err := group.GetProfiles(ctx, []string{"p-1", "p-2"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	err = group.UpdateProfiles(ctx, []model.Profile{
		{ID: "p-1", Data: map[string]any{"v": 1}},
		{ID: "p-2", Data: map[string]any{"v": 2}},
	})
	require.Error(t, err, "one of two rows matched")
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, group.Rollback(ctx))

	rec, err := tx.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.ReplaceProfile(ctx, model.Profile{ID: "p-1", Data: map[string]any{"v": 1}}))
	require.NoError(t, rec.Commit(ctx))
	require.NoError(t, rec.Commit(ctx), "second commit is a no-op")

	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteProfile(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM profiles WHERE id = \$1`).WithArgs("p-9").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	err = tx.DeleteProfile(ctx, "p-9")
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, tx.Rollback(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateAndPing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS profiles`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
