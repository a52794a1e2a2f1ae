package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/profile-reconciler/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS profiles (
	id                  TEXT PRIMARY KEY,
	data                TEXT NOT NULL DEFAULT '{}',
	enrichment_metadata TEXT NOT NULL DEFAULT '{}',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_profiles_updated_at ON profiles(updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data, enrichment_metadata, updated_at FROM profiles WHERE id = ?`, id)
	p, err := scanSQLiteProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get profile %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get profile %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) GetMetadata(ctx context.Context, ids []string) (map[string]model.EnrichmentMetadata, error) {
	out := make(map[string]model.EnrichmentMetadata, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, enrichment_metadata FROM profiles WHERE id IN (`+placeholders(len(ids))+`)`, anySlice(ids)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get metadata")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metadata")
		}
		p, err := decodeProfile(id, nil, []byte(raw), time.Time{})
		if err != nil {
			return nil, err
		}
		out[id] = p.Metadata
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate metadata")
}

func (s *SQLiteStore) UpsertProfiles(ctx context.Context, profiles []model.Profile) (int64, error) {
	enc, err := encodeProfiles(profiles)
	if err != nil {
		return 0, err
	}
	if len(enc) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO profiles (id, data, enrichment_metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.now().UTC()
	var inserted int64
	for _, e := range enc {
		res, err := stmt.ExecContext(ctx, e.id, e.data, e.meta, now, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert profile %s", e.id)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert")
	}
	return inserted, nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	return &sqliteTx{tx: tx, sp: &savepoints{}, now: s.now}, nil
}

// sqliteTx is the outer transaction when name is empty, a savepoint otherwise.
type sqliteTx struct {
	tx   *sql.Tx
	sp   *savepoints
	name string
	done bool
	now  func() time.Time
}

func (t *sqliteTx) Begin(ctx context.Context) (Tx, error) {
	name := t.sp.next()
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, eris.Wrapf(err, "sqlite: savepoint %s", name)
	}
	return &sqliteTx{tx: t.tx, sp: t.sp, name: name, now: t.now}, nil
}

// GetProfiles reads the given ids. SQLite locks the whole database for the
// writing transaction, so no row lock is taken.
func (t *sqliteTx) GetProfiles(ctx context.Context, ids []string) (map[string]*model.Profile, error) {
	out := make(map[string]*model.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, data, enrichment_metadata, updated_at FROM profiles WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		anySlice(ids)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get profiles")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		p, err := scanSQLiteProfile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile")
		}
		out[p.ID] = p
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate profiles")
}

func (t *sqliteTx) UpdateProfiles(ctx context.Context, profiles []model.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	enc, err := encodeProfiles(profiles)
	if err != nil {
		return err
	}

	values := make([]string, len(enc))
	args := make([]any, 0, len(enc)*3+1)
	for i, e := range enc {
		values[i] = "(?, ?, ?)"
		args = append(args, e.id, e.data, e.meta)
	}
	args = append(args, t.now().UTC())

	res, err := t.tx.ExecContext(ctx, `WITH v(id, data, meta) AS (VALUES `+strings.Join(values, ", ")+`)
UPDATE profiles SET data = v.data, enrichment_metadata = v.meta, updated_at = ?
FROM v WHERE profiles.id = v.id`, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: update profiles")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	return checkAffected(n, len(enc))
}

func (t *sqliteTx) ReplaceProfile(ctx context.Context, p model.Profile) error {
	return t.UpdateProfiles(ctx, []model.Profile{p})
}

func (t *sqliteTx) DeleteProfile(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete profile %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: delete profile %s", id)
	}
	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.name == "" {
		return eris.Wrap(t.tx.Commit(), "sqlite: commit")
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.name)
	return eris.Wrapf(err, "sqlite: release %s", t.name)
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.name == "" {
		return eris.Wrap(t.tx.Rollback(), "sqlite: rollback")
	}
	// ROLLBACK TO keeps the savepoint open; release it so the stack unwinds.
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.name); err != nil {
		return eris.Wrapf(err, "sqlite: rollback to %s", t.name)
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.name)
	return eris.Wrapf(err, "sqlite: release %s", t.name)
}

func scanSQLiteProfile(row scannable) (*model.Profile, error) {
	var (
		id, data, meta string
		updatedAt      time.Time
	)
	if err := row.Scan(&id, &data, &meta, &updatedAt); err != nil {
		return nil, err
	}
	return decodeProfile(id, []byte(data), []byte(meta), updatedAt)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
