package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/profile-reconciler/internal/db"
	"github.com/sells-group/profile-reconciler/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS profiles (
	id                  TEXT PRIMARY KEY,
	data                JSONB NOT NULL DEFAULT '{}'::jsonb,
	enrichment_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_profiles_updated_at ON profiles(updated_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, data, enrichment_metadata, updated_at FROM profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get profile %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get profile %s", id)
	}
	return p, nil
}

func (s *PostgresStore) GetMetadata(ctx context.Context, ids []string) (map[string]model.EnrichmentMetadata, error) {
	out := make(map[string]model.EnrichmentMetadata, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, enrichment_metadata FROM profiles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get metadata")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metadata")
		}
		p, err := decodeProfile(id, nil, raw, time.Time{})
		if err != nil {
			return nil, err
		}
		out[id] = p.Metadata
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate metadata")
}

func (s *PostgresStore) UpsertProfiles(ctx context.Context, profiles []model.Profile) (int64, error) {
	enc, err := encodeProfiles(profiles)
	if err != nil {
		return 0, err
	}
	rows := make([][]any, 0, len(enc))
	for _, e := range enc {
		rows = append(rows, []any{e.id, e.data, e.meta})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "profiles",
		Columns:      []string{"id", "data", "enrichment_metadata"},
		ConflictKeys: []string{"id"},
		DoNothing:    true,
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert profiles")
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin")
	}
	return &pgTx{tx: tx, sp: &savepoints{}}, nil
}

// pgTx is the outer transaction when name is empty, a savepoint otherwise.
type pgTx struct {
	tx   pgx.Tx
	sp   *savepoints
	name string
	done bool
}

func (t *pgTx) Begin(ctx context.Context) (Tx, error) {
	name := t.sp.next()
	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return nil, eris.Wrapf(err, "postgres: savepoint %s", name)
	}
	return &pgTx{tx: t.tx, sp: t.sp, name: name}, nil
}

func (t *pgTx) GetProfiles(ctx context.Context, ids []string) (map[string]*model.Profile, error) {
	out := make(map[string]*model.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT id, data, enrichment_metadata, updated_at FROM profiles WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get profiles")
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile")
		}
		out[p.ID] = p
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate profiles")
}

func (t *pgTx) UpdateProfiles(ctx context.Context, profiles []model.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	enc, err := encodeProfiles(profiles)
	if err != nil {
		return err
	}
	ids := make([]string, len(enc))
	data := make([]string, len(enc))
	meta := make([]string, len(enc))
	for i, e := range enc {
		ids[i], data[i], meta[i] = e.id, e.data, e.meta
	}

	tag, err := t.tx.Exec(ctx, `UPDATE profiles AS p
SET data = v.data, enrichment_metadata = v.meta, updated_at = now()
FROM unnest($1::text[], $2::jsonb[], $3::jsonb[]) AS v(id, data, meta)
WHERE p.id = v.id`, ids, data, meta)
	if err != nil {
		return eris.Wrap(err, "postgres: update profiles")
	}
	return checkAffected(tag.RowsAffected(), len(enc))
}

func (t *pgTx) ReplaceProfile(ctx context.Context, p model.Profile) error {
	return t.UpdateProfiles(ctx, []model.Profile{p})
}

func (t *pgTx) DeleteProfile(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete profile %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: delete profile %s", id)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.name == "" {
		return eris.Wrap(t.tx.Commit(ctx), "postgres: commit")
	}
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+t.name)
	return eris.Wrapf(err, "postgres: release %s", t.name)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.name == "" {
		return eris.Wrap(t.tx.Rollback(ctx), "postgres: rollback")
	}
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+t.name)
	return eris.Wrapf(err, "postgres: rollback to %s", t.name)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProfile(row scannable) (*model.Profile, error) {
	var (
		id        string
		data      []byte
		meta      []byte
		updatedAt time.Time
	)
	if err := row.Scan(&id, &data, &meta, &updatedAt); err != nil {
		return nil, err
	}
	return decodeProfile(id, data, meta, updatedAt)
}
