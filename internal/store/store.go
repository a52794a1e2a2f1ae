// Package store persists profiles and their enrichment metadata.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/model"
)

// ErrNotFound is returned when a profile does not exist.
var ErrNotFound = eris.New("store: profile not found")

// Store defines the persistence interface for reconciliation.
type Store interface {
	// GetProfile returns one profile or ErrNotFound.
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
	// GetMetadata returns the stored metadata of every existing id.
	GetMetadata(ctx context.Context, ids []string) (map[string]model.EnrichmentMetadata, error)
	// UpsertProfiles inserts profiles; existing rows are left untouched.
	// It returns the number of rows inserted.
	UpsertProfiles(ctx context.Context, profiles []model.Profile) (int64, error)

	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is a transaction or a nested checkpoint inside one.
type Tx interface {
	// Begin opens a nested checkpoint. Checkpoints nest to any depth.
	Begin(ctx context.Context) (Tx, error)
	// GetProfiles loads the given ids, locking the rows where the backend
	// supports it. Missing ids are absent from the result.
	GetProfiles(ctx context.Context, ids []string) (map[string]*model.Profile, error)
	// UpdateProfiles replaces data and metadata of every profile in one
	// statement. It fails when any id does not exist.
	UpdateProfiles(ctx context.Context, profiles []model.Profile) error
	// ReplaceProfile is UpdateProfiles for a single profile.
	ReplaceProfile(ctx context.Context, p model.Profile) error
	// DeleteProfile removes a profile.
	DeleteProfile(ctx context.Context, id string) error
	// Commit commits the transaction or releases the checkpoint.
	Commit(ctx context.Context) error
	// Rollback rolls back the transaction or to the checkpoint. It is a no-op
	// after Commit.
	Rollback(ctx context.Context) error
}

// encoded is a profile ready to be written.
type encoded struct {
	id   string
	data string
	meta string
}

func encodeProfile(p model.Profile) (encoded, error) {
	if p.ID == "" {
		return encoded{}, eris.New("store: profile missing id")
	}
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	meta := p.Metadata
	if meta == nil {
		meta = model.EnrichmentMetadata{}
	}
	d, err := json.Marshal(data)
	if err != nil {
		return encoded{}, eris.Wrapf(err, "store: marshal data of %s", p.ID)
	}
	m, err := json.Marshal(meta)
	if err != nil {
		return encoded{}, eris.Wrapf(err, "store: marshal metadata of %s", p.ID)
	}
	return encoded{id: p.ID, data: string(d), meta: string(m)}, nil
}

func encodeProfiles(profiles []model.Profile) ([]encoded, error) {
	out := make([]encoded, 0, len(profiles))
	for _, p := range profiles {
		e, err := encodeProfile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// decodeProfile builds a profile from stored columns. Undecodable metadata
// entries are dropped with a warning rather than failing the read.
func decodeProfile(id string, data, meta []byte, updatedAt time.Time) (*model.Profile, error) {
	p := &model.Profile{ID: id, UpdatedAt: updatedAt}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p.Data); err != nil {
			return nil, eris.Wrapf(err, "store: decode data of %s", id)
		}
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	var bad []string
	p.Metadata, bad = model.DecodeMetadata(meta)
	if len(bad) > 0 {
		zap.L().Warn("store: dropped malformed metadata entries",
			zap.String("record_id", id),
			zap.Strings("fields", bad),
		)
	}
	return p, nil
}

// savepoints names nested checkpoints. The counter is shared by every level
// of one transaction so names never collide.
type savepoints struct {
	seq int
}

func (s *savepoints) next() string {
	s.seq++
	return fmt.Sprintf("sp_%d", s.seq)
}

func checkAffected(n int64, want int) error {
	if n != int64(want) {
		return eris.Wrapf(ErrNotFound, "store: update matched %d of %d profiles", n, want)
	}
	return nil
}
