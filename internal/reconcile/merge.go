package reconcile

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/model"
	"github.com/sells-group/profile-reconciler/internal/store"
)

// MergeResult describes a merge of two stored profiles.
type MergeResult struct {
	Profile    *model.Profile `json:"profile"`
	DroppedID  string         `json:"dropped_id"`
	FromDrop   []string       `json:"from_drop"`
	Confidence float64        `json:"confidence"`
	DryRun     bool           `json:"dry_run"`
}

// Merge folds the profile dropID into keepID field by field, writes the
// result under keepID and deletes dropID, all in one transaction. With
// dryRun the merged profile is computed and nothing is written.
func (e *Engine) Merge(ctx context.Context, keepID, dropID string, dryRun bool) (*MergeResult, error) {
	if keepID == "" || dropID == "" {
		return nil, eris.New("reconcile: merge needs two record ids")
	}
	if keepID == dropID {
		return nil, eris.Errorf("reconcile: cannot merge %s into itself", keepID)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: merge begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	profiles, err := tx.GetProfiles(ctx, []string{keepID, dropID})
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: merge load")
	}
	keep, drop := profiles[keepID], profiles[dropID]
	for id, p := range map[string]*model.Profile{keepID: keep, dropID: drop} {
		if p == nil {
			return nil, eris.Wrapf(store.ErrNotFound, "reconcile: merge record %s", id)
		}
	}

	merged := e.merger.MergeProfiles(keep, drop)
	out := &MergeResult{
		Profile:    merged.Profile,
		DroppedID:  dropID,
		FromDrop:   merged.FromDrop,
		Confidence: e.scorer.ProfileConfidence(merged.Profile.Metadata),
		DryRun:     dryRun,
	}
	if dryRun {
		return out, nil
	}

	if err := tx.ReplaceProfile(ctx, *merged.Profile); err != nil {
		return nil, eris.Wrap(err, "reconcile: merge write")
	}
	if err := tx.DeleteProfile(ctx, dropID); err != nil {
		return nil, eris.Wrap(err, "reconcile: merge delete")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "reconcile: merge commit")
	}

	zap.L().Info("reconcile: profiles merged",
		zap.String("keep", keepID),
		zap.String("drop", dropID),
		zap.Int("from_drop", len(out.FromDrop)),
	)
	return out, nil
}
