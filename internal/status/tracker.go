// Package status maintains the per-user pipeline progress snapshot in
// Redis. The snapshot is advisory: losing it never loses data, it only
// blanks a dashboard until the next sync.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

const statusTTL = 24 * time.Hour

// Tracker reads and writes tenant-scoped PipelineStatus snapshots.
type Tracker struct {
	client redis.UniversalClient
}

// NewTracker creates a status tracker.
func NewTracker(client redis.UniversalClient) *Tracker {
	return &Tracker{client: client}
}

func statusKey(userID string) string { return "pipeline:status:" + userID }

// Set overwrites the snapshot for the user. Failures are logged and
// swallowed: status publication must never fail a sync.
func (t *Tracker) Set(ctx context.Context, st model.PipelineStatus) {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		zap.L().Warn("status: marshal snapshot", zap.Error(err))
		return
	}
	if err := t.client.Set(ctx, statusKey(st.UserID), raw, statusTTL).Err(); err != nil {
		zap.L().Warn("status: write snapshot",
			zap.String("user_id", st.UserID),
			zap.Error(err),
		)
	}
}

// Get returns the current snapshot, or an idle default when none exists.
func (t *Tracker) Get(ctx context.Context, userID string) (model.PipelineStatus, error) {
	raw, err := t.client.Get(ctx, statusKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.PipelineStatus{UserID: userID, Status: model.SyncStatusIdle}, nil
		}
		return model.PipelineStatus{}, eris.Wrapf(err, "status: read snapshot for %s", userID)
	}
	var st model.PipelineStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return model.PipelineStatus{}, eris.Wrapf(err, "status: decode snapshot for %s", userID)
	}
	return st, nil
}

// LastSyncAt returns when the user's last successful sync completed, or
// nil if unknown. Used for the freshness short-circuit.
func (t *Tracker) LastSyncAt(ctx context.Context, userID string) (*time.Time, error) {
	st, err := t.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return st.LastSyncAt, nil
}
