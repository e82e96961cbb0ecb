package status

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTracker(client), mr
}

func TestTracker_GetDefaultsToIdle(t *testing.T) {
	tr, _ := newTestTracker(t)

	st, err := tr.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusIdle, st.Status)
	assert.Equal(t, "user-1", st.UserID)
	assert.Nil(t, st.LastSyncAt)
}

func TestTracker_SetGetRoundTrip(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	last := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	tr.Set(ctx, model.PipelineStatus{
		UserID:             "user-1",
		Status:             model.SyncStatusExtracting,
		Progress:           40,
		Message:            "processing batch",
		EmailsFetched:      12,
		CompaniesExtracted: 5,
		LastSyncAt:         &last,
	})

	st, err := tr.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusExtracting, st.Status)
	assert.Equal(t, 40, st.Progress)
	assert.Equal(t, 12, st.EmailsFetched)
	require.NotNil(t, st.LastSyncAt)
	assert.True(t, st.LastSyncAt.Equal(last))
	assert.False(t, st.UpdatedAt.IsZero())
}

func TestTracker_SnapshotsAreTenantScoped(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Set(ctx, model.PipelineStatus{UserID: "user-1", Status: model.SyncStatusFetching})

	st, err := tr.Get(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusIdle, st.Status)
}

func TestTracker_LastSyncAt(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	ts, err := tr.LastSyncAt(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, ts)

	last := time.Now().UTC().Truncate(time.Second)
	tr.Set(ctx, model.PipelineStatus{UserID: "user-1", Status: model.SyncStatusComplete, LastSyncAt: &last})

	ts, err = tr.LastSyncAt(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.True(t, ts.Equal(last))
}

func TestTracker_SnapshotExpires(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	tr.Set(ctx, model.PipelineStatus{UserID: "user-1", Status: model.SyncStatusComplete})
	mr.FastForward(25 * time.Hour)

	st, err := tr.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusIdle, st.Status)
}
