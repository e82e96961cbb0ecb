package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/company"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/config"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/extractor"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/lock"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/pipeline"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/status"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/store"
)

// stubExtractor returns one mention for any email.
type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, _, _ string) (*extractor.Result, error) {
	return &extractor.Result{Companies: []model.Mention{{Name: "Acme", Confidence: 0.9}}}, nil
}

func newTestEnv(t *testing.T) (*syncEnv, *lock.Store) {
	t.Helper()

	cfg = &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"*"}},
		Sync: config.SyncConfig{
			DaysBack:              30,
			FreshnessWindowMins:   60,
			OverlapMins:           5,
			BatchMin:              10,
			BatchMax:              20,
			IterationBudgetSecs:   45,
			RateLimitedBudgetSecs: 20,
			MaxRuntimeSecs:        280,
			SafetyMarginSecs:      15,
			LockTTLSecs:           300,
			MinTextLength:         10,
		},
	}

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	locks := lock.NewStore(rdb, cfg.Sync.LockTTL())
	runner := pipeline.NewRunner(st, stubExtractor{}, company.NewResolver(st), nil, cfg.Sync)
	coord := pipeline.NewCoordinator(st, nil, locks, status.NewTracker(rdb), runner, nil, cfg.Sync)

	return &syncEnv{Store: st, Redis: rdb, Coord: coord}, locks
}

func TestServe_Health(t *testing.T) {
	env, _ := newTestEnv(t)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServe_StatusEndpoint(t *testing.T) {
	env, _ := newTestEnv(t)
	_, err := env.Store.IngestEmails(context.Background(), []model.Email{{
		UserID:     "user-1",
		MessageID:  "m1",
		CleanText:  "Acme raised a Series B round",
		ReceivedAt: time.Now().UTC(),
	}})
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/users/user-1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report statusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, model.SyncStatusIdle, report.Status)
	assert.Equal(t, 1, report.PendingEmails)
}

func TestServe_SyncEndpoint(t *testing.T) {
	env, _ := newTestEnv(t)
	_, err := env.Store.IngestEmails(context.Background(), []model.Email{{
		UserID:     "user-1",
		MessageID:  "m1",
		CleanText:  "Acme raised a Series B round",
		ReceivedAt: time.Now().UTC(),
	}})
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/users/user-1/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result model.SyncResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.CompaniesExtracted)
}

func TestServe_SyncConflictWhenBusy(t *testing.T) {
	env, locks := newTestEnv(t)
	lease, err := locks.Acquire(context.Background(), "sync:user-1")
	require.NoError(t, err)
	defer lease.Release(context.Background())

	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/users/user-1/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestServe_BatchConflictWhenBusy(t *testing.T) {
	env, locks := newTestEnv(t)
	lease, err := locks.Acquire(context.Background(), "sync:user-1")
	require.NoError(t, err)
	defer lease.Release(context.Background())

	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/users/user-1/batch", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
