package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

// scriptedBatchRunner returns one canned result per call.
type scriptedBatchRunner struct {
	results []*model.BatchResult
	err     error
	budgets []time.Duration
}

func (s *scriptedBatchRunner) RunBatch(_ context.Context, _ string, opts model.BatchOptions) (*model.BatchResult, error) {
	s.budgets = append(s.budgets, opts.Budget)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) == 0 {
		return &model.BatchResult{}, nil
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res, nil
}

func TestLoop_DrainsAcrossIterations(t *testing.T) {
	runner := &scriptedBatchRunner{results: []*model.BatchResult{
		{Processed: 5, CompaniesExtracted: 8, NewCompanies: 3, Remaining: 4},
		{Processed: 4, CompaniesExtracted: 2, NewCompanies: 1, Failed: 1, Remaining: 0},
	}}
	cfg := testSyncConfig()
	cfg.IterationBudgetSecs = 1
	l := NewLoop(runner, cfg)

	var iterations []model.BatchResult
	l.OnIteration = func(_ context.Context, agg model.BatchResult) {
		iterations = append(iterations, agg)
	}

	agg, err := l.Run(context.Background(), "user-1", time.Now().Add(time.Hour), false)
	require.NoError(t, err)

	assert.Equal(t, 9, agg.Processed)
	assert.Equal(t, 10, agg.CompaniesExtracted)
	assert.Equal(t, 4, agg.NewCompanies)
	assert.Equal(t, 1, agg.Failed)
	assert.Zero(t, agg.Remaining)
	assert.Len(t, iterations, 2)
	assert.Equal(t, 4, iterations[0].Remaining)
}

func TestLoop_StopsWhenNextIterationWouldNotFit(t *testing.T) {
	runner := &scriptedBatchRunner{results: []*model.BatchResult{
		{Processed: 5, Remaining: 50},
	}}
	cfg := testSyncConfig()
	cfg.IterationBudgetSecs = 3600 // a full iteration can never fit
	l := NewLoop(runner, cfg)

	agg, err := l.Run(context.Background(), "user-1", time.Now().Add(time.Minute), false)
	require.NoError(t, err)

	assert.Zero(t, agg.Processed)
	assert.Empty(t, runner.budgets)
}

func TestLoop_RateLimitedShrinksBudget(t *testing.T) {
	runner := &scriptedBatchRunner{results: []*model.BatchResult{{Processed: 1, Remaining: 0}}}
	cfg := testSyncConfig()
	l := NewLoop(runner, cfg)

	_, err := l.Run(context.Background(), "user-1", time.Now().Add(time.Hour), true)
	require.NoError(t, err)

	require.Len(t, runner.budgets, 1)
	assert.Equal(t, cfg.IterationBudget(true), runner.budgets[0])
}

func TestLoop_StopsOnNoProgress(t *testing.T) {
	runner := &scriptedBatchRunner{results: []*model.BatchResult{
		{Processed: 0, Remaining: 7},
		{Processed: 3, Remaining: 4}, // must never run
	}}
	l := NewLoop(runner, testSyncConfig())

	agg, err := l.Run(context.Background(), "user-1", time.Now().Add(time.Hour), false)
	require.NoError(t, err)

	assert.Zero(t, agg.Processed)
	assert.Equal(t, 7, agg.Remaining)
	assert.Len(t, runner.budgets, 1)
}

func TestLoop_PropagatesRunnerError(t *testing.T) {
	runner := &scriptedBatchRunner{err: assert.AnError}
	l := NewLoop(runner, testSyncConfig())

	_, err := l.Run(context.Background(), "user-1", time.Now().Add(time.Hour), false)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoop_CanceledContextStopsCleanly(t *testing.T) {
	runner := &scriptedBatchRunner{results: []*model.BatchResult{{Processed: 2, Remaining: 5}}}
	l := NewLoop(runner, testSyncConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agg, err := l.Run(ctx, "user-1", time.Now().Add(time.Hour), false)
	require.NoError(t, err)
	assert.Zero(t, agg.Processed)
}

func TestLoop_CapsErrorDetail(t *testing.T) {
	var results []*model.BatchResult
	for i := 0; i < 4; i++ {
		res := &model.BatchResult{Processed: 1, Failed: 5, Remaining: 3 - i}
		for j := 0; j < 5; j++ {
			res.Errors = append(res.Errors, "boom")
		}
		results = append(results, res)
	}
	l := NewLoop(&scriptedBatchRunner{results: results}, testSyncConfig())

	agg, err := l.Run(context.Background(), "user-1", time.Now().Add(time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 20, agg.Failed)
	assert.Len(t, agg.Errors, maxErrorDetail)
}
