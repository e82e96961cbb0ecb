package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/config"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

// batchRunner lets the loop be tested with a scripted runner.
type batchRunner interface {
	RunBatch(ctx context.Context, userID string, opts model.BatchOptions) (*model.BatchResult, error)
}

// Loop drains the backlog batch by batch until it is empty or the next
// iteration would not fit before the deadline. One slow iteration never
// overruns: the loop sizes each batch budget from the time actually left.
type Loop struct {
	runner batchRunner
	cfg    config.SyncConfig

	// OnIteration, when set, runs after every completed batch with the
	// aggregate so far. The coordinator uses it to publish status and
	// extend the lease.
	OnIteration func(ctx context.Context, agg model.BatchResult)
}

// NewLoop creates a continuation loop around a batch runner.
func NewLoop(runner batchRunner, cfg config.SyncConfig) *Loop {
	return &Loop{runner: runner, cfg: cfg}
}

// Run processes batches until the backlog drains or time runs out.
// rateLimited shrinks each iteration's budget so a throttled upstream
// gets breathing room between batches of calls.
func (l *Loop) Run(ctx context.Context, userID string, deadline time.Time, rateLimited bool) (*model.BatchResult, error) {
	iterBudget := l.cfg.IterationBudget(rateLimited)

	agg := &model.BatchResult{}
	iterations := 0
	for {
		if ctx.Err() != nil {
			zap.L().Warn("pipeline: loop canceled",
				zap.String("user_id", userID),
				zap.Int("iterations", iterations),
			)
			return agg, nil
		}

		left := time.Until(deadline)
		if left < iterBudget {
			if iterations == 0 || agg.Remaining > 0 {
				zap.L().Info("pipeline: stopping before deadline",
					zap.String("user_id", userID),
					zap.Duration("left", left),
					zap.Duration("iteration_budget", iterBudget),
					zap.Int("remaining", agg.Remaining),
				)
			}
			return agg, nil
		}

		res, err := l.runner.RunBatch(ctx, userID, model.BatchOptions{Budget: iterBudget})
		if err != nil {
			return agg, err
		}
		iterations++

		agg.Processed += res.Processed
		agg.CompaniesExtracted += res.CompaniesExtracted
		agg.NewCompanies += res.NewCompanies
		agg.Failed += res.Failed
		agg.Errors = append(agg.Errors, res.Errors...)
		if len(agg.Errors) > maxErrorDetail {
			agg.Errors = agg.Errors[:maxErrorDetail]
		}
		agg.Remaining = res.Remaining

		if l.OnIteration != nil {
			l.OnIteration(ctx, *agg)
		}

		if res.Remaining == 0 {
			zap.L().Info("pipeline: backlog drained",
				zap.String("user_id", userID),
				zap.Int("iterations", iterations),
				zap.Int("processed", agg.Processed),
			)
			return agg, nil
		}

		// A batch that made no progress will not make any on retry
		// either (every pending email is being claimed elsewhere).
		if res.Processed == 0 {
			zap.L().Warn("pipeline: no progress, stopping",
				zap.String("user_id", userID),
				zap.Int("remaining", res.Remaining),
			)
			return agg, nil
		}
	}
}
