package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/config"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/lock"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/resilience"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/source"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/status"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/store"
)

// Coordinator owns one full sync run: lease, freshness check, fetch,
// ingest, continuation loop, status publication and cleanup.
type Coordinator struct {
	store     store.Store
	connector source.Connector
	locks     *lock.Store
	tracker   *status.Tracker
	runner    *Runner
	emitter   Emitter
	cfg       config.SyncConfig
}

// NewCoordinator wires a sync coordinator. connector may be nil, in which
// case every run is backlog-only.
func NewCoordinator(
	st store.Store,
	connector source.Connector,
	locks *lock.Store,
	tracker *status.Tracker,
	runner *Runner,
	emitter Emitter,
	cfg config.SyncConfig,
) *Coordinator {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Coordinator{
		store:     st,
		connector: connector,
		locks:     locks,
		tracker:   tracker,
		runner:    runner,
		emitter:   emitter,
		cfg:       cfg,
	}
}

func lockKey(userID string) string { return "sync:" + userID }

// RunSync executes one coordinated sync for a user. Contention and
// freshness short-circuits are reported in the result, not as errors.
func (c *Coordinator) RunSync(ctx context.Context, userID string, opts model.SyncOptions) (*model.SyncResult, error) {
	start := time.Now()
	softDeadline := start.Add(c.cfg.MaxRuntime() - c.cfg.SafetyMargin())

	// Freshness is checked before touching the lock: a fresh-data skip is
	// a pure no-op and must not contend with a running sync.
	if !opts.ForceRefresh && c.isFresh(ctx, userID) {
		return &model.SyncResult{Success: true, Fresh: true}, nil
	}

	lease, err := c.locks.Acquire(ctx, lockKey(userID))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			zap.L().Info("sync: already running",
				zap.String("user_id", userID),
				zap.Duration("holder_age", held.Age),
			)
			return &model.SyncResult{
				Busy:       true,
				RetryAfter: int(held.RetryAfter.Seconds()),
			}, nil
		}
		return nil, eris.Wrap(err, "sync: acquire lease")
	}

	// Cleanup must run even when the budget cancels ctx mid-flight.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := lease.Release(cleanupCtx); err != nil {
			zap.L().Warn("sync: release lease", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	// Hard ceiling: cancels in-flight work SafetyMargin before the lease
	// could go stale, leaving time for status writes and release.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	safety := time.AfterFunc(c.cfg.MaxRuntime()-c.cfg.SafetyMargin(), func() {
		zap.L().Warn("sync: safety timer fired", zap.String("user_id", userID))
		cancel()
	})
	defer safety.Stop()

	// Re-check under the lease: another run may have completed between
	// the first check and the acquire.
	if !opts.ForceRefresh && c.isFresh(ctx, userID) {
		return &model.SyncResult{Success: true, Fresh: true}, nil
	}

	result := &model.SyncResult{}
	c.setStatus(cleanupCtx, userID, model.SyncStatusFetching, 5, "fetching newsletters", result, nil)

	rateLimited := false
	if c.connector != nil {
		fetched, fetchErr := c.fetch(runCtx, userID, opts)
		if fetchErr != nil {
			kind := source.KindOf(fetchErr)
			if kind == source.KindAuthFailure {
				c.setStatus(cleanupCtx, userID, model.SyncStatusError, 0, "mailbox authorization failed", result, nil)
				result.Errors = append(result.Errors, fetchErr.Error())
				return result, eris.Wrap(fetchErr, "sync: fetch")
			}
			// Degraded: keep processing whatever is already queued.
			rateLimited = kind == source.KindRateLimited
			result.Errors = append(result.Errors, fetchErr.Error())
			zap.L().Warn("sync: fetch failed, processing backlog only",
				zap.String("user_id", userID),
				zap.String("kind", string(kind)),
				zap.Error(fetchErr),
			)
		} else if len(fetched) > 0 {
			inserted, err := c.store.IngestEmails(runCtx, toModelEmails(userID, fetched))
			if err != nil {
				c.setStatus(cleanupCtx, userID, model.SyncStatusError, 0, "ingest failed", result, nil)
				return result, eris.Wrap(err, "sync: ingest")
			}
			result.EmailsFetched = inserted
			zap.L().Info("sync: ingested",
				zap.String("user_id", userID),
				zap.Int("fetched", len(fetched)),
				zap.Int("new", inserted),
			)
		}
	}

	c.setStatus(cleanupCtx, userID, model.SyncStatusExtracting, 10, "extracting companies", result, nil)

	loop := NewLoop(c.runner, c.cfg)
	loop.OnIteration = func(ctx context.Context, agg model.BatchResult) {
		if err := lease.Extend(cleanupCtx, c.cfg.LockTTL()); err != nil {
			zap.L().Warn("sync: extend lease", zap.Error(err))
		}
		result.Processed = agg.Processed
		result.CompaniesExtracted = agg.CompaniesExtracted
		result.NewCompanies = agg.NewCompanies
		result.Failed = agg.Failed
		result.Remaining = agg.Remaining
		c.setStatus(cleanupCtx, userID, model.SyncStatusExtracting,
			extractProgress(agg.Processed, agg.Processed+agg.Remaining),
			"extracting companies", result, nil)
	}

	agg, loopErr := loop.Run(runCtx, userID, softDeadline, rateLimited)
	result.Processed = agg.Processed
	result.CompaniesExtracted = agg.CompaniesExtracted
	result.NewCompanies = agg.NewCompanies
	result.Failed = agg.Failed
	result.Remaining = agg.Remaining
	result.Errors = append(result.Errors, agg.Errors...)

	if loopErr != nil {
		c.setStatus(cleanupCtx, userID, model.SyncStatusError, 0, "sync failed", result, nil)
		return result, eris.Wrap(loopErr, "sync: continuation loop")
	}

	// The loop may stop before touching the backlog (budget exhausted on
	// iteration zero), so re-count rather than trust the aggregate.
	if pending, err := c.store.CountPendingEmails(cleanupCtx, userID); err == nil {
		result.Remaining = pending
	}

	result.Success = true
	if result.Remaining > 0 {
		// Out of budget with work left; the next run continues the backlog.
		// LastSyncAt stays unset so freshness does not suppress it.
		c.setStatus(cleanupCtx, userID, model.SyncStatusPartial,
			extractProgress(result.Processed, result.Processed+result.Remaining),
			"sync budget exhausted, backlog remains", result, nil)

		zap.L().Info("sync: partial completion",
			zap.String("user_id", userID),
			zap.Int("processed", result.Processed),
			zap.Int("remaining", result.Remaining),
			zap.Duration("elapsed", time.Since(start)),
		)
		return result, nil
	}

	completedAt := time.Now().UTC()
	c.setStatus(cleanupCtx, userID, model.SyncStatusComplete, 100, "sync complete", result, &completedAt)

	zap.L().Info("sync: complete",
		zap.String("user_id", userID),
		zap.Int("fetched", result.EmailsFetched),
		zap.Int("processed", result.Processed),
		zap.Int("companies", result.CompaniesExtracted),
		zap.Int("failed", result.Failed),
		zap.Int("remaining", result.Remaining),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// isFresh reports whether the last completed sync is inside the freshness
// window. An unreadable tracker counts as stale.
func (c *Coordinator) isFresh(ctx context.Context, userID string) bool {
	last, err := c.tracker.LastSyncAt(ctx, userID)
	if err != nil {
		zap.L().Warn("sync: freshness check failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	if last == nil || time.Since(*last) >= c.cfg.FreshnessWindow() {
		return false
	}
	zap.L().Info("sync: fresh, skipping",
		zap.String("user_id", userID),
		zap.Time("last_sync", *last),
	)
	return true
}

// RunBatch drains one batch from the backlog without fetching. It takes
// the same lease as a full sync, so batches and syncs never interleave.
func (c *Coordinator) RunBatch(ctx context.Context, userID string, opts model.BatchOptions) (*model.BatchResult, error) {
	lease, err := c.locks.Acquire(ctx, lockKey(userID))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return nil, eris.Wrapf(err, "sync: busy, retry in %s", held.RetryAfter.Round(time.Second))
		}
		return nil, eris.Wrap(err, "sync: acquire lease")
	}
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := lease.Release(cleanupCtx); err != nil {
			zap.L().Warn("sync: release lease", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	if opts.Budget <= 0 {
		opts.Budget = c.cfg.IterationBudget(false)
	}
	return c.runner.RunBatch(ctx, userID, opts)
}

// Status returns the published snapshot plus a live backlog count.
func (c *Coordinator) Status(ctx context.Context, userID string) (model.PipelineStatus, int, error) {
	st, err := c.tracker.Get(ctx, userID)
	if err != nil {
		return model.PipelineStatus{}, 0, err
	}
	pending, err := c.store.CountPendingEmails(ctx, userID)
	if err != nil {
		return st, 0, err
	}
	return st, pending, nil
}

// fetch pulls new emails from the connector with a bounded timeout and a
// retry for plain network flakes. Classified source errors pass through
// untouched so the caller can branch on kind.
func (c *Coordinator) fetch(ctx context.Context, userID string, opts model.SyncOptions) ([]source.SourceEmail, error) {
	since, err := c.fetchCutoff(ctx, userID, opts)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout())
	defer cancel()

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 2
	retryCfg.OnRetry = resilience.RetryLogger("gmail", "fetch")

	return resilience.DoVal(fetchCtx, retryCfg, func(ctx context.Context) ([]source.SourceEmail, error) {
		return c.connector.FetchSince(ctx, since)
	})
}

// fetchCutoff picks the incremental watermark: the newest stored email
// minus an overlap window, or a days-back horizon on first sync. The
// overlap re-fetches a sliver of known mail; ingest dedup drops it.
func (c *Coordinator) fetchCutoff(ctx context.Context, userID string, opts model.SyncOptions) (time.Time, error) {
	latest, err := c.store.LatestEmailReceivedAt(ctx, userID)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sync: latest email")
	}
	if latest != nil {
		return latest.Add(-c.cfg.Overlap()), nil
	}

	daysBack := opts.DaysBack
	if daysBack <= 0 {
		daysBack = c.cfg.DaysBack
	}
	return time.Now().AddDate(0, 0, -daysBack), nil
}

func (c *Coordinator) setStatus(ctx context.Context, userID string, st model.SyncStatus, progress int, msg string, res *model.SyncResult, lastSyncAt *time.Time) {
	snapshot := model.PipelineStatus{
		UserID:             userID,
		Status:             st,
		Progress:           progress,
		Message:            msg,
		EmailsFetched:      res.EmailsFetched,
		CompaniesExtracted: res.CompaniesExtracted,
		NewCompanies:       res.NewCompanies,
		Failed:             res.Failed,
	}
	if lastSyncAt != nil {
		snapshot.LastSyncAt = lastSyncAt
	} else {
		// Preserve the previous completion time across runs.
		if prev, err := c.tracker.Get(ctx, userID); err == nil {
			snapshot.LastSyncAt = prev.LastSyncAt
		}
	}
	c.tracker.Set(ctx, snapshot)

	c.emitter.Emit(ctx, ProgressEvent{
		UserID:    userID,
		Stage:     string(st),
		Message:   msg,
		Processed: res.Processed,
		Total:     res.Processed + res.Remaining,
	})
}

// extractProgress maps batch progress onto the 10-95 band; fetch owns
// 0-10 and completion owns 100.
func extractProgress(done, total int) int {
	if total <= 0 {
		return 95
	}
	p := 10 + (done*85)/total
	if p > 95 {
		p = 95
	}
	return p
}

func toModelEmails(userID string, fetched []source.SourceEmail) []model.Email {
	emails := make([]model.Email, 0, len(fetched))
	for _, f := range fetched {
		emails = append(emails, model.Email{
			UserID:         userID,
			MessageID:      f.MessageID,
			NewsletterName: f.NewsletterName,
			Sender:         f.Sender,
			Subject:        f.Subject,
			RawHTML:        f.RawHTML,
			CleanText:      f.CleanText,
			ReceivedAt:     f.ReceivedAt,
		})
	}
	return emails
}
