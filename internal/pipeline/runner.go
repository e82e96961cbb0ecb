// Package pipeline orchestrates the newsletter sync: fetch, extract,
// resolve and persist, under a wall-clock budget and a per-user lease.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/config"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/extractor"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/store"
)

// maxErrorDetail caps how many per-email error strings a result carries.
const maxErrorDetail = 10

// Resolver persists one extracted mention, reporting whether it created
// a new company record.
type Resolver interface {
	Resolve(ctx context.Context, userID, emailID string, mention model.Mention) (bool, error)
}

// Runner processes one batch of pending emails. Failures are isolated
// per email: a bad email is marked failed and the batch moves on.
type Runner struct {
	store     store.Store
	extractor extractor.Extractor
	resolver  Resolver
	emitter   Emitter
	cfg       config.SyncConfig
}

// NewRunner creates a batch runner.
func NewRunner(st store.Store, ex extractor.Extractor, res Resolver, em Emitter, cfg config.SyncConfig) *Runner {
	if em == nil {
		em = NopEmitter{}
	}
	return &Runner{store: st, extractor: ex, resolver: res, emitter: em, cfg: cfg}
}

// clampBatchSize sizes the claim window from the backlog: small backlogs
// still claim a minimum window (cheap), huge ones are capped so one
// iteration stays inside its budget.
func clampBatchSize(queued, min, max int) int {
	if queued < min {
		return min
	}
	if queued > max {
		return max
	}
	return queued
}

// RunBatch claims and processes up to one batch of pending emails.
// opts.Budget, when set, bounds wall-clock time: the budget is checked
// between emails, never mid-email, so a started email always reaches a
// terminal status.
func (r *Runner) RunBatch(ctx context.Context, userID string, opts model.BatchOptions) (*model.BatchResult, error) {
	queued, err := r.store.CountPendingEmails(ctx, userID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: count backlog")
	}
	if queued == 0 {
		return &model.BatchResult{}, nil
	}

	size := opts.BatchSize
	if size <= 0 {
		size = clampBatchSize(queued, r.cfg.BatchMin, r.cfg.BatchMax)
	}

	var deadline time.Time
	if opts.Budget > 0 {
		deadline = time.Now().Add(opts.Budget)
	}

	emails, err := r.store.ListPendingEmails(ctx, userID, size)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list backlog")
	}

	result := &model.BatchResult{}
	for i, email := range emails {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			zap.L().Info("pipeline: batch budget exhausted",
				zap.String("user_id", userID),
				zap.Int("processed", result.Processed),
				zap.Int("skipped", len(emails)-i),
			)
			break
		}
		if ctx.Err() != nil {
			break
		}

		r.processEmail(ctx, userID, email, result)

		r.emitter.Emit(ctx, ProgressEvent{
			UserID:    userID,
			Stage:     string(model.SyncStatusExtracting),
			Message:   fmt.Sprintf("processed %s", email.Subject),
			Processed: result.Processed,
			Total:     len(emails),
		})
	}

	// Recount on a detached context so a canceled batch still reports an
	// accurate backlog.
	remaining, err := r.store.CountPendingEmails(context.WithoutCancel(ctx), userID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: recount backlog")
	}
	result.Remaining = remaining
	return result, nil
}

// processEmail drives one email to a terminal status. Extraction and
// status writes use a detached context: once an email is claimed it is
// allowed to finish, and cancellation takes effect between emails.
func (r *Runner) processEmail(ctx context.Context, userID string, email model.Email, result *model.BatchResult) {
	writeCtx := context.WithoutCancel(ctx)

	if err := r.store.MarkEmailProcessing(ctx, email.ID); err != nil {
		// Claimed by a concurrent run; not a failure.
		zap.L().Debug("pipeline: claim lost",
			zap.String("email_id", email.ID),
			zap.Error(err),
		)
		return
	}

	if len(email.CleanText) < r.cfg.MinTextLength {
		if err := r.store.CompleteEmail(writeCtx, email.ID, 0); err != nil {
			zap.L().Warn("pipeline: complete short email", zap.String("email_id", email.ID), zap.Error(err))
		}
		result.Processed++
		return
	}

	res, err := r.extractor.Extract(writeCtx, email.CleanText, email.NewsletterName)
	if err != nil {
		// The call never ran at all.
		r.failEmail(writeCtx, email.ID, err.Error(), result)
		return
	}
	if res.Failed() {
		r.failEmail(writeCtx, email.ID, res.Metadata.Error, result)
		return
	}

	saved := 0
	newCompanies := 0
	for _, mention := range res.Companies {
		created, err := r.resolver.Resolve(writeCtx, userID, email.ID, mention)
		if err != nil {
			zap.L().Warn("pipeline: resolve mention",
				zap.String("email_id", email.ID),
				zap.String("company", mention.Name),
				zap.Error(err),
			)
			continue
		}
		saved++
		if created {
			newCompanies++
		}
	}

	if err := r.store.CompleteEmail(writeCtx, email.ID, saved); err != nil {
		zap.L().Warn("pipeline: complete email", zap.String("email_id", email.ID), zap.Error(err))
	}

	result.Processed++
	result.CompaniesExtracted += saved
	result.NewCompanies += newCompanies

	zap.L().Info("pipeline: email processed",
		zap.String("email_id", email.ID),
		zap.String("newsletter", email.NewsletterName),
		zap.Int("companies", saved),
		zap.Int("new_companies", newCompanies),
		zap.Duration("extract_time", res.Metadata.ProcessingTime),
	)
}

func (r *Runner) failEmail(ctx context.Context, emailID, msg string, result *model.BatchResult) {
	if err := r.store.FailEmail(ctx, emailID, msg); err != nil {
		zap.L().Warn("pipeline: fail email", zap.String("email_id", emailID), zap.Error(err))
	}
	result.Processed++
	result.Failed++
	if len(result.Errors) < maxErrorDetail {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", emailID, msg))
	}
	zap.L().Warn("pipeline: email failed",
		zap.String("email_id", emailID),
		zap.String("error", msg),
	)
}
