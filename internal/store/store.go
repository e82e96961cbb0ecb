// Package store defines the persistence interface for the sync pipeline
// and its Postgres and SQLite implementations.
package store

import (
	"context"
	"time"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

// Store defines the persistence operations used by the pipeline. All email
// and company operations are scoped by user.
type Store interface {
	// Emails
	// IngestEmails inserts fetched emails, skipping any whose
	// (user_id, message_id) already exists. Existing rows are never
	// overwritten. Returns the number of rows actually inserted.
	IngestEmails(ctx context.Context, emails []model.Email) (int, error)
	// ListPendingEmails returns up to limit pending emails, newest first.
	ListPendingEmails(ctx context.Context, userID string, limit int) ([]model.Email, error)
	CountPendingEmails(ctx context.Context, userID string) (int, error)
	// MarkEmailProcessing transitions pending -> processing. Fails if the
	// email is not pending.
	MarkEmailProcessing(ctx context.Context, emailID string) error
	// CompleteEmail transitions processing -> completed, records the count
	// of durably saved mentions and clears any previous error.
	CompleteEmail(ctx context.Context, emailID string, companiesExtracted int) error
	// FailEmail transitions processing -> failed with the captured message.
	FailEmail(ctx context.Context, emailID string, errMsg string) error
	// LatestEmailReceivedAt returns the received timestamp of the user's
	// most recent email, or nil if none exist.
	LatestEmailReceivedAt(ctx context.Context, userID string) (*time.Time, error)

	// Companies
	// FindCompanyByName matches case-insensitively, scoped by user.
	// Returns nil, nil when no company matches.
	FindCompanyByName(ctx context.Context, userID, name string) (*model.Company, error)
	CreateCompany(ctx context.Context, company *model.Company) error
	// IncrementMentionCount bumps mention_count and last_updated_at.
	IncrementMentionCount(ctx context.Context, companyID string) error
	InsertMention(ctx context.Context, mention *model.CompanyMention) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
