package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/db"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS emails (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id             TEXT NOT NULL,
	message_id          TEXT NOT NULL,
	newsletter_name     TEXT NOT NULL DEFAULT '',
	sender              TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	raw_html            TEXT NOT NULL DEFAULT '',
	clean_text          TEXT NOT NULL DEFAULT '',
	processing_status   TEXT NOT NULL DEFAULT 'pending',
	companies_extracted INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT,
	received_at         TIMESTAMPTZ NOT NULL,
	processed_at        TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_emails_user_status_received ON emails(user_id, processing_status, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_emails_user_received ON emails(user_id, received_at DESC);

CREATE TABLE IF NOT EXISTS companies (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	industry        TEXT NOT NULL DEFAULT '',
	mention_count   INTEGER NOT NULL DEFAULT 0,
	first_seen_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, normalized_name)
);

CREATE INDEX IF NOT EXISTS idx_companies_user_lower_name ON companies(user_id, LOWER(name));

CREATE TABLE IF NOT EXISTS company_mentions (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_id   TEXT NOT NULL REFERENCES companies(id),
	email_id     TEXT NOT NULL REFERENCES emails(id),
	context      TEXT NOT NULL DEFAULT '',
	sentiment    TEXT NOT NULL DEFAULT 'neutral',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0.8,
	extracted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_company_mentions_company_id ON company_mentions(company_id);
CREATE INDEX IF NOT EXISTS idx_company_mentions_email_id ON company_mentions(email_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// emailIngestColumns is the column order used by IngestEmails.
var emailIngestColumns = []string{
	"id", "user_id", "message_id", "newsletter_name", "sender", "subject",
	"raw_html", "clean_text", "processing_status", "companies_extracted",
	"received_at", "created_at", "updated_at",
}

func (s *PostgresStore) IngestEmails(ctx context.Context, emails []model.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(emails))
	for _, e := range emails {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{
			id, e.UserID, e.MessageID, e.NewsletterName, e.Sender, e.Subject,
			e.RawHTML, e.CleanText, string(model.StatusPending), 0,
			e.ReceivedAt.UTC(), now, now,
		})
	}

	inserted, err := db.BulkInsertSkipConflicts(ctx, s.pool, db.InsertConfig{
		Table:        "emails",
		Columns:      emailIngestColumns,
		ConflictKeys: []string{"user_id", "message_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: ingest emails")
	}
	return int(inserted), nil
}

func (s *PostgresStore) ListPendingEmails(ctx context.Context, userID string, limit int) ([]model.Email, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, message_id, newsletter_name, sender, subject, clean_text, processing_status, companies_extracted, error_message, received_at, processed_at, created_at, updated_at
		 FROM emails
		 WHERE user_id = $1 AND processing_status = 'pending'
		 ORDER BY received_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending emails")
	}
	defer rows.Close()

	var emails []model.Email
	for rows.Next() {
		var e model.Email
		var errMsg *string
		if err := rows.Scan(&e.ID, &e.UserID, &e.MessageID, &e.NewsletterName, &e.Sender, &e.Subject,
			&e.CleanText, &e.ProcessingStatus, &e.CompaniesExtracted, &errMsg,
			&e.ReceivedAt, &e.ProcessedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan email")
		}
		if errMsg != nil {
			e.ErrorMessage = *errMsg
		}
		emails = append(emails, e)
	}
	return emails, eris.Wrap(rows.Err(), "postgres: list pending emails iterate")
}

func (s *PostgresStore) CountPendingEmails(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM emails WHERE user_id = $1 AND processing_status = 'pending'`,
		userID,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count pending emails")
}

func (s *PostgresStore) MarkEmailProcessing(ctx context.Context, emailID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE emails SET processing_status = 'processing', updated_at = $1
		 WHERE id = $2 AND processing_status = 'pending'`,
		time.Now().UTC(), emailID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark email processing %s", emailID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("email not pending: %s", emailID)
	}
	return nil
}

func (s *PostgresStore) CompleteEmail(ctx context.Context, emailID string, companiesExtracted int) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE emails SET processing_status = 'completed', companies_extracted = $1, error_message = NULL, processed_at = $2, updated_at = $2
		 WHERE id = $3 AND processing_status = 'processing'`,
		companiesExtracted, now, emailID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete email %s", emailID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("email not processing: %s", emailID)
	}
	return nil
}

func (s *PostgresStore) FailEmail(ctx context.Context, emailID string, errMsg string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE emails SET processing_status = 'failed', error_message = $1, processed_at = $2, updated_at = $2
		 WHERE id = $3 AND processing_status = 'processing'`,
		errMsg, now, emailID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail email %s", emailID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("email not processing: %s", emailID)
	}
	return nil
}

func (s *PostgresStore) LatestEmailReceivedAt(ctx context.Context, userID string) (*time.Time, error) {
	var received time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT received_at FROM emails WHERE user_id = $1 ORDER BY received_at DESC LIMIT 1`,
		userID,
	).Scan(&received)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest email received at")
	}
	return &received, nil
}

func (s *PostgresStore) FindCompanyByName(ctx context.Context, userID, name string) (*model.Company, error) {
	var c model.Company
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, normalized_name, description, industry, mention_count, first_seen_at, last_updated_at, created_at
		 FROM companies
		 WHERE user_id = $1 AND LOWER(name) = LOWER($2) LIMIT 1`,
		userID, name,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.NormalizedName, &c.Description, &c.Industry,
		&c.MentionCount, &c.FirstSeenAt, &c.LastUpdatedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find company by name")
	}
	return &c, nil
}

func (s *PostgresStore) CreateCompany(ctx context.Context, company *model.Company) error {
	if company.ID == "" {
		company.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if company.FirstSeenAt.IsZero() {
		company.FirstSeenAt = now
	}
	if company.LastUpdatedAt.IsZero() {
		company.LastUpdatedAt = now
	}
	company.CreatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, user_id, name, normalized_name, description, industry, mention_count, first_seen_at, last_updated_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		company.ID, company.UserID, company.Name, company.NormalizedName,
		company.Description, company.Industry, company.MentionCount,
		company.FirstSeenAt, company.LastUpdatedAt, company.CreatedAt,
	)
	return eris.Wrap(err, "postgres: create company")
}

func (s *PostgresStore) IncrementMentionCount(ctx context.Context, companyID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET mention_count = mention_count + 1, last_updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), companyID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment mention count %s", companyID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("company not found: %s", companyID)
	}
	return nil
}

func (s *PostgresStore) InsertMention(ctx context.Context, mention *model.CompanyMention) error {
	if mention.ID == "" {
		mention.ID = uuid.New().String()
	}
	if mention.ExtractedAt.IsZero() {
		mention.ExtractedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO company_mentions (id, company_id, email_id, context, sentiment, confidence, extracted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		mention.ID, mention.CompanyID, mention.EmailID, mention.Context,
		mention.Sentiment, mention.Confidence, mention.ExtractedAt,
	)
	return eris.Wrap(err, "postgres: insert mention")
}
