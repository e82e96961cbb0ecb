package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for
// local development and single-host deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS emails (
	id                  TEXT PRIMARY KEY,
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
	received_at         DATETIME NOT NULL,
	processed_at        DATETIME,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (user_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_emails_user_status_received ON emails(user_id, processing_status, received_at DESC);

CREATE TABLE IF NOT EXISTS companies (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	industry        TEXT NOT NULL DEFAULT '',
	mention_count   INTEGER NOT NULL DEFAULT 0,
	first_seen_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	last_updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (user_id, normalized_name)
);

CREATE INDEX IF NOT EXISTS idx_companies_user_lower_name ON companies(user_id, LOWER(name));

CREATE TABLE IF NOT EXISTS company_mentions (
	id           TEXT PRIMARY KEY,
	company_id   TEXT NOT NULL REFERENCES companies(id),
	email_id     TEXT NOT NULL REFERENCES emails(id),
	context      TEXT NOT NULL DEFAULT '',
	sentiment    TEXT NOT NULL DEFAULT 'neutral',
	confidence   REAL NOT NULL DEFAULT 0.8,
	extracted_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_company_mentions_company_id ON company_mentions(company_id);
CREATE INDEX IF NOT EXISTS idx_company_mentions_email_id ON company_mentions(email_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) IngestEmails(ctx context.Context, emails []model.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: ingest emails begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	inserted := 0
	for _, e := range emails {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO emails (id, user_id, message_id, newsletter_name, sender, subject, raw_html, clean_text, processing_status, companies_extracted, received_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			id, e.UserID, e.MessageID, e.NewsletterName, e.Sender, e.Subject,
			e.RawHTML, e.CleanText, string(model.StatusPending),
			e.ReceivedAt.UTC(), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: ingest email %s", e.MessageID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: ingest rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: ingest emails commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListPendingEmails(ctx context.Context, userID string, limit int) ([]model.Email, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, message_id, newsletter_name, sender, subject, clean_text, processing_status, companies_extracted, error_message, received_at, processed_at, created_at, updated_at
		 FROM emails
		 WHERE user_id = ? AND processing_status = 'pending'
		 ORDER BY received_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending emails")
	}
	defer rows.Close()

	var emails []model.Email
	for rows.Next() {
		var e model.Email
		var errMsg sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.UserID, &e.MessageID, &e.NewsletterName, &e.Sender, &e.Subject,
			&e.CleanText, &e.ProcessingStatus, &e.CompaniesExtracted, &errMsg,
			&e.ReceivedAt, &processedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan email")
		}
		if errMsg.Valid {
			e.ErrorMessage = errMsg.String
		}
		if processedAt.Valid {
			t := processedAt.Time
			e.ProcessedAt = &t
		}
		emails = append(emails, e)
	}
	return emails, eris.Wrap(rows.Err(), "sqlite: list pending emails iterate")
}

func (s *SQLiteStore) CountPendingEmails(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM emails WHERE user_id = ? AND processing_status = 'pending'`,
		userID,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count pending emails")
}

func (s *SQLiteStore) MarkEmailProcessing(ctx context.Context, emailID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE emails SET processing_status = 'processing', updated_at = ?
		 WHERE id = ? AND processing_status = 'pending'`,
		time.Now().UTC(), emailID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark email processing %s", emailID)
	}
	return checkRowsAffected(res, "pending email", emailID)
}

func (s *SQLiteStore) CompleteEmail(ctx context.Context, emailID string, companiesExtracted int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE emails SET processing_status = 'completed', companies_extracted = ?, error_message = NULL, processed_at = ?, updated_at = ?
		 WHERE id = ? AND processing_status = 'processing'`,
		companiesExtracted, now, now, emailID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete email %s", emailID)
	}
	return checkRowsAffected(res, "processing email", emailID)
}

func (s *SQLiteStore) FailEmail(ctx context.Context, emailID string, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE emails SET processing_status = 'failed', error_message = ?, processed_at = ?, updated_at = ?
		 WHERE id = ? AND processing_status = 'processing'`,
		errMsg, now, now, emailID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail email %s", emailID)
	}
	return checkRowsAffected(res, "processing email", emailID)
}

func (s *SQLiteStore) LatestEmailReceivedAt(ctx context.Context, userID string) (*time.Time, error) {
	var received time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT received_at FROM emails WHERE user_id = ? ORDER BY received_at DESC LIMIT 1`,
		userID,
	).Scan(&received)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: latest email received at")
	}
	return &received, nil
}

func (s *SQLiteStore) FindCompanyByName(ctx context.Context, userID, name string) (*model.Company, error) {
	var c model.Company
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, normalized_name, description, industry, mention_count, first_seen_at, last_updated_at, created_at
		 FROM companies
		 WHERE user_id = ? AND LOWER(name) = LOWER(?) LIMIT 1`,
		userID, name,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.NormalizedName, &c.Description, &c.Industry,
		&c.MentionCount, &c.FirstSeenAt, &c.LastUpdatedAt, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find company by name")
	}
	return &c, nil
}

func (s *SQLiteStore) CreateCompany(ctx context.Context, company *model.Company) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, user_id, name, normalized_name, description, industry, mention_count, first_seen_at, last_updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		company.ID, company.UserID, company.Name, company.NormalizedName,
		company.Description, company.Industry, company.MentionCount,
		company.FirstSeenAt, company.LastUpdatedAt, company.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: create company")
}

func (s *SQLiteStore) IncrementMentionCount(ctx context.Context, companyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET mention_count = mention_count + 1, last_updated_at = ? WHERE id = ?`,
		time.Now().UTC(), companyID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment mention count %s", companyID)
	}
	return checkRowsAffected(res, "company", companyID)
}

func (s *SQLiteStore) InsertMention(ctx context.Context, mention *model.CompanyMention) error {
	if mention.ID == "" {
		mention.ID = uuid.New().String()
	}
	if mention.ExtractedAt.IsZero() {
		mention.ExtractedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO company_mentions (id, company_id, email_id, context, sentiment, confidence, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mention.ID, mention.CompanyID, mention.EmailID, mention.Context,
		mention.Sentiment, mention.Confidence, mention.ExtractedAt,
	)
	return eris.Wrap(err, "sqlite: insert mention")
}

// checkRowsAffected converts a zero-row update into a not-found error.
func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", kind, id)
	}
	return nil
}
