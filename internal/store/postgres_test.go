package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_FindCompanyByName_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, user_id, name, normalized_name`).
		WithArgs("user-1", "Acme").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.FindCompanyByName(context.Background(), "user-1", "Acme")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindCompanyByName_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, user_id, name, normalized_name`).
		WithArgs("user-1", "acme").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "name", "normalized_name", "description", "industry",
			"mention_count", "first_seen_at", "last_updated_at", "created_at",
		}).AddRow("co-1", "user-1", "Acme", "acme-ab12cd", "", "", 3, now, now, now))

	c, err := s.FindCompanyByName(context.Background(), "user-1", "acme")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "co-1", c.ID)
	assert.Equal(t, 3, c.MentionCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkEmailProcessing_NotPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE emails SET processing_status = 'processing'`).
		WithArgs(pgxmock.AnyArg(), "email-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkEmailProcessing(context.Background(), "email-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteEmail_ClearsError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE emails SET processing_status = 'completed', companies_extracted = \$1, error_message = NULL`).
		WithArgs(4, pgxmock.AnyArg(), "email-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteEmail(context.Background(), "email-1", 4)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailEmail_RequiresProcessing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE emails SET processing_status = 'failed'`).
		WithArgs("extractor exploded", pgxmock.AnyArg(), "email-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FailEmail(context.Background(), "email-9", "extractor exploded")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not processing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountPendingEmails(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM emails`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountPendingEmails(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestEmailReceivedAt_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT received_at FROM emails`).
		WithArgs("user-1").
		WillReturnError(pgx.ErrNoRows)

	ts, err := s.LatestEmailReceivedAt(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, ts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IngestEmails_SkipsConflicts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_emails"}, emailIngestColumns).
		WillReturnResult(2)
	// One of the two rows already exists; only one lands.
	mock.ExpectExec(`INSERT INTO "emails" .* ON CONFLICT .* DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	inserted, err := s.IngestEmails(context.Background(), []model.Email{
		{UserID: "user-1", MessageID: "msg-1", ReceivedAt: time.Now()},
		{UserID: "user-1", MessageID: "msg-2", ReceivedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IngestEmails_Empty(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	inserted, err := s.IngestEmails(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}

func TestPostgresStore_ListPendingEmails(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, user_id, message_id`).
		WithArgs("user-1", 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "message_id", "newsletter_name", "sender", "subject",
			"clean_text", "processing_status", "companies_extracted", "error_message",
			"received_at", "processed_at", "created_at", "updated_at",
		}).
			AddRow("e-2", "user-1", "m-2", "Stratechery", "ben@stratechery.com", "Weekly", "text two", model.StatusPending, 0, nil, now, nil, now, now).
			AddRow("e-1", "user-1", "m-1", "Stratechery", "ben@stratechery.com", "Daily", "text one", model.StatusPending, 0, nil, now.Add(-time.Hour), nil, now, now))

	emails, err := s.ListPendingEmails(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "e-2", emails[0].ID)
	assert.Equal(t, model.StatusPending, emails[0].ProcessingStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertMention_DefaultsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO company_mentions`).
		WithArgs(pgxmock.AnyArg(), "co-1", "email-1", "mentioned in passing", "neutral", 0.8, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	m := &model.CompanyMention{
		CompanyID:  "co-1",
		EmailID:    "email-1",
		Context:    "mentioned in passing",
		Sentiment:  "neutral",
		Confidence: 0.8,
	}
	require.NoError(t, s.InsertMention(context.Background(), m))
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.ExtractedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
