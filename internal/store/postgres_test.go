package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secshare.io/engine/internal/models"
)

var secretRowColumns = []string{
	"id", "owner_id", "ciphertext", "max_views", "current_views", "expires_at", "created_at",
	"state", "purged_at", "attachment_ref", "attachment_name", "attachment_size",
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return sqlx.NewDb(db, "pgx"), mock
}

func activeRow(id string, maxViews, currentViews int, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(secretRowColumns).AddRow(
		id, "alice", []byte("ciphertext-"+id), maxViews, currentViews, expiresAt, baseTime,
		"active", nil, nil, nil, nil,
	)
}

func TestPostgresConsumeView(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1 FOR UPDATE`).
		WithArgs("s1").
		WillReturnRows(activeRow("s1", 3, 0, baseTime.Add(time.Hour)))
	mock.ExpectExec(`UPDATE secrets SET current_views = \$2 WHERE id = \$1`).
		WithArgs("s1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.AtomicConsumeView(context.Background(), "s1", baseTime)
	require.NoError(t, err)
	assert.False(t, res.Exhausted)
	assert.Equal(t, 1, res.Secret.CurrentViews)
	assert.Equal(t, []byte("ciphertext-s1"), res.Secret.Ciphertext)
}

func TestPostgresConsumeLastView(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("s1").
		WillReturnRows(activeRow("s1", 2, 1, baseTime.Add(time.Hour)))
	mock.ExpectExec(`UPDATE secrets SET current_views = \$2, state = 'exhausted', ciphertext = NULL WHERE id = \$1`).
		WithArgs("s1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.AtomicConsumeView(context.Background(), "s1", baseTime)
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 2, res.Secret.CurrentViews)
	assert.NotNil(t, res.Secret.Ciphertext)
}

func TestPostgresConsumeExpired(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("s1").
		WillReturnRows(activeRow("s1", 2, 0, baseTime))
	mock.ExpectExec(`UPDATE secrets SET state = 'expired', ciphertext = NULL WHERE id = \$1`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.AtomicConsumeView(context.Background(), "s1", baseTime)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, models.StateExpired, res.Secret.State)
	assert.Nil(t, res.Secret.Ciphertext)
}

func TestPostgresConsumeNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(secretRowColumns))
	mock.ExpectRollback()

	_, err := s.AtomicConsumeView(context.Background(), "ghost", baseTime)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresConsumeLockTimeout(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("s1").
		WillReturnError(&pgconn.PgError{Code: "55P03", Message: "lock not available"})
	mock.ExpectRollback()

	_, err := s.AtomicConsumeView(context.Background(), "s1", baseTime)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPostgresPutConflict(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStore(db)

	mock.ExpectExec(`INSERT INTO secrets`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := s.Put(context.Background(), newSecret("dup", "alice", 1, time.Hour))
	require.ErrorIs(t, err, ErrConflict)
}

func TestPostgresPurge(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStore(db)

	mock.ExpectQuery(`WITH old AS`).
		WithArgs("s1", baseTime).
		WillReturnRows(sqlmock.NewRows([]string{"attachment_ref"}).AddRow("blob-1"))
	mock.ExpectQuery(`WITH old AS`).
		WithArgs("ghost", baseTime).
		WillReturnRows(sqlmock.NewRows([]string{"attachment_ref"}))

	ref, err := s.Purge(context.Background(), "s1", baseTime)
	require.NoError(t, err)
	assert.Equal(t, "blob-1", ref)

	_, err = s.Purge(context.Background(), "ghost", baseTime)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresLedgerAppend(t *testing.T) {
	db, mock := newMockDB(t)
	l := NewPostgresLedger(db)

	mock.ExpectQuery(`INSERT INTO access_logs`).
		WithArgs("s1", "10.0.0.1", "curl/8.0", baseTime, "revealed").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(4)))

	entry, err := l.Append(context.Background(), models.AccessLogEntry{
		SecretID:   "s1",
		Address:    "10.0.0.1",
		ClientID:   "curl/8.0",
		AccessedAt: baseTime,
		Outcome:    models.OutcomeRevealed,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, entry.Seq)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/secrets", migrateURL("postgres://u:p@db:5432/secrets"))
	assert.Equal(t, "pgx5://db/secrets", migrateURL("postgresql://db/secrets"))
	assert.Equal(t, "pgx5://db/secrets", migrateURL("pgx5://db/secrets"))
}

// TestPostgresIntegration runs the shared contracts against a real database.
// Set TEST_POSTGRES_URL to enable it.
func TestPostgresIntegration(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	_, err := Migrate(url)
	require.NoError(t, err)

	db, err := OpenPostgres(context.Background(), url, 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reset := func(t *testing.T) {
		_, err := db.Exec(`TRUNCATE secrets, access_logs, attachments`)
		require.NoError(t, err)
	}

	t.Run("secrets", func(t *testing.T) {
		runSecretStoreContract(t, func(t *testing.T) SecretStore {
			reset(t)
			return NewPostgresStore(db)
		})
	})

	t.Run("ledger", func(t *testing.T) {
		runLedgerContract(t, func(t *testing.T) Ledger {
			reset(t)
			secrets := NewPostgresStore(db)
			for _, id := range []string{"s1", "s2", "s3", "other"} {
				require.NoError(t, secrets.Put(context.Background(), newSecret(id, "alice", 1, time.Hour)))
			}
			return NewPostgresLedger(db)
		})
	})

	t.Run("blobs", func(t *testing.T) {
		runBlobContract(t, func(t *testing.T) BlobStore {
			reset(t)
			return NewPostgresBlobStore(db)
		})
	})
}
