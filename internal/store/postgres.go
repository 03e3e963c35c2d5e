package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"secshare.io/engine/internal/models"
)

var _ SecretStore = (*PostgresStore)(nil)

// PostgresStore serializes view consumption with a row lock
// (SELECT ... FOR UPDATE) inside a transaction.
type PostgresStore struct {
	db *sqlx.DB
}

func OpenPostgres(ctx context.Context, databaseURL string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type secretRow struct {
	ID             string         `db:"id"`
	OwnerID        string         `db:"owner_id"`
	Ciphertext     []byte         `db:"ciphertext"`
	MaxViews       int            `db:"max_views"`
	CurrentViews   int            `db:"current_views"`
	ExpiresAt      time.Time      `db:"expires_at"`
	CreatedAt      time.Time      `db:"created_at"`
	State          string         `db:"state"`
	PurgedAt       sql.NullTime   `db:"purged_at"`
	AttachmentRef  sql.NullString `db:"attachment_ref"`
	AttachmentName sql.NullString `db:"attachment_name"`
	AttachmentSize sql.NullInt64  `db:"attachment_size"`
}

const secretColumns = `id, owner_id, ciphertext, max_views, current_views, expires_at, created_at,
	state, purged_at, attachment_ref, attachment_name, attachment_size`

func (r secretRow) toModel() *models.Secret {
	s := &models.Secret{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Ciphertext:   r.Ciphertext,
		MaxViews:     r.MaxViews,
		CurrentViews: r.CurrentViews,
		ExpiresAt:    r.ExpiresAt.UTC(),
		CreatedAt:    r.CreatedAt.UTC(),
		State:        models.State(r.State),
	}
	if r.PurgedAt.Valid {
		t := r.PurgedAt.Time.UTC()
		s.PurgedAt = &t
	}
	if r.AttachmentName.Valid {
		s.Attachment = &models.Attachment{
			Ref:  r.AttachmentRef.String,
			Name: r.AttachmentName.String,
			Size: r.AttachmentSize.Int64,
		}
	}
	return s
}

func (p *PostgresStore) Put(ctx context.Context, secret *models.Secret) error {
	var ref, name sql.NullString
	var size sql.NullInt64
	if a := secret.Attachment; a != nil {
		ref = sql.NullString{String: a.Ref, Valid: a.Ref != ""}
		name = sql.NullString{String: a.Name, Valid: true}
		size = sql.NullInt64{Int64: a.Size, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
INSERT INTO secrets (id, owner_id, ciphertext, max_views, current_views, expires_at, created_at,
	state, attachment_ref, attachment_name, attachment_size)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		secret.ID,
		secret.OwnerID,
		secret.Ciphertext,
		secret.MaxViews,
		secret.CurrentViews,
		secret.ExpiresAt,
		secret.CreatedAt,
		string(secret.State),
		ref,
		name,
		size,
	)
	if err != nil {
		return pgError(ctx, fmt.Errorf("insert secret: %w", err))
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	var row secretRow
	err := p.db.GetContext(ctx, &row, `SELECT `+secretColumns+` FROM secrets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pgError(ctx, fmt.Errorf("get secret: %w", err))
	}
	return row.toModel(), nil
}

func (p *PostgresStore) AtomicConsumeView(ctx context.Context, id string, now time.Time) (ConsumeResult, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return ConsumeResult{}, pgError(ctx, fmt.Errorf("begin consume: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var row secretRow
	err = tx.GetContext(ctx, &row, `SELECT `+secretColumns+` FROM secrets WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ConsumeResult{}, ErrNotFound
	}
	if err != nil {
		return ConsumeResult{}, pgError(ctx, fmt.Errorf("lock secret: %w", err))
	}
	secret := row.toModel()

	switch secret.StateAt(now) {
	case models.StateExpired:
		if secret.State == models.StateActive {
			if _, err := tx.ExecContext(ctx,
				`UPDATE secrets SET state = 'expired', ciphertext = NULL WHERE id = $1`, id); err != nil {
				return ConsumeResult{}, pgError(ctx, fmt.Errorf("expire secret: %w", err))
			}
			if err := tx.Commit(); err != nil {
				return ConsumeResult{}, pgError(ctx, fmt.Errorf("commit expire: %w", err))
			}
			secret.State = models.StateExpired
			secret.Ciphertext = nil
		}
		return ConsumeResult{Secret: secret}, ErrExpired
	case models.StateExhausted:
		return ConsumeResult{Secret: secret}, ErrExhausted
	}

	secret.CurrentViews++
	exhausted := secret.CurrentViews >= secret.MaxViews

	if exhausted {
		_, err = tx.ExecContext(ctx,
			`UPDATE secrets SET current_views = $2, state = 'exhausted', ciphertext = NULL WHERE id = $1`,
			id, secret.CurrentViews)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE secrets SET current_views = $2 WHERE id = $1`,
			id, secret.CurrentViews)
	}
	if err != nil {
		return ConsumeResult{}, pgError(ctx, fmt.Errorf("consume view: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return ConsumeResult{}, pgError(ctx, fmt.Errorf("commit consume: %w", err))
	}

	return ConsumeResult{Secret: secret, Exhausted: exhausted}, nil
}

func (p *PostgresStore) Purge(ctx context.Context, id string, now time.Time) (string, error) {
	var ref sql.NullString
	err := p.db.GetContext(ctx, &ref, `
WITH old AS (
	SELECT id, attachment_ref FROM secrets WHERE id = $1 FOR UPDATE
)
UPDATE secrets s
SET ciphertext = NULL,
	attachment_ref = NULL,
	state = CASE
		WHEN s.state <> 'active' THEN s.state
		WHEN $2 >= s.expires_at THEN 'expired'
		ELSE 'exhausted'
	END,
	purged_at = COALESCE(s.purged_at, $2)
FROM old
WHERE s.id = old.id
RETURNING old.attachment_ref`, id, now)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", pgError(ctx, fmt.Errorf("purge secret: %w", err))
	}
	return ref.String, nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.Secret, error) {
	var rows []secretRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+secretColumns+` FROM secrets WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, pgError(ctx, fmt.Errorf("list secrets: %w", err))
	}
	return toModels(rows), nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM secrets WHERE id = $1`, id); err != nil {
		return pgError(ctx, fmt.Errorf("delete secret: %w", err))
	}
	return nil
}

func (p *PostgresStore) ListPurgeable(ctx context.Context, now time.Time, limit int) ([]*models.Secret, error) {
	var rows []secretRow
	err := p.db.SelectContext(ctx, &rows, `
SELECT `+secretColumns+`
FROM secrets
WHERE purged_at IS NULL
  AND (state <> 'active' OR expires_at <= $1)
ORDER BY expires_at
LIMIT $2`, now, nullLimit(limit))
	if err != nil {
		return nil, pgError(ctx, fmt.Errorf("list purgeable: %w", err))
	}
	return toModels(rows), nil
}

func (p *PostgresStore) DeleteTombstones(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := p.db.SelectContext(ctx, &ids, `
DELETE FROM secrets
WHERE id IN (
	SELECT id FROM secrets
	WHERE purged_at IS NOT NULL AND purged_at < $1
	LIMIT $2
)
RETURNING id`, before, nullLimit(limit))
	if err != nil {
		return nil, pgError(ctx, fmt.Errorf("delete tombstones: %w", err))
	}
	return ids, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func toModels(rows []secretRow) []*models.Secret {
	out := make([]*models.Secret, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

// nullLimit turns a non-positive limit into NULL, which postgres treats as
// LIMIT ALL.
func nullLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

// pgError maps driver errors onto store sentinels. Lock timeouts, statement
// cancellation and serialization failures are all transient.
func pgError(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return errors.Join(ErrConflict, err)
		case "23503":
			return errors.Join(ErrNotFound, err)
		case "57014", "55P03", "40001", "40P01":
			return errors.Join(ErrTimeout, err)
		}
	}
	return timeoutErr(ctx, err)
}
