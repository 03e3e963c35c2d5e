package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"secshare.io/engine/internal/models"
)

var _ Ledger = (*PostgresLedger)(nil)

// PostgresLedger stores entries in access_logs. Seq is derived from insertion
// order with row_number(), so the table needs no per-secret counter.
type PostgresLedger struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

type accessLogRow struct {
	Seq        int64     `db:"seq"`
	SecretID   string    `db:"secret_id"`
	Address    string    `db:"ip_address"`
	ClientID   string    `db:"user_agent"`
	AccessedAt time.Time `db:"accessed_at"`
	Outcome    string    `db:"outcome"`
}

func (l *PostgresLedger) Append(ctx context.Context, entry models.AccessLogEntry) (models.AccessLogEntry, error) {
	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = l.now().UTC()
	}

	err := l.db.GetContext(ctx, &entry.Seq, `
WITH ins AS (
	INSERT INTO access_logs (secret_id, ip_address, user_agent, accessed_at, outcome)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id
)
SELECT (SELECT count(*) FROM access_logs a WHERE a.secret_id = $1 AND a.id < ins.id) + 1
FROM ins`,
		entry.SecretID,
		entry.Address,
		entry.ClientID,
		entry.AccessedAt,
		string(entry.Outcome),
	)
	if err != nil {
		return entry, pgError(ctx, fmt.Errorf("append access log: %w", err))
	}
	return entry, nil
}

func (l *PostgresLedger) ListBySecret(ctx context.Context, secretID string) ([]models.AccessLogEntry, error) {
	var rows []accessLogRow
	err := l.db.SelectContext(ctx, &rows, `
SELECT row_number() OVER (ORDER BY id) AS seq, secret_id, ip_address, user_agent, accessed_at, outcome
FROM access_logs
WHERE secret_id = $1
ORDER BY id`, secretID)
	if err != nil {
		return nil, pgError(ctx, fmt.Errorf("list access logs: %w", err))
	}

	out := make([]models.AccessLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.AccessLogEntry{
			SecretID:   r.SecretID,
			Seq:        r.Seq,
			Address:    r.Address,
			ClientID:   r.ClientID,
			AccessedAt: r.AccessedAt.UTC(),
			Outcome:    models.Outcome(r.Outcome),
		})
	}
	return out, nil
}

func (l *PostgresLedger) DeleteBySecret(ctx context.Context, secretID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM access_logs WHERE secret_id = $1`, secretID); err != nil {
		return pgError(ctx, fmt.Errorf("delete access logs: %w", err))
	}
	return nil
}
