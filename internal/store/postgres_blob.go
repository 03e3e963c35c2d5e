package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var _ BlobStore = (*PostgresBlobStore)(nil)

type PostgresBlobStore struct {
	db *sqlx.DB
}

func NewPostgresBlobStore(db *sqlx.DB) *PostgresBlobStore {
	return &PostgresBlobStore{db: db}
}

func (b *PostgresBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := uuid.NewString()
	if _, err := b.db.ExecContext(ctx, `INSERT INTO attachments (ref, data) VALUES ($1, $2)`, ref, data); err != nil {
		return "", pgError(ctx, fmt.Errorf("insert attachment: %w", err))
	}
	return ref, nil
}

func (b *PostgresBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := b.db.GetContext(ctx, &data, `SELECT data FROM attachments WHERE ref = $1`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, pgError(ctx, fmt.Errorf("get attachment: %w", err))
	}
	return data, nil
}

func (b *PostgresBlobStore) Delete(ctx context.Context, ref string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM attachments WHERE ref = $1`, ref); err != nil {
		return pgError(ctx, fmt.Errorf("delete attachment: %w", err))
	}
	return nil
}
