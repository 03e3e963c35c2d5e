package store

import (
	"context"
	"errors"
	"net"
	"time"

	"secshare.io/engine/internal/models"
)

var (
	ErrNotFound  = errors.New("secret not found")
	ErrExpired   = errors.New("secret has expired")
	ErrExhausted = errors.New("secret has reached maximum views")
	ErrTimeout   = errors.New("store operation timed out")
	ErrConflict  = errors.New("secret already exists")
)

// ConsumeResult is the outcome of AtomicConsumeView. Secret is a snapshot
// taken inside the transition; on success it still carries the ciphertext even
// when the stored copy has just been wiped.
type ConsumeResult struct {
	Secret    *models.Secret
	Exhausted bool
}

// SecretStore is the durable record of secrets.
//
// AtomicConsumeView is the only operation that changes CurrentViews. It must
// serialize concurrent callers for the same id and must not hold any lock
// shared between ids.
type SecretStore interface {
	Put(ctx context.Context, secret *models.Secret) error
	Get(ctx context.Context, id string) (*models.Secret, error)

	// AtomicConsumeView returns ErrNotFound for unknown ids. For a terminal,
	// expired (now >= ExpiresAt) or exhausted secret it returns the snapshot
	// together with ErrExpired or ErrExhausted; an active secret found expired
	// is moved to StateExpired and its ciphertext wiped in the same step.
	AtomicConsumeView(ctx context.Context, id string, now time.Time) (ConsumeResult, error)

	// Purge wipes ciphertext and clears the attachment ref, leaving a
	// tombstone. It returns the attachment ref that was cleared, if any.
	Purge(ctx context.Context, id string, now time.Time) (string, error)

	ListByOwner(ctx context.Context, ownerID string) ([]*models.Secret, error)
	Delete(ctx context.Context, id string) error

	// ListPurgeable returns non-purged secrets whose state at now is terminal.
	ListPurgeable(ctx context.Context, now time.Time, limit int) ([]*models.Secret, error)
	// DeleteTombstones removes purged records purged before the cutoff and
	// returns their ids.
	DeleteTombstones(ctx context.Context, before time.Time, limit int) ([]string, error)

	Close() error
}

// Ledger is the append-only access log. DeleteBySecret exists only for the
// cascade that follows deletion of the secret itself.
type Ledger interface {
	Append(ctx context.Context, entry models.AccessLogEntry) (models.AccessLogEntry, error)
	ListBySecret(ctx context.Context, secretID string) ([]models.AccessLogEntry, error)
	DeleteBySecret(ctx context.Context, secretID string) error
}

// BlobStore holds encrypted attachment bytes. Size limits are the caller's
// concern.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// ErrBlobNotFound is returned by BlobStore.Get for unknown refs.
var ErrBlobNotFound = errors.New("blob not found")

// timeoutErr tags deadline, cancellation and network timeouts with ErrTimeout.
func timeoutErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return errors.Join(ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return errors.Join(ErrTimeout, err)
	}
	return err
}
