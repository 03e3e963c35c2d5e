package engine

import (
	"errors"
	"fmt"

	"secshare.io/engine/internal/crypto"
	"secshare.io/engine/internal/store"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotFound         = errors.New("secret not found")
	ErrGone             = errors.New("secret is no longer available")
	ErrForbidden        = errors.New("secret belongs to another owner")
	ErrQuotaExceeded    = errors.New("plan quota exceeded")
	ErrTransient        = errors.New("temporarily unavailable, retry later")
	ErrCorruptData      = crypto.ErrCorruptData
)

// ErrAttachmentTooLarge is a quota error: the ceiling comes from the plan.
var ErrAttachmentTooLarge = fmt.Errorf("attachment exceeds plan limit: %w", ErrQuotaExceeded)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// storeErr translates store failures. Timeouts become ErrTransient so the
// caller can retry at the edge; nothing is retried here.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrTimeout):
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
