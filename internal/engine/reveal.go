package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"secshare.io/engine/internal/crypto"
	"secshare.io/engine/internal/metrics"
	"secshare.io/engine/internal/models"
	"secshare.io/engine/internal/store"
)

// Requester identifies who attempted a reveal, for the access log.
type Requester struct {
	Address  string
	ClientID string
}

// RevealedAttachment carries the decrypted attachment. Missing is set when
// the secret had an attachment whose blob could not be read; Data is nil then.
type RevealedAttachment struct {
	Name    string
	Data    []byte
	Missing bool
}

type Revealed struct {
	ID           string
	Content      string
	CurrentViews int
	MaxViews     int
	ExpiresAt    time.Time
	Attachment   *RevealedAttachment
}

// Reveal consumes one view and returns the decrypted content.
//
// Unknown ids fail with ErrNotFound and leave no trace. Every other attempt
// is written to the access log. An expired or exhausted secret fails with
// ErrGone, even while its record still exists. The view that exhausts a
// secret destroys its content before Reveal returns, after every earlier
// view has finished reading the attachment.
func (e *Engine) Reveal(ctx context.Context, id string, who Requester) (*Revealed, error) {
	if id == "" {
		metrics.RecordReveal("not_found")
		return nil, ErrNotFound
	}

	now := e.now()
	release := e.leases.Shared(id)
	defer release()

	res, err := e.consume(ctx, id, now)

	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.RecordReveal("not_found")
		return nil, ErrNotFound
	case errors.Is(err, store.ErrExpired), errors.Is(err, store.ErrExhausted):
		release()
		return nil, e.gone(context.WithoutCancel(ctx), res.Secret, who, now)
	case err != nil:
		release()
		e.transient(context.WithoutCancel(ctx), id, who, now)
		return nil, storeErr("consume view", err)
	}

	// The view is committed. Finish regardless of what the caller does now.
	ctx = context.WithoutCancel(ctx)
	secret := res.Secret

	out, err := e.open(ctx, secret)
	release()
	if err != nil {
		return nil, e.corrupt(ctx, secret, who, now, err)
	}

	if res.Exhausted {
		if err := e.purge(ctx, secret, "exhausted"); err != nil {
			// stored ciphertext is already wiped; the sweep finishes the rest
			e.log.WithError(err).WithField("secret_id", secret.ID).Error("Failed to purge exhausted secret")
		}
	}

	e.record(ctx, secret.ID, who, now, models.OutcomeRevealed)
	metrics.RecordReveal(string(models.OutcomeRevealed))
	e.log.WithFields(logrus.Fields{
		"secret_id": secret.ID,
		"views":     secret.CurrentViews,
		"max_views": secret.MaxViews,
		"exhausted": res.Exhausted,
	}).Info("Secret revealed")

	return out, nil
}

// open decrypts the content and attachment of a consumed snapshot. The
// caller holds a shared lease on the secret.
func (e *Engine) open(ctx context.Context, secret *models.Secret) (*Revealed, error) {
	content, err := e.cipher.Decrypt(secret.Ciphertext, secret.ID)
	if err != nil {
		return nil, err
	}

	out := &Revealed{
		ID:           secret.ID,
		Content:      string(content),
		CurrentViews: secret.CurrentViews,
		MaxViews:     secret.MaxViews,
		ExpiresAt:    secret.ExpiresAt,
	}

	ref := secret.AttachmentRef()
	if ref == "" {
		return out, nil
	}
	out.Attachment = &RevealedAttachment{Name: secret.Attachment.Name}

	sealed, err := e.blobs.Get(ctx, ref)
	if err != nil {
		// serve the text and tell the recipient the attachment is gone
		e.log.WithError(err).WithField("secret_id", secret.ID).Error("Failed to read attachment")
		out.Attachment.Missing = true
		return out, nil
	}
	data, err := e.cipher.Decrypt(sealed, crypto.AttachmentContext(secret.ID))
	if err != nil {
		return nil, err
	}
	out.Attachment.Data = data
	return out, nil
}

func (e *Engine) consume(ctx context.Context, id string, now time.Time) (store.ConsumeResult, error) {
	if timeout := e.Policy().StoreTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.store.AtomicConsumeView(ctx, id, now)
}

func (e *Engine) gone(ctx context.Context, secret *models.Secret, who Requester, now time.Time) error {
	metrics.RecordReveal(string(models.OutcomeGone))
	if secret == nil {
		return ErrGone
	}

	e.record(ctx, secret.ID, who, now, models.OutcomeGone)

	// Exhausted secrets are purged by the reveal that exhausted them, which
	// may still be reading the attachment.
	if !secret.Purged() && secret.StateAt(now) == models.StateExpired {
		if err := e.purge(ctx, secret, string(models.StateExpired)); err != nil {
			e.log.WithError(err).WithField("secret_id", secret.ID).Warn("Failed to purge terminal secret")
		}
	}
	return ErrGone
}

// transient logs an attempt whose consume failed without a definite
// outcome. The view may or may not have been spent, so the attempt is
// recorded whenever the id is known to exist.
func (e *Engine) transient(ctx context.Context, id string, who Requester, now time.Time) {
	metrics.RecordReveal(string(models.OutcomeTransient))

	timeout := e.Policy().StoreTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := e.store.Get(ctx, id); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.WithError(err).WithField("secret_id", id).Warn("Could not confirm secret after failed consume")
		}
		return
	}
	e.record(ctx, id, who, now, models.OutcomeTransient)
}

// corrupt handles content that fails authentication. The secret cannot be
// served again, so it is destroyed.
func (e *Engine) corrupt(ctx context.Context, secret *models.Secret, who Requester, now time.Time, cause error) error {
	e.log.WithError(cause).WithField("secret_id", secret.ID).Error("Secret failed integrity check")

	if err := e.purge(ctx, secret, "corrupt"); err != nil {
		e.log.WithError(err).WithField("secret_id", secret.ID).Error("Failed to purge corrupt secret")
	}
	e.record(ctx, secret.ID, who, now, models.OutcomeCorrupt)
	metrics.RecordReveal(string(models.OutcomeCorrupt))
	return ErrCorruptData
}

// record appends to the access log. A failed append does not undo or hide a
// reveal that has already been committed.
func (e *Engine) record(ctx context.Context, id string, who Requester, now time.Time, outcome models.Outcome) {
	_, err := e.ledger.Append(ctx, models.AccessLogEntry{
		SecretID:   id,
		Address:    who.Address,
		ClientID:   who.ClientID,
		AccessedAt: now.UTC(),
		Outcome:    outcome,
	})
	if err != nil {
		metrics.RecordLedgerFailure()
		e.log.WithError(err).WithFields(logrus.Fields{
			"secret_id": id,
			"outcome":   outcome,
		}).Error("Failed to append access log entry")
	}
}
