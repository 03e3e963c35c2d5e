// Package engine owns the lifecycle of a secret: creation, bounded reveal,
// expiry, destruction and the access audit trail.
//
// The view counter is only ever changed by store.SecretStore.AtomicConsumeView.
// Everything after that transition has committed runs on a context detached
// from the caller, so a client that disconnects mid-reveal burns a view
// instead of leaving the secret half destroyed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"secshare.io/engine/internal/billing"
	"secshare.io/engine/internal/crypto"
	"secshare.io/engine/internal/metrics"
	"secshare.io/engine/internal/models"
	"secshare.io/engine/internal/store"
)

// Cipher seals secret content at rest. keyContext selects the derived key.
type Cipher interface {
	Encrypt(plaintext []byte, keyContext string) ([]byte, error)
	Decrypt(ciphertext []byte, keyContext string) ([]byte, error)
}

// Policy holds the limits consulted on every request. Zero maxima disable
// the corresponding check.
type Policy struct {
	DefaultMaxViews    int
	MaxViews           int
	DefaultTTL         time.Duration
	MaxTTL             time.Duration
	MaxContentBytes    int
	StoreTimeout       time.Duration
	TombstoneRetention time.Duration
	SweepBatch         int
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultMaxViews:    1,
		MaxViews:           100,
		DefaultTTL:         24 * time.Hour,
		MaxTTL:             30 * 24 * time.Hour,
		MaxContentBytes:    64 << 10,
		StoreTimeout:       2 * time.Second,
		TombstoneRetention: 7 * 24 * time.Hour,
		SweepBatch:         500,
	}
}

type Deps struct {
	Store   store.SecretStore
	Ledger  store.Ledger
	Blobs   store.BlobStore
	Cipher  Cipher
	Billing billing.Checker
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

type Engine struct {
	store   store.SecretStore
	ledger  store.Ledger
	blobs   store.BlobStore
	cipher  Cipher
	billing billing.Checker
	log     logrus.FieldLogger
	now     func() time.Time
	leases  *leases

	policy atomic.Pointer[Policy]
}

func New(deps Deps, policy Policy) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: secret store is required")
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	case deps.Blobs == nil:
		return nil, errors.New("engine: blob store is required")
	case deps.Cipher == nil:
		return nil, errors.New("engine: cipher is required")
	case deps.Billing == nil:
		return nil, errors.New("engine: billing checker is required")
	}

	e := &Engine{
		store:   deps.Store,
		ledger:  deps.Ledger,
		blobs:   deps.Blobs,
		cipher:  deps.Cipher,
		billing: deps.Billing,
		log:     deps.Logger,
		now:     deps.Now,
		leases:  newLeases(),
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.SetPolicy(policy)
	return e, nil
}

func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy swaps the limits used by subsequent requests.
func (e *Engine) SetPolicy(p Policy) {
	e.policy.Store(&p)
}

type AttachmentInput struct {
	Name string
	Data []byte
}

type CreateRequest struct {
	OwnerID    string
	Content    string
	MaxViews   int
	TTL        time.Duration
	Attachment *AttachmentInput
}

func (e *Engine) validate(req CreateRequest, p Policy) error {
	switch {
	case req.OwnerID == "":
		return invalid("owner is required")
	case req.MaxViews <= 0:
		return invalid("max_views must be positive")
	case req.TTL <= 0:
		return invalid("ttl must be positive")
	case p.MaxViews > 0 && req.MaxViews > p.MaxViews:
		return invalid("max_views may not exceed %d", p.MaxViews)
	case p.MaxTTL > 0 && req.TTL > p.MaxTTL:
		return invalid("ttl may not exceed %s", p.MaxTTL)
	case req.Content == "" && req.Attachment == nil:
		return invalid("content is required")
	case p.MaxContentBytes > 0 && len(req.Content) > p.MaxContentBytes:
		return invalid("content may not exceed %d bytes", p.MaxContentBytes)
	case !utf8.ValidString(req.Content):
		return invalid("content must be valid UTF-8")
	}
	if a := req.Attachment; a != nil {
		if a.Name == "" {
			return invalid("attachment name is required")
		}
		if len(a.Data) == 0 {
			return invalid("attachment is empty")
		}
	}
	return nil
}

// Create encrypts and stores a new secret. Nothing is persisted when
// validation or the capability check fails.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (models.SecretSummary, error) {
	p := e.Policy()
	if err := e.validate(req, p); err != nil {
		metrics.RecordCreation("invalid")
		return models.SecretSummary{}, err
	}

	allowed, err := e.billing.CanCreateSecret(ctx, req.OwnerID)
	if err != nil {
		return models.SecretSummary{}, fmt.Errorf("check quota: %w: %w", ErrTransient, err)
	}
	if !allowed {
		metrics.RecordCreation("quota")
		return models.SecretSummary{}, ErrQuotaExceeded
	}
	if req.Attachment != nil {
		limit, err := e.billing.AttachmentLimit(ctx, req.OwnerID)
		if err != nil {
			return models.SecretSummary{}, fmt.Errorf("check attachment limit: %w: %w", ErrTransient, err)
		}
		if int64(len(req.Attachment.Data)) > limit {
			metrics.RecordCreation("quota")
			return models.SecretSummary{}, ErrAttachmentTooLarge
		}
	}

	now := e.now().UTC()
	secret := &models.Secret{
		ID:        crypto.GenerateID(),
		OwnerID:   req.OwnerID,
		MaxViews:  req.MaxViews,
		ExpiresAt: now.Add(req.TTL),
		CreatedAt: now,
		State:     models.StateActive,
	}

	secret.Ciphertext, err = e.cipher.Encrypt([]byte(req.Content), secret.ID)
	if err != nil {
		return models.SecretSummary{}, fmt.Errorf("encrypt content: %w", err)
	}

	if a := req.Attachment; a != nil {
		sealed, err := e.cipher.Encrypt(a.Data, crypto.AttachmentContext(secret.ID))
		if err != nil {
			return models.SecretSummary{}, fmt.Errorf("encrypt attachment: %w", err)
		}
		ref, err := e.blobs.Put(ctx, sealed)
		if err != nil {
			return models.SecretSummary{}, storeErr("store attachment", err)
		}
		secret.Attachment = &models.Attachment{Ref: ref, Name: a.Name, Size: int64(len(a.Data))}
	}

	if err := e.store.Put(ctx, secret); err != nil {
		if ref := secret.AttachmentRef(); ref != "" {
			if derr := e.blobs.Delete(context.WithoutCancel(ctx), ref); derr != nil {
				e.log.WithError(derr).WithField("secret_id", secret.ID).Warn("Failed to remove attachment of unsaved secret")
			}
		}
		return models.SecretSummary{}, storeErr("store secret", err)
	}

	if err := e.billing.RecordCreation(context.WithoutCancel(ctx), req.OwnerID); err != nil {
		e.log.WithError(err).WithField("owner_id", req.OwnerID).Warn("Failed to record usage")
	}

	metrics.RecordCreation("ok")
	e.log.WithFields(logrus.Fields{
		"secret_id":  secret.ID,
		"owner_id":   req.OwnerID,
		"max_views":  secret.MaxViews,
		"expires_at": secret.ExpiresAt,
	}).Info("Secret created")

	return secret.Summary(now), nil
}

// List returns the owner's secrets, newest first. Destroyed secrets that
// are still within their retention window are included with their state.
func (e *Engine) List(ctx context.Context, ownerID string) ([]models.SecretSummary, error) {
	if ownerID == "" {
		return nil, invalid("owner is required")
	}

	secrets, err := e.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, storeErr("list secrets", err)
	}

	now := e.now()
	out := make([]models.SecretSummary, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, s.Summary(now))
	}
	return out, nil
}

// Delete destroys a secret and its access log. Deleting an unknown id
// succeeds.
func (e *Engine) Delete(ctx context.Context, ownerID, id string) error {
	secret, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("load secret", err)
	}
	if secret.OwnerID != ownerID {
		return ErrForbidden
	}

	if err := e.purge(ctx, secret, "deleted"); err != nil {
		return err
	}
	if err := e.ledger.DeleteBySecret(ctx, id); err != nil {
		return storeErr("delete access log", err)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return storeErr("delete secret", err)
	}

	e.log.WithFields(logrus.Fields{"secret_id": id, "owner_id": ownerID}).Info("Secret deleted")
	return nil
}

// GetLogs returns the access log of a secret in the order attempts were made.
func (e *Engine) GetLogs(ctx context.Context, ownerID, id string) ([]models.AccessLogEntry, error) {
	secret, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("load secret", err)
	}
	if secret.OwnerID != ownerID {
		return nil, ErrForbidden
	}

	entries, err := e.ledger.ListBySecret(ctx, id)
	if err != nil {
		return nil, storeErr("list access log", err)
	}
	if entries == nil {
		entries = []models.AccessLogEntry{}
	}
	return entries, nil
}

// purge destroys the attachment blob first, then wipes the record. A failure
// in between leaves a terminal record that still points at a deleted blob,
// which the next purge attempt completes. It waits for reveals of the same
// secret that are still reading the attachment, so callers must not hold a
// shared lease on it.
func (e *Engine) purge(ctx context.Context, secret *models.Secret, reason string) error {
	unlock := e.leases.Exclusive(secret.ID)
	defer unlock()

	if ref := secret.AttachmentRef(); ref != "" {
		if err := e.blobs.Delete(ctx, ref); err != nil {
			return storeErr("delete attachment", err)
		}
	}
	if secret.Purged() {
		return nil
	}

	ref, err := e.store.Purge(ctx, secret.ID, e.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("purge secret", err)
	}
	if ref != "" && ref != secret.AttachmentRef() {
		if err := e.blobs.Delete(ctx, ref); err != nil {
			e.log.WithError(err).WithField("secret_id", secret.ID).Warn("Failed to delete attachment after purge")
		}
	}

	metrics.RecordPurge(reason)
	e.log.WithFields(logrus.Fields{"secret_id": secret.ID, "reason": reason}).Debug("Secret purged")
	return nil
}
