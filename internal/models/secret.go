package models

import "time"

// State is the lifecycle state of a secret. Exhausted and Expired are terminal.
type State string

const (
	StateActive    State = "active"
	StateExhausted State = "exhausted"
	StateExpired   State = "expired"
)

func (s State) Terminal() bool {
	return s == StateExhausted || s == StateExpired
}

type Secret struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"owner_id"`
	Ciphertext   []byte      `json:"-"`
	MaxViews     int         `json:"max_views"`
	CurrentViews int         `json:"current_views"`
	ExpiresAt    time.Time   `json:"expires_at"`
	CreatedAt    time.Time   `json:"created_at"`
	State        State       `json:"state"`
	PurgedAt     *time.Time  `json:"purged_at,omitempty"`
	Attachment   *Attachment `json:"attachment,omitempty"`
}

// Attachment is the metadata of an encrypted blob owned by a single secret.
// Ref is empty once the blob has been purged.
type Attachment struct {
	Ref  string `json:"-"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// StateAt reports the effective state at now. A stored terminal state always
// wins; reaching expires_at exactly counts as expired.
func (s *Secret) StateAt(now time.Time) State {
	if s.State.Terminal() {
		return s.State
	}
	if !now.Before(s.ExpiresAt) {
		return StateExpired
	}
	if s.CurrentViews >= s.MaxViews {
		return StateExhausted
	}
	return StateActive
}

// Purged reports whether the content of the secret has been destroyed.
func (s *Secret) Purged() bool {
	return s.PurgedAt != nil
}

func (s *Secret) AttachmentRef() string {
	if s.Attachment == nil {
		return ""
	}
	return s.Attachment.Ref
}

func (s *Secret) Clone() *Secret {
	c := *s
	if s.Ciphertext != nil {
		c.Ciphertext = append([]byte(nil), s.Ciphertext...)
	}
	if s.PurgedAt != nil {
		t := *s.PurgedAt
		c.PurgedAt = &t
	}
	if s.Attachment != nil {
		a := *s.Attachment
		c.Attachment = &a
	}
	return &c
}

func (s *Secret) Summary(now time.Time) SecretSummary {
	sum := SecretSummary{
		ID:           s.ID,
		MaxViews:     s.MaxViews,
		CurrentViews: s.CurrentViews,
		ExpiresAt:    s.ExpiresAt,
		CreatedAt:    s.CreatedAt,
		State:        s.StateAt(now),
	}
	if s.Attachment != nil {
		sum.HasAttachment = true
		sum.AttachmentName = s.Attachment.Name
		sum.AttachmentSize = s.Attachment.Size
	}
	return sum
}

// SecretSummary is the owner-facing view of a secret. It never carries content.
type SecretSummary struct {
	ID             string    `json:"id"`
	MaxViews       int       `json:"max_views"`
	CurrentViews   int       `json:"current_views"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	HasAttachment  bool      `json:"has_attachment"`
	AttachmentName string    `json:"attachment_name,omitempty"`
	AttachmentSize int64     `json:"attachment_size,omitempty"`
	State          State     `json:"state"`
}
