package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		secret Secret
		want   State
	}{
		{"active", Secret{MaxViews: 2, CurrentViews: 1, ExpiresAt: now.Add(time.Minute)}, StateActive},
		{"exhausted", Secret{MaxViews: 2, CurrentViews: 2, ExpiresAt: now.Add(time.Minute)}, StateExhausted},
		{"expired", Secret{MaxViews: 2, ExpiresAt: now.Add(-time.Second)}, StateExpired},
		{"boundary counts as expired", Secret{MaxViews: 2, ExpiresAt: now}, StateExpired},
		{"expiry wins over exhaustion", Secret{MaxViews: 1, CurrentViews: 1, ExpiresAt: now}, StateExpired},
		{"stored terminal state wins", Secret{MaxViews: 5, State: StateExhausted, ExpiresAt: now.Add(time.Hour)}, StateExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.secret.StateAt(now))
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	purged := time.Now()
	s := &Secret{
		ID:         "abc",
		Ciphertext: []byte{1, 2, 3},
		PurgedAt:   &purged,
		Attachment: &Attachment{Ref: "r", Name: "a.txt", Size: 3},
	}

	c := s.Clone()
	c.Ciphertext[0] = 9
	c.Attachment.Ref = ""

	assert.Equal(t, byte(1), s.Ciphertext[0])
	assert.Equal(t, "r", s.Attachment.Ref)
}

func TestSummaryOmitsContent(t *testing.T) {
	now := time.Now()
	s := &Secret{
		ID:         "abc",
		Ciphertext: []byte("ct"),
		MaxViews:   3,
		ExpiresAt:  now.Add(time.Hour),
		CreatedAt:  now,
		Attachment: &Attachment{Name: "key.pem", Size: 42},
	}

	sum := s.Summary(now)
	assert.True(t, sum.HasAttachment)
	assert.Equal(t, "key.pem", sum.AttachmentName)
	assert.Equal(t, StateActive, sum.State)
}
