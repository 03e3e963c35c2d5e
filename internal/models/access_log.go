package models

import "time"

// Outcome of a reveal attempt. OutcomeTransient marks an attempt that failed
// before its outcome was known; the view may have been spent.
type Outcome string

const (
	OutcomeRevealed  Outcome = "revealed"
	OutcomeGone      Outcome = "gone"
	OutcomeCorrupt   Outcome = "corrupt"
	OutcomeTransient Outcome = "transient"
)

// AccessLogEntry records one reveal attempt. Seq is 1-based and scoped to
// the secret.
type AccessLogEntry struct {
	SecretID   string    `json:"secret_id"`
	Seq        int64     `json:"seq"`
	Address    string    `json:"ip_address"`
	ClientID   string    `json:"user_agent"`
	AccessedAt time.Time `json:"accessed_at"`
	Outcome    Outcome   `json:"outcome"`
}
