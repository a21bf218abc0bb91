package model

import "time"

// Event type names used on the bus and in fan-out envelopes.
const (
	EventTokensRefreshed = "tokens.refreshed"
	EventLoggedOut       = "auth.logged_out"
)

// TokensRefreshedEvent is published whenever a new credential pair is stored.
// It carries the pair for in-process subscribers only; sinks publish the masked form.
type TokensRefreshedEvent struct {
	Pair      CredentialPair `json:"-"`
	Reason    string         `json:"reason"` // "login", "refresh", "set"
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LoggedOutEvent is published when the stored credentials are cleared.
type LoggedOutEvent struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope wraps an event for publication to external sinks.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Service    string    `json:"service"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}
