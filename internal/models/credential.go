package models

import (
	"time"
)

// Credential is the persisted OAuth state for the Strava API.
// ExpiresAt is the single source of truth for validity: callers must
// recompute remaining lifetime from it on every check, never cache a flag.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`

	// Client credentials stored alongside the tokens so a refresh exchange
	// never depends on process environment being configured the same way
	// as the initial authorization
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Remaining reports how long the access token stays valid from now.
// Negative values mean the token already expired.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}
