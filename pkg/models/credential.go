package models

import (
	"time"
)

// Credential is a stored secret granting a tool access to an external
// app on behalf of a user or team.
//
// Invariant: at most one credential per (user, app) has
// IsUserCurrentProfile set, and at most one per (team, app) has
// IsTeamDefaultProfile set, at all times.
type Credential struct {
	ID     string `json:"id"`
	AppID  string `json:"app_id"`
	UserID string `json:"user_id,omitempty"`
	TeamID string `json:"team_id,omitempty"`

	// Key is opaque token material. It is never logged.
	Key string `json:"-"`

	Invalid              bool   `json:"invalid"`
	InvalidReason        string `json:"invalid_reason,omitempty"`
	IsUserCurrentProfile bool   `json:"is_user_current_profile"`
	IsTeamDefaultProfile bool   `json:"is_team_default_profile"`

	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Expired reports whether the credential's token expiry is in the past.
func (c *Credential) Expired(now time.Time) bool {
	return c.TokenExpiresAt != nil && c.TokenExpiresAt.Before(now)
}

// OwnedBy reports whether the credential belongs to the given user or team.
func (c *Credential) OwnedBy(userID, teamID string) bool {
	if userID != "" && c.UserID == userID {
		return true
	}
	if teamID != "" && c.TeamID == teamID {
		return true
	}
	return false
}
