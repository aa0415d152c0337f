// Package domain contains core domain types for the studyhub tutor chat.
package domain

import (
	"time"
)

// User is a known identity that can own conversations.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsAnonymous reports whether the user was minted by the anonymous device identity.
func (u *User) IsAnonymous() bool {
	return len(u.UserID) > 5 && u.UserID[:5] == "anon_"
}
