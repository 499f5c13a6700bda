package domain

import "time"

// User is a registered account. PasswordHash never leaves the service.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Principal is the identity proven by a session token.
type Principal struct {
	UserID    string
	Email     string
	TokenID   string
	ExpiresAt time.Time
}

// Expiring reports whether the token carries an expiry; ExpiresAt is zero otherwise.
func (p Principal) Expiring() bool { return !p.ExpiresAt.IsZero() }
