package auth

import "time"

// User is an account that can sign in. Roles holds role names.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permissions. Permissions holds permission names, sorted.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a named capability.
type Permission struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshRecord is the single active refresh credential of a user.
// Hash is the keyed hash of the raw token; the raw token is never stored.
type RefreshRecord struct {
	UserID    string
	Hash      string
	ExpiresAt time.Time
}

// UserUpdate carries optional profile changes. Password holds the new hash
// once it reaches a store.
type UserUpdate struct {
	Username *string
	Password *string
}
