// Package domain contains core domain types for the chat application.
package domain

import (
	"time"
)

// User represents a registered account.
// PasswordHash never leaves the server; it is excluded from JSON.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
