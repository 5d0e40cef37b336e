package domain

import (
	"strings"
	"time"
)

// User is a registered account. IsAdmin is intentionally absent: admin
// status is derived server-side on each request from the operator email
// allowlist and never cached in a token or row.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizeEmail lowers and trims an email for case-insensitive lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
