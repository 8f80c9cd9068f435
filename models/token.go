// models/token.go
package models

import "time"

// TokenRecord holds the current OAuth access/refresh token pair for the CRM.
// Exactly one active row exists (ID is pinned); a refresh atomically replaces
// it. Token values must never appear in logs.
type TokenRecord struct {
	ID           int       `json:"-" gorm:"primaryKey"` // always 1
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshedAt  time.Time `json:"refreshed_at"` // token-health reporting
	UpdatedAt    time.Time `json:"-"`
}

// Expired reports whether the access token is past (or within margin of) expiry.
func (t *TokenRecord) Expired(margin time.Duration) bool {
	return time.Now().Add(margin).After(t.ExpiresAt)
}
