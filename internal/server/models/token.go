package models

import "time"

// OAuthToken holds the sealed refresh token for one Google account of a user.
// The token is encrypted at rest with cryptox.Seal; the plaintext never
// touches the database.
type OAuthToken struct {
	ID                 int64
	UserID             int64
	AccountEmail       string
	SealedRefreshToken []byte
	Scope              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
