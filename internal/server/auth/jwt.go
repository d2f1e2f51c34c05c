package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/busybridge/internal/common"
)

// ChannelClaims binds a webhook channel token to one calendar. The provider
// echoes the token back verbatim on every notification, so a valid signature
// plus the calendar claim authenticates the sender without per-channel
// secrets.
type ChannelClaims struct {
	jwt.RegisteredClaims
	CalendarID int64 `json:"cal"`
}

// GenerateChannelToken signs an HS256 token for the calendar's push channel.
// Validity should outlast the channel TTL so late notifications still verify.
func GenerateChannelToken(calendarID int64, secretKey []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ChannelClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		CalendarID: calendarID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// CalendarIDFromToken verifies the signature and expiry and returns the
// calendar the token was minted for.
func CalendarIDFromToken(tokenString string, secretKey []byte) (int64, error) {
	claims := &ChannelClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, err
	}

	if !token.Valid {
		return 0, common.ErrInvalidToken
	}

	return claims.CalendarID, nil
}
