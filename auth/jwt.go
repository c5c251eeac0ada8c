// Package auth issues and verifies the bearer tokens that gate both
// the REST endpoints and the websocket handshake.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no credential was supplied.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrVerification is returned when verification itself broke, as
	// opposed to the token being bad.
	ErrVerification = errors.New("token verification error")
)

// Websocket close codes per handshake failure class.
const (
	CloseMissingToken      = 4001
	CloseInvalidToken      = 4002
	CloseVerificationError = 4003
)

// CloseCode maps a verification failure to its websocket close code.
func CloseCode(err error) int {
	switch {
	case errors.Is(err, ErrMissingToken):
		return CloseMissingToken
	case errors.Is(err, ErrInvalidToken):
		return CloseInvalidToken
	default:
		return CloseVerificationError
	}
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens whose subject is the
// username.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed access token for the user.
func (m *Manager) Issue(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify checks the token and returns the identity it carries. A
// missing token, a bad or expired token, and a broken verification
// each map to a distinct error so the handshake can close with the
// right code.
func (m *Manager) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrVerification
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, ErrVerification) {
			return "", ErrVerification
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return "", ErrInvalidToken
	}
	return username, nil
}
