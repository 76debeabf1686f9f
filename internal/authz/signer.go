package authz

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionSigner issues HS256 session JWTs compatible with the Authenticator.
// The identity provider signs real sessions; this signer exists for tests and
// local development, where it stands in for that provider.
type SessionSigner struct {
	secret []byte
	issuer string
}

func NewSessionSigner(secret, issuer string) *SessionSigner {
	return &SessionSigner{secret: []byte(secret), issuer: issuer}
}

// Sign issues a session JWT for subject `sub` with the given TTL.
func (s *SessionSigner) Sign(sub string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
