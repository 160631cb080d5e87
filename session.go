package runova

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session identifies the signed-in user for the lifetime of the client.
// The token is issued by the backend's auth service; this client only
// decodes its claims (subject, expiry) to fail fast before network calls.
// Signature verification is the backend's job on every request.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// NewSession decodes a backend-issued token into a Session.
func NewSession(token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed token: %v", ErrUnauthenticated, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	s := &Session{Token: token, UserID: sub}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s, nil
}

// StaticSession builds a session without a token, for tests and trusted
// in-process use.
func StaticSession(userID string) *Session {
	return &Session{UserID: userID}
}

// Valid reports whether the session can back remote operations.
func (s *Session) Valid() bool {
	if s == nil || s.UserID == "" {
		return false
	}
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		return false
	}
	return true
}
