package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "calexplorer session signing key"

// SessionClaims are carried by the signed session cookie.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email,omitempty"`
	AccessToken string `json:"access_token"`
}

// SessionCookie is the primary strategy: it reads the signed session
// cookie bound to the request.
type SessionCookie struct {
	names []string
	key   []byte
}

// DeriveSigningKey stretches the configured session secret into the
// HS256 key used for session cookies.
func DeriveSigningKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("session secret is empty")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// NewSessionCookie builds the strategy. cookieNames are tried in order.
func NewSessionCookie(secret string, cookieNames []string) (*SessionCookie, error) {
	key, err := DeriveSigningKey(secret)
	if err != nil {
		return nil, err
	}
	if len(cookieNames) == 0 {
		return nil, errors.New("no session cookie names configured")
	}
	return &SessionCookie{names: cookieNames, key: key}, nil
}

// Name implements [Strategy].
func (s *SessionCookie) Name() string { return "session_cookie" }

// TryResolve implements [Strategy].
func (s *SessionCookie) TryResolve(_ context.Context, r *http.Request) (*Identity, error) {
	for _, name := range s.names {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			continue
		}
		return s.parse(c.Value)
	}
	return nil, ErrNoCredential
}

func (s *SessionCookie) parse(raw string) (*Identity, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("session token invalid")
	}

	id := &Identity{
		UserID:      claims.Subject,
		Email:       claims.Email,
		AccessToken: claims.AccessToken,
		Source:      s.Name(),
	}
	if claims.ExpiresAt != nil {
		id.Expiry = claims.ExpiresAt.Time
	}
	return id, nil
}

// Sign issues a session cookie value for claims. In production the
// cookie comes from the sign-in flow outside this service; the
// session-token subcommand uses Sign to mint one for development.
func (s *SessionCookie) Sign(claims SessionClaims) (string, error) {
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}
