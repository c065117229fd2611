// Package identity issues and verifies the signed identity tokens that bind a
// relay connection or HTTP request to a user.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie that carries the identity token.
const CookieName = "token"

var (
	// ErrMissingToken is returned when a request carries no identity token.
	ErrMissingToken = errors.New("no identity token")
	// ErrInvalidToken is returned when the token is malformed or its signature does not verify.
	ErrInvalidToken = errors.New("invalid identity token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("identity token has expired")
)

// Identity is the stable user identifier and display name carried by a token.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Verifier decodes an identity token.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims are the JWT claims of an identity token.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies HS256 identity tokens.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTManager creates a JWTManager. An empty secret is rejected.
func NewJWTManager(secret string, ttl time.Duration) (*JWTManager, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTManager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the given identity.
func (m *JWTManager) Issue(id Identity) (string, error) {
	now := m.now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if m.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the token and returns the identity it carries.
func (m *JWTManager) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// TokenFromRequest extracts the identity token cookie from an HTTP request,
// including the handshake request of a websocket upgrade.
func TokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
