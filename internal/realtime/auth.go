package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a connection carries no valid token.
var ErrUnauthenticated = errors.New("authentication required")

// Identity is the authenticated user behind a connection. It is established
// once at handshake time.
type Identity struct {
	ID       string
	Username string
	Admin    bool
}

// Authenticator verifies the credential on an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Claims is the token payload issued by the login service.
type Claims struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	IsAdmin  bool   `json:"isAdmin,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator returns an authenticator for secret. An empty secret is
// rejected so a misconfigured server cannot accept unsigned tokens.
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required but was empty")
	}
	return &JWTAuthenticator{secret: []byte(secret)}, nil
}

// Authenticate reads the token from the "token" query parameter or a bearer
// Authorization header.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := a.Verify(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Identity{
		ID:       claims.UserID,
		Username: claims.Username,
		Admin:    claims.IsAdmin || claims.Role == "admin",
	}, nil
}

// Verify parses and validates a signed token.
func (a *JWTAuthenticator) Verify(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
