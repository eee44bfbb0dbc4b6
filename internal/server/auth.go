package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adred-codev/ws_channels/internal/shared/types"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("credential missing")
	ErrInvalidCredential = errors.New("credential invalid")
)

// Claims are the token claims the handshake consumes.
type Claims struct {
	UserID *int64 `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller. The zero value is anonymous.
type Identity struct {
	UserID *int64
	Role   string
}

// Authenticator verifies bearer credentials on the handshake.
//
// A request without a credential is anonymous in permissive mode and
// rejected in strict mode. A credential that fails verification is
// rejected in both.
type Authenticator struct {
	mode   types.AuthMode
	secret []byte
}

func NewAuthenticator(mode types.AuthMode, secret string) *Authenticator {
	return &Authenticator{mode: mode, secret: []byte(secret)}
}

// Generate signs an HS256 token for userID and role.
func (a *Authenticator) Generate(userID int64, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: &userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   fmt.Sprint(userID),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify validates tokenString and returns its claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidCredential)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrInvalidCredential)
	}
	return claims, nil
}

// Authenticate resolves the caller of a handshake request.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token := extractToken(r)
	if token == "" {
		if a.mode == types.AuthModeStrict {
			return Identity{}, ErrMissingCredential
		}
		return Identity{}, nil
	}

	claims, err := a.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// extractToken reads the bearer token from the Authorization header, then
// the token query parameter.
func extractToken(r *http.Request) string {
	const bearerPrefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return r.URL.Query().Get("token")
}
