package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adred-codev/ws_channels/internal/shared/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_GenerateAndVerify(t *testing.T) {
	auth := NewAuthenticator(types.AuthModeStrict, testSecret)

	token, err := auth.Generate(12, "manager", time.Minute)
	require.NoError(t, err)

	claims, err := auth.Verify(token)
	require.NoError(t, err)
	require.NotNil(t, claims.UserID)
	assert.Equal(t, int64(12), *claims.UserID)
	assert.Equal(t, "manager", claims.Role)
	assert.Equal(t, "12", claims.Subject)
}

func TestAuthenticator_VerifyRejects(t *testing.T) {
	auth := NewAuthenticator(types.AuthModeStrict, testSecret)

	expired, err := auth.Generate(1, "", -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewAuthenticator(types.AuthModeStrict, "other").Generate(1, "", time.Minute)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Role: "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":   expired,
		"wrong key": otherKey,
		"alg none":  unsigned,
		"garbage":   "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestAuthenticator_VerifyWithoutSecret(t *testing.T) {
	token, err := NewAuthenticator(types.AuthModeStrict, testSecret).Generate(1, "", time.Minute)
	require.NoError(t, err)

	_, err = NewAuthenticator(types.AuthModePermissive, "").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticator_Authenticate(t *testing.T) {
	strict := NewAuthenticator(types.AuthModeStrict, testSecret)
	permissive := NewAuthenticator(types.AuthModePermissive, testSecret)

	token, err := strict.Generate(5, "staff", time.Minute)
	require.NoError(t, err)

	t.Run("missing credential", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)

		_, err := strict.Authenticate(r)
		assert.ErrorIs(t, err, ErrMissingCredential)

		id, err := permissive.Authenticate(r)
		require.NoError(t, err)
		assert.Nil(t, id.UserID)
		assert.Empty(t, id.Role)
	})

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		id, err := strict.Authenticate(r)
		require.NoError(t, err)
		require.NotNil(t, id.UserID)
		assert.Equal(t, int64(5), *id.UserID)
		assert.Equal(t, "staff", id.Role)
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token="+token, nil)

		id, err := strict.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "staff", id.Role)
	})

	t.Run("header wins over query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=bogus", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		_, err := strict.Authenticate(r)
		assert.NoError(t, err)
	})
}
