package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"coedit.dev/collab/protocol"
)

func TestTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator("test secret")

	token, err := auth.MintToken(42, protocol.PrincipalUser, 1*time.Hour)
	assert.Equal(t, err, nil)

	principal, err := auth.VerifyToken(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, principal.UserId, protocol.UserId(42))
	assert.Equal(t, principal.Kind, protocol.PrincipalUser)
}

func TestTokenServicePrincipal(t *testing.T) {
	auth := NewAuthenticator("test secret")

	token, err := auth.MintToken(7, protocol.PrincipalService, 1*time.Hour)
	assert.Equal(t, err, nil)

	principal, err := auth.VerifyToken(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, principal.Kind, protocol.PrincipalService)
}

func TestTokenWrongSecret(t *testing.T) {
	auth := NewAuthenticator("test secret")
	other := NewAuthenticator("other secret")

	token, err := auth.MintToken(42, protocol.PrincipalUser, 1*time.Hour)
	assert.Equal(t, err, nil)

	_, err = other.VerifyToken(token)
	assert.Equal(t, IsKind(err, protocol.ErrorKindUnauthorized), true)
}

func TestTokenExpired(t *testing.T) {
	auth := NewAuthenticator("test secret")

	token, err := auth.MintToken(42, protocol.PrincipalUser, -1*time.Minute)
	assert.Equal(t, err, nil)

	_, err = auth.VerifyToken(token)
	assert.Equal(t, IsKind(err, protocol.ErrorKindUnauthorized), true)
}

func TestTokenGarbage(t *testing.T) {
	auth := NewAuthenticator("test secret")

	_, err := auth.VerifyToken("not a token")
	assert.Equal(t, IsKind(err, protocol.ErrorKindUnauthorized), true)
	_, err = auth.VerifyToken("")
	assert.Equal(t, IsKind(err, protocol.ErrorKindUnauthorized), true)
}
