package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionTokenVerify(t *testing.T) {
	secret := []byte("test-secret")
	orgId := NewId()
	userId := NewId()

	token, err := MintSessionToken(secret, orgId, userId, 1*time.Minute)
	assert.Equal(t, err, nil)

	verifier := NewJwtSessionVerifier(secret)
	claims, err := verifier.Verify(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.OrgId, orgId)
	assert.Equal(t, claims.UserId, userId)
}

func TestSessionTokenWrongSecret(t *testing.T) {
	token, err := MintSessionToken([]byte("secret-a"), NewId(), NewId(), 1*time.Minute)
	assert.Equal(t, err, nil)

	verifier := NewJwtSessionVerifier([]byte("secret-b"))
	_, err = verifier.Verify(token)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, ErrAuthInvalid), true)
}

func TestSessionTokenExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := MintSessionToken(secret, NewId(), NewId(), -1*time.Minute)
	assert.Equal(t, err, nil)

	verifier := NewJwtSessionVerifier(secret)
	_, err = verifier.Verify(token)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, ErrAuthInvalid), true)
}

func TestSessionTokenMalformed(t *testing.T) {
	verifier := NewJwtSessionVerifier([]byte("test-secret"))

	_, err := verifier.Verify("")
	assert.NotEqual(t, err, nil)

	_, err = verifier.Verify("not.a.jwt")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, ErrAuthInvalid), true)
}
