package security

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPasswordWithParams("secret1", testParams)
	require.NoError(t, err)

	ok, err := VerifyPassword("secret1", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("secret2", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPasswordRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "plain", "$bcrypt$x$y$z$w", "$argon2id$v=19$t=x$a$b"} {
		_, err := VerifyPassword("secret", []byte(input))
		assert.Error(t, err, input)
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := GenerateSessionToken("k", "s1", "u1", "d1", now, time.Hour)
	require.NoError(t, err)

	claims, err := ParseSessionToken(token, "k", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "d1", claims.DeviceID)
	assert.Equal(t, "s1", claims.ID)
}

func TestSessionTokenRejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := GenerateSessionToken("k", "s1", "u1", "", now, time.Hour)
	require.NoError(t, err)

	_, err = ParseSessionToken(token, "other", now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseSessionToken(token, "k", now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseSessionToken("garbage", "k", now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOpaqueTokensAreDistinct(t *testing.T) {
	assert.NotEqual(t, NewOpaqueToken(), NewOpaqueToken())
}

func TestNewOTP(t *testing.T) {
	code, err := NewOTP(6)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)
}
