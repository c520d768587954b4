package prehash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHash_MatchesBcrypt(t *testing.T) {
	for _, pw := range []string{"", "hunter2", "pässwörd", "0123456789012345678901234567890123456789012345678901234567890123456789ab"} {
		ref, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		require.NoError(t, err)

		got, err := Hash(pw, string(ref[:29]))
		require.NoError(t, err)
		assert.Equal(t, string(ref), got, pw)
	}
}

func TestHash_VerifiesWithBcrypt(t *testing.T) {
	prefix, err := NewPrefix(bcrypt.MinCost)
	require.NoError(t, err)
	assert.Len(t, prefix, 29)

	h, err := Hash("secret", prefix)
	require.NoError(t, err)
	assert.Len(t, h, 60)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("secret")))
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("Secret")))

	again, err := Hash("secret", prefix)
	require.NoError(t, err)
	assert.Equal(t, h, again, "same prefix, same hash")
}

func TestNewPrefix_Random(t *testing.T) {
	a, err := NewPrefix(5)
	require.NoError(t, err)
	b, err := NewPrefix(5)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "$2b$05$", a[:7])

	_, err = NewPrefix(2)
	assert.Error(t, err)
}

func TestHash_BadPrefix(t *testing.T) {
	for _, p := range []string{
		"",
		"$2a$04$short",
		"$2a$xx$abcdefghijklmnopqrstuv",
		"$2a$99$abcdefghijklmnopqrstuv",
		"x2a$04$abcdefghijklmnopqrstuv",
		"$2a$04$abcdefghijklmnopqrst!!",
	} {
		_, err := Hash("pw", p)
		assert.Error(t, err, p)
	}

	_, err := Hash(string(make([]byte, 73)), "$2a$04$abcdefghijklmnopqrstuu")
	assert.ErrorIs(t, err, bcrypt.ErrPasswordTooLong)
}
