package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomHexLength(t *testing.T) {
	s, err := RandomHex(16)
	require.NoError(t, err)
	require.Len(t, s, 32)

	other, err := RandomHex(16)
	require.NoError(t, err)
	require.NotEqual(t, s, other)
}

func TestTokenMatches(t *testing.T) {
	hash := HashTokenWithSalt("secret", "alice")
	require.True(t, TokenMatches("secret", "alice", hash))
	require.False(t, TokenMatches("secret", "bob", hash))
	require.False(t, TokenMatches("wrong", "alice", hash))
}
