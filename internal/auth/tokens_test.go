package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager(t *testing.T) {
	m, err := NewTokenManager("s3cret", "aegisshield", time.Hour)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		token, err := m.GenerateToken("ops-7", "portal-1", RoleAgent)
		require.NoError(t, err)

		claims, err := m.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "ops-7", claims.UserID)
		assert.Equal(t, "portal-1", claims.ClientID)
		assert.True(t, claims.HasRole(RoleAgent))
		assert.False(t, claims.HasRole(RoleAdmin))
		assert.True(t, claims.HasAnyRole(RoleAdmin, RoleAgent))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewTokenManager("other", "aegisshield", time.Hour)
		require.NoError(t, err)
		token, err := other.GenerateToken("ops-7", "")
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewTokenManager("s3cret", "someone-else", time.Hour)
		require.NoError(t, err)
		token, err := other.GenerateToken("ops-7", "")
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := m.GenerateToken("ops-7", "")
		require.NoError(t, err)

		later := *m
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err = later.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewTokenManager_RequiresSecret(t *testing.T) {
	_, err := NewTokenManager("", "x", time.Hour)
	assert.Error(t, err)
}
