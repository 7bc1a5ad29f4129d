package jwtutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	token, err := SignToken("secret", "org-1", "user-1", time.Minute)
	require.NoError(t, err)

	claims, err := ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, "user-1", claims.UserID)

	_, err = ParseToken("other", token)
	assert.Error(t, err)
}

func TestParseTokenRequiresIdentity(t *testing.T) {
	token, err := SignToken("secret", "", "user-1", time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("secret", token)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestParseTokenExpired(t *testing.T) {
	token, err := SignToken("secret", "org", "user", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("secret", token)
	assert.Error(t, err)
}
