package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-characters!!"

func TestGenerateAndValidate(t *testing.T) {
	tm := NewTokenManager(testSecret, "stakeandscale", time.Hour)

	token, err := tm.Generate("forge", []string{ScopeSpend})
	require.NoError(t, err)

	claims, err := tm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "forge", claims.Service)
	assert.True(t, claims.HasScope(ScopeSpend))
	assert.False(t, claims.HasScope(ScopeGrant))
}

func TestValidate_WrongSecret(t *testing.T) {
	tm := NewTokenManager(testSecret, "stakeandscale", time.Hour)
	other := NewTokenManager("another-secret-also-32-characters!!!", "stakeandscale", time.Hour)

	token, err := tm.Generate("forge", []string{ScopeSpend})
	require.NoError(t, err)

	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestValidate_WrongIssuer(t *testing.T) {
	tm := NewTokenManager(testSecret, "stakeandscale", time.Hour)
	other := NewTokenManager(testSecret, "someone-else", time.Hour)

	token, err := other.Generate("forge", []string{ScopeSpend})
	require.NoError(t, err)

	_, err = tm.Validate(token)
	assert.Error(t, err)
}

func TestValidate_Expired(t *testing.T) {
	tm := NewTokenManager(testSecret, "stakeandscale", -time.Minute)

	token, err := tm.Generate("forge", []string{ScopeSpend})
	require.NoError(t, err)

	_, err = tm.Validate(token)
	assert.Error(t, err)
}

func TestValidate_Garbage(t *testing.T) {
	tm := NewTokenManager(testSecret, "stakeandscale", time.Hour)

	_, err := tm.Validate("not-a-token")
	assert.Error(t, err)
}
