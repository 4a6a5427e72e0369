package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassword(t *testing.T) {
	hash, err := HashPassword("Secur3!Passw0rd")
	require.NoError(t, err)

	assert.True(t, ComparePassword(hash, "Secur3!Passw0rd"))
	assert.False(t, ComparePassword(hash, "wrong"))
	assert.False(t, ComparePassword("not-a-hash", "Secur3!Passw0rd"))

	assert.NotPanics(t, func() { CompareWithDummy("anything") })
}
