package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPin(t *testing.T) {
	hash, salt, err := HashPin("4321")
	require.NoError(t, err)

	pin, err := NewPin(hash, salt)
	require.NoError(t, err)

	assert.True(t, pin.Verify("4321"))
	assert.False(t, pin.Verify("1234"))
	assert.False(t, pin.Verify(""))
}

func TestHashPin_SaltsDiffer(t *testing.T) {
	h1, s1, err := HashPin("4321")
	require.NoError(t, err)
	h2, s2, err := HashPin("4321")
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.NotEqual(t, h1, h2)
}

func TestNewPin_Invalid(t *testing.T) {
	_, err := NewPin("", "")
	assert.ErrorIs(t, err, ErrNoPin)

	_, err = NewPin("not base64!", "c2FsdA==")
	assert.Error(t, err)

	_, err = NewPin("aGFzaA==", "%%%")
	assert.Error(t, err)
}
