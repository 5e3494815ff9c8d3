package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestStore_Keychain(t *testing.T) {
	keyring.MockInit()
	s := NewStore(t.TempDir())

	_, err := s.Get()
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, s.Save(" secret \n"))
	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	_, err = os.Stat(filepath.Join(s.dir, TokenFileName))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Delete())
	_, err = s.Get()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStore_FileFallback(t *testing.T) {
	keyring.MockInitWithError(errors.New("no keychain"))
	s := NewStore(t.TempDir())

	require.NoError(t, s.Save("secret"))
	b, err := os.ReadFile(filepath.Join(s.dir, TokenFileName))
	require.NoError(t, err)
	assert.Equal(t, "secret", string(b))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	require.NoError(t, s.Delete())
	_, err = s.Get()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStore_MigratesFile(t *testing.T) {
	keyring.MockInit()
	s := NewStore(t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, TokenFileName), []byte("legacy"), fileMode))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "legacy", got)

	_, err = os.Stat(filepath.Join(s.dir, TokenFileName))
	assert.True(t, os.IsNotExist(err))

	got, err = keyring.Get(keyringService, keyringUser)
	require.NoError(t, err)
	assert.Equal(t, "legacy", got)
}

func TestStore_Resolve(t *testing.T) {
	keyring.MockInit()
	s := NewStore(t.TempDir())

	got, err := s.Resolve("")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Resolve("explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", got)

	require.NoError(t, s.Save("saved"))
	got, err = s.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "saved", got)
}

func TestStore_EmptyToken(t *testing.T) {
	keyring.MockInit()
	assert.Error(t, NewStore(t.TempDir()).Save("  "))
}
