package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first.Value())

	// Second load returns the same credential.
	second, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.Value(), second.Value())

	info, err := os.Stat(filepath.Join(dir, "token.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRotateReplacesToken(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	rotated, err := Rotate(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first.Value(), rotated.Value())

	// The file now holds the rotated value.
	loaded, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, rotated.Value(), loaded.Value())
}

func TestCorruptTokenFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token.json"), []byte("not json"), 0o600))

	tok, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value())
}

func TestVerify(t *testing.T) {
	tok, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	assert.True(t, tok.Verify(tok.Value()))
	assert.False(t, tok.Verify("wrong"))
	assert.False(t, tok.Verify(""))

	var nilTok *Token
	assert.False(t, nilTok.Verify("anything"))
}

func TestHint(t *testing.T) {
	tok, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	hint := tok.Hint()
	assert.Len(t, hint, 4)
	assert.Equal(t, tok.Value()[len(tok.Value())-4:], hint)
}
