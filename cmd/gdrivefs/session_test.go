package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTokenFileProducesOneElementArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth_tokens.json")

	tok := &tokenResponse{AccessToken: "abc", RefreshToken: "def", ExpiresIn: 3600}
	require.NoError(t, writeTokenFile(path, tok))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entries []storedTokenEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "abc", entries[0].Token.AccessToken)
	assert.Equal(t, "def", entries[0].Token.RefreshToken)
	assert.Equal(t, []string{authScopes}, entries[0].Scopes)
}

func TestListCmdReturnsSessionDirsAlphabetically(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "zebra"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "alpha"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(""), 0600))

	sessions, err := listCmd(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zebra"}, sessions)
}

func TestListCmdOnMissingDirReturnsEmpty(t *testing.T) {
	sessions, err := listCmd(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLogoutRemovesTokenFile(t *testing.T) {
	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "s1")
	require.NoError(t, os.MkdirAll(sessionDir, 0700))
	path := tokenPath(dir, "s1")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0600))

	require.NoError(t, logoutCmd(dir, "s1"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLogoutOnMissingTokenFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, logoutCmd(dir, "never-logged-in"))
}
