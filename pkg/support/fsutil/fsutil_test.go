package fsutil

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	home := usr.HomeDir
	got, err := ResolvePath("~/work/../states.npz")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "states.npz"), got)
	got, err = ResolvePath("a//b")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("a", "b"), got)
	_, err = ResolvePath("~user_that_does_not_exist_123/x")
	require.Error(t, err)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	exists, err := FileExists(dir)
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, exists)
}
