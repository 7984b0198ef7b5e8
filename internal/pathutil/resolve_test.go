package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAbsolutePath_Symlink(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	target := filepath.Join(root, "cases")
	require.NoError(t, os.Mkdir(target, 0755))
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(target, link))

	got, err := ResolveAbsolutePath(link)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	got, err = ResolveAbsolutePath(filepath.Join(link, "new", "deeper"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(target, "new", "deeper"), got)
}

func TestResolveAbsolutePath_EmptyIsWorkingDir(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	got, err := ResolveAbsolutePath("")
	require.NoError(t, err)
	assert.Equal(t, wd, got)
}

func TestResolveAbsolutePath_Home(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ResolveAbsolutePath("~/definitely-not-here-shawl")
	require.NoError(t, err)
	resolvedHome, err := filepath.EvalSymlinks(home)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolvedHome, "definitely-not-here-shawl"), got)
}
