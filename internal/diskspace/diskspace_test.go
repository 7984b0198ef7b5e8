package diskspace

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAvailableSpace(t *testing.T) {
	dir := t.TempDir()

	t.Run("SmallFile", func(t *testing.T) {
		assert.NoError(t, CheckAvailableSpace(dir, 1024, 1.1))
	})

	t.Run("NothingRequired", func(t *testing.T) {
		assert.NoError(t, CheckAvailableSpace(dir, 0, 1.1))
	})

	t.Run("MissingPathUsesAncestor", func(t *testing.T) {
		assert.NoError(t, CheckAvailableSpace(filepath.Join(dir, "a", "b", "c"), 1024, 1.1))
		assert.Equal(t, GetAvailableSpace(dir), GetAvailableSpace(filepath.Join(dir, "a", "b")))
	})

	t.Run("SafetyMargin", func(t *testing.T) {
		available := GetAvailableSpace(dir)
		if available == 0 {
			t.Skip("Could not determine available space")
		}
		err := CheckAvailableSpace(dir, available/2+1, 2.0)
		require.Error(t, err)
		assert.True(t, IsInsufficientSpaceError(err))
		assert.True(t, IsInsufficientSpaceError(fmt.Errorf("pull: %w", err)))

		var spaceErr *InsufficientSpaceError
		require.ErrorAs(t, err, &spaceErr)
		assert.Equal(t, dir, spaceErr.Path)
		assert.Contains(t, err.Error(), "insufficient disk space")
	})
}

func TestIsInsufficientSpaceError_Other(t *testing.T) {
	assert.False(t, IsInsufficientSpaceError(fmt.Errorf("boom")))
	assert.False(t, IsInsufficientSpaceError(nil))
}
