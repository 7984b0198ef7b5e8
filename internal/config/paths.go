package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shawl-hpc/shawl/internal/constants"
)

// ExpandHome replaces a leading "~" with the user's home directory.
// Other paths are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// DefaultTokenPath returns the token file written by 'shawl configure'.
// Returns "" if the config directory cannot be determined.
func DefaultTokenPath() string {
	dir, err := ConfigDirectory()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, constants.TokenFileName)
}
