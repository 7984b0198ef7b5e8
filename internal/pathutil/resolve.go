// Package pathutil resolves user-supplied local paths the same way for the
// HTTP API and the CLI.
package pathutil

import (
	"os"
	"path/filepath"

	"github.com/shawl-hpc/shawl/internal/config"
)

// ResolveAbsolutePath expands ~, makes path absolute and resolves symlinks
// in the part of it that exists. Components that do not exist yet are
// appended unchanged. An empty path resolves to the working directory.
func ResolveAbsolutePath(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}

	absPath, err := filepath.Abs(config.ExpandHome(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved, nil
	}

	current := absPath
	var missing []string
	for {
		if _, err := os.Stat(current); err == nil {
			resolved, err := filepath.EvalSymlinks(current)
			if err != nil {
				resolved = current
			}
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return absPath, nil
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}
