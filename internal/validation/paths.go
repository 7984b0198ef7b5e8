// Package validation checks user and remote supplied names before they are
// joined into filesystem paths.
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxRunNameLength bounds run names accepted from clients.
const MaxRunNameLength = 200

// ValidateFilename validates a filename (not a full path) to prevent path traversal.
// Used for entry names listed by the remote host before they are joined
// under a local directory.
//
// Returns an error if the filename:
//   - Is empty
//   - Contains path separators (/ or \)
//   - Is ".." or "."
//   - Contains null bytes
func ValidateFilename(filename string) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if strings.ContainsRune(filename, 0) {
		return fmt.Errorf("filename contains null byte: %s", filename)
	}
	if strings.ContainsRune(filename, '/') || strings.ContainsRune(filename, '\\') {
		return fmt.Errorf("filename cannot contain path separators: %s", filename)
	}
	// Separators are rejected above, so only the literal names remain.
	// Names like "foo..bar.txt" stay legal.
	if filename == ".." || filename == "." {
		return fmt.Errorf("filename cannot be %q", filename)
	}
	return nil
}

// ValidatePathInDirectory validates that a path, when resolved, stays within baseDir.
//
// Example:
//
//	ValidatePathInDirectory("../../etc/passwd", "/tmp/uploads") // Error: escapes base dir
//	ValidatePathInDirectory("subdir/file.txt", "/tmp/uploads")   // OK: within base dir
func ValidatePathInDirectory(path string, baseDir string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if baseDir == "" {
		return fmt.Errorf("base directory cannot be empty")
	}

	cleanBase, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}

	resolved := filepath.Clean(path)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(cleanBase, resolved)
	}

	rel, err := filepath.Rel(cleanBase, resolved)
	if err != nil {
		return fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return fmt.Errorf("path escapes base directory: %s (base: %s)", path, baseDir)
	}
	return nil
}

// ValidateRunName checks a user-supplied display label.
func ValidateRunName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("run name cannot be empty")
	}
	if len(name) > MaxRunNameLength {
		return fmt.Errorf("run name longer than %d characters", MaxRunNameLength)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("run name contains null byte")
	}
	return nil
}

// ValidateLocalDir checks that dir exists and is a directory.
func ValidateLocalDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("local directory cannot be empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("local directory does not exist: %s", dir)
		}
		return fmt.Errorf("cannot access local directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	return nil
}

// SanitizeDirectoryName makes a run name safe for use as a directory name.
func SanitizeDirectoryName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		"\n", "_",
		"\r", "_",
		"\x00", "_",
	)
	sanitized := replacer.Replace(name)

	// Trim leading/trailing whitespace and dots
	sanitized = strings.TrimSpace(sanitized)
	sanitized = strings.Trim(sanitized, ".")

	if len(sanitized) > 100 {
		sanitized = sanitized[:100]
	}
	sanitized = strings.TrimSpace(sanitized)

	if sanitized == "" {
		sanitized = "unnamed_run"
	}
	return sanitized
}
