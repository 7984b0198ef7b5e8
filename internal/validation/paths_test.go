package validation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilename(t *testing.T) {
	testCases := []struct {
		filename    string
		expectValid bool
	}{
		{"file.txt", true},
		{"my-file.txt", true},
		{"file.v1.2.3.txt", true},
		{".hidden", true},
		{"my file.txt", true},
		{"foo..bar.txt", true},
		{"", false},
		{"..", false},
		{".", false},
		{"../etc", false},
		{"a/b", false},
		{`a\b`, false},
		{"nul\x00byte", false},
	}
	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			err := ValidateFilename(tc.filename)
			if tc.expectValid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidatePathInDirectory(t *testing.T) {
	base := t.TempDir()

	assert.NoError(t, ValidatePathInDirectory("sub/file.txt", base))
	assert.NoError(t, ValidatePathInDirectory(filepath.Join(base, "a", "b"), base))
	assert.Error(t, ValidatePathInDirectory("../../etc/passwd", base))
	assert.Error(t, ValidatePathInDirectory("/etc/passwd", base))
	assert.Error(t, ValidatePathInDirectory("", base))
	assert.Error(t, ValidatePathInDirectory("x", ""))
}

func TestValidateRunName(t *testing.T) {
	assert.NoError(t, ValidateRunName("wing sweep 3"))
	assert.Error(t, ValidateRunName("   "))
	assert.Error(t, ValidateRunName(strings.Repeat("x", MaxRunNameLength+1)))
}

func TestValidateLocalDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	assert.NoError(t, ValidateLocalDir(dir))
	assert.Error(t, ValidateLocalDir(file))
	assert.Error(t, ValidateLocalDir(filepath.Join(dir, "missing")))
	assert.Error(t, ValidateLocalDir(""))
}

func TestSanitizeDirectoryName(t *testing.T) {
	tests := map[string]string{
		"simple":          "simple",
		"a/b\\c:d":        "a_b_c_d",
		"  ..dots..  ":    "dots",
		"":                "unnamed_run",
		"...":             "unnamed_run",
		"what?<is>|this*": "what__is__this_",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeDirectoryName(in), "input %q", in)
	}
	assert.Len(t, SanitizeDirectoryName(strings.Repeat("n", 300)), 100)
}
