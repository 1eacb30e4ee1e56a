package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	require.NoError(t, os.MkdirAll(safeDir, 0o755))
	require.NoError(t, os.MkdirAll(unsafeDir, 0o755))
	require.NoError(t, os.Symlink(unsafeDir, filepath.Join(safeDir, "evil-symlink")))

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"file in directory", filepath.Join(safeDir, "a.msgpack"), false},
		{"nested new file", filepath.Join(safeDir, "sub", "a.msgpack"), false},
		{"dot dot escape", filepath.Join(safeDir, "..", "a.msgpack"), true},
		{"absolute elsewhere", "/etc/passwd", true},
		{"through symlink", filepath.Join(safeDir, "evil-symlink", "a.msgpack"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"fish01":          "fish01",
		"fish 01 (left)":  "fish_01_left",
		"../../etc":       "etc",
		"":                "unknown",
		"___":             "unknown",
		"larva-3.trial_2": "larva-3.trial_2",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestArtifactPath(t *testing.T) {
	dir := t.TempDir()

	p, err := ArtifactPath(dir, "/videos/fish 01.avi", ".msgpack")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "fish_01.msgpack"), p)

	p, err = ArtifactPath(dir, "../../up.avi", "_bg.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "up_bg.png"), p)
}
