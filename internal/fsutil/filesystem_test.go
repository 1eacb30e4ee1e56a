package fsutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFileSystem_ReadWrite(t *testing.T) {
	m := NewMemoryFileSystem()

	require.NoError(t, m.WriteFile("/out/a.bin", []byte{1, 2, 3}, 0o644))
	data, err := m.ReadFile("/out/a.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	// Returned data must be a copy.
	data[0] = 9
	again, _ := m.ReadFile("/out/a.bin")
	assert.Equal(t, byte(1), again[0])

	_, err = m.ReadFile("/missing")
	assert.Error(t, err)
}

func TestMemoryFileSystem_RenameRemove(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("a", []byte("x"), 0o644))
	require.NoError(t, m.Rename("a", "b"))

	assert.False(t, m.Exists("a"))
	assert.True(t, m.Exists("b"))
	assert.Error(t, m.Rename("a", "c"))

	require.NoError(t, m.Remove("b"))
	assert.Error(t, m.Remove("b"))
}

func TestMemoryFileSystem_MkdirAll(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.MkdirAll("/data/runs/2024", 0o755))
	assert.True(t, m.Exists("/data/runs/2024"))
	assert.True(t, m.Exists("/data/runs"))
	assert.True(t, m.Exists("/data"))
}

func TestWriteFileAtomic_Memory(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, WriteFileAtomic(m, "/out/session.msgpack", []byte("payload"), 0o644))

	assert.Equal(t, []string{"/out/session.msgpack"}, m.Files())
	assert.True(t, m.Exists("/out"))
}

func TestWriteFileAtomic_WriteFailureLeavesNothing(t *testing.T) {
	m := NewMemoryFileSystem()
	m.FailWrites = true

	err := WriteFileAtomic(m, "/out/session.msgpack", []byte("payload"), 0o644)
	require.Error(t, err)
	assert.Empty(t, m.Files())
}

func TestWriteFileAtomic_OS(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "bg.raw")

	var fsys FileSystem = OSFileSystem{}
	require.NoError(t, WriteFileAtomic(fsys, target, []byte{7, 7}, 0o644))

	data, err := fsys.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, data)
	assert.False(t, fsys.Exists(target+".tmp"))
}

func TestMemoryFileSystem_FilesWithSuffix(t *testing.T) {
	m := NewMemoryFileSystem()
	_ = m.WriteFile("a.msgpack", nil, 0o644)
	_ = m.WriteFile("b.png", nil, 0o644)
	_ = m.WriteFile("c.msgpack", nil, 0o644)

	assert.Equal(t, []string{"a.msgpack", "c.msgpack"}, m.FilesWithSuffix(".msgpack"))
}
