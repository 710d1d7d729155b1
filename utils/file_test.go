package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExistFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")

	exist, err := ExistFile(path)
	require.NoError(t, err)
	assert.False(t, exist)

	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	exist, err = ExistFile(path)
	require.NoError(t, err)
	assert.True(t, exist)

	exist, err = ExistFile(dir)
	require.NoError(t, err)
	assert.True(t, exist)
}

func TestGetFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))

	size, err := GetFileSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = GetFileSize(dir)
	assert.Error(t, err)

	_, err = GetFileSize(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestRemoveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	assert.NoError(t, RemoveFile(path))
	assert.NoFileExists(t, path)

	// missing file is fine
	assert.NoError(t, RemoveFile(path))
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "sub", "dest")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("moved"), 0o644))

	require.NoError(t, MoveFile(src, dest, ".test-"))
	assert.NoFileExists(t, src)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "moved", string(data))

	assert.Error(t, MoveFile(src, dest, ".test-"))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.WriteFile(src, []byte("copied"), 0o644))

	require.NoError(t, copyFile(src, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "copied", string(data))

	// never overwrites
	assert.Error(t, copyFile(src, dest))
}

func TestMakeTempFileName(t *testing.T) {
	first := MakeTempFileName(".prefix-")
	second := MakeTempFileName(".prefix-")

	assert.True(t, strings.HasPrefix(first, ".prefix-"))
	assert.NotEqual(t, first, second)
}

func TestIsSameOrParentPath(t *testing.T) {
	dir := t.TempDir()

	testCases := []struct {
		parent string
		path   string
		expect bool
	}{
		{dir, dir, true},
		{dir, dir + "/", true},
		{dir, filepath.Join(dir, "cache"), true},
		{filepath.Dir(dir), filepath.Join(dir, "cache"), true},
		{filepath.Join(dir, "cache", ".tmp"), filepath.Join(dir, "cache"), false},
		{filepath.Join(dir, "temp"), filepath.Join(dir, "cache"), false},
		{filepath.Join(dir, "cache"), filepath.Join(dir, "cache2"), false},
		{filepath.Join(dir, "cache", ".."), filepath.Join(dir, "cache"), true},
	}

	for _, testCase := range testCases {
		result, err := IsSameOrParentPath(testCase.parent, testCase.path)
		require.NoError(t, err)
		assert.Equal(t, testCase.expect, result, "%s vs %s", testCase.parent, testCase.path)
	}
}
