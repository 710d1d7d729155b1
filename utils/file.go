package utils

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

// ExistFile returns true if a file or directory exists at the path
func ExistFile(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// GetFileSize returns size of a regular file
func GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	if !info.Mode().IsRegular() {
		return 0, xerrors.Errorf("%q is not a regular file", path)
	}
	return info.Size(), nil
}

// RemoveFile removes a file, a missing file is not an error
func RemoveFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MakeTempFileName returns a unique file name with the given prefix
func MakeTempFileName(prefix string) string {
	return prefix + xid.New().String() + ".tmp"
}

// MoveFile renames src to dest. If they are on different devices, src is copied to a temp file
// next to dest first, then renamed, so dest never holds partial content.
func MoveFile(src string, dest string, tempPrefix string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return xerrors.Errorf("failed to rename %q to %q: %w", src, dest, err)
	}

	tempDest := filepath.Join(filepath.Dir(dest), MakeTempFileName(tempPrefix))
	err = copyFile(src, tempDest)
	if err != nil {
		_ = RemoveFile(tempDest)
		return xerrors.Errorf("failed to copy %q to %q: %w", src, tempDest, err)
	}

	err = os.Rename(tempDest, dest)
	if err != nil {
		_ = RemoveFile(tempDest)
		return xerrors.Errorf("failed to rename %q to %q: %w", tempDest, dest, err)
	}

	return RemoveFile(src)
}

func copyFile(src string, dest string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	_, err = io.Copy(destFile, srcFile)
	if err != nil {
		destFile.Close()
		return err
	}

	err = destFile.Sync()
	if err != nil {
		destFile.Close()
		return err
	}

	return destFile.Close()
}

// IsSameOrParentPath returns true if parent is path itself or one of its ancestors.
// Both paths are made absolute and cleaned before comparison.
func IsSameOrParentPath(parent string, path string) (bool, error) {
	absParent, err := filepath.Abs(parent)
	if err != nil {
		return false, xerrors.Errorf("failed to get absolute path of %q: %w", parent, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, xerrors.Errorf("failed to get absolute path of %q: %w", path, err)
	}

	rel, err := filepath.Rel(absParent, absPath)
	if err != nil {
		// different volumes
		return false, nil
	}

	if rel == "." {
		return true, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}
