// Package fsops provides filesystem operations with safety guarantees.
//
// Every mutation metahybrid makes outside of the kernel mount table goes
// through the FS interface: rule files, granary silos, runtime state and the
// magic mount staging tree. The package also carries the path validation
// used to keep module-supplied relative paths inside their module root.
//
// Key features:
//   - Atomic writes using an exclusive, randomly named temp file + rename
//   - Path validation for relative paths and identifiers
//   - Raw (byte-string) directory entry names for non-UTF-8 safety
//   - Testable via the FS interface
package fsops

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrFilesystem classifies permission, naming and missing-path failures.
var ErrFilesystem = errors.New("filesystem error")

// FS provides an abstraction for filesystem operations.
type FS interface {
	// Lstat returns file info without following symlinks.
	Lstat(path string) (os.FileInfo, error)

	// Stat returns file info following symlinks.
	Stat(path string) (os.FileInfo, error)

	// ReadDir lists a directory with raw entry names.
	ReadDir(path string) ([]Entry, error)

	// Readlink reads the target of a symlink.
	Readlink(path string) (string, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm os.FileMode) error

	// Remove removes a file or empty directory.
	Remove(path string) error

	// RemoveAll removes a path and all its contents.
	RemoveAll(path string) error

	// Rename renames oldpath to newpath.
	Rename(oldpath, newpath string) error

	// Copy copies a file, symlink or directory from src to dst.
	Copy(src, dst string) error

	// AtomicWrite writes data to path atomically using temp file + rename.
	AtomicWrite(path string, data []byte, perm os.FileMode) error

	// ReadFile reads the entire contents of a file.
	ReadFile(path string) ([]byte, error)

	// Exists checks if a path exists.
	Exists(path string) (bool, error)

	// ValidateRelPath validates a relative path for safety.
	ValidateRelPath(relPath string) error

	// ValidateIdentifier validates an identifier for safety.
	ValidateIdentifier(id string) error
}

// RealFS implements FS using actual OS operations.
type RealFS struct{}

// NewRealFS creates a new RealFS.
func NewRealFS() *RealFS {
	return &RealFS{}
}

func (fs *RealFS) Lstat(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

func (fs *RealFS) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// ReadDir lists path in name order with raw entry names.
func (fs *RealFS) ReadDir(path string) ([]Entry, error) {
	return ReadDirRaw(path)
}

func (fs *RealFS) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (fs *RealFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (fs *RealFS) Remove(path string) error {
	return os.Remove(path)
}

func (fs *RealFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (fs *RealFS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Copy copies a file, symlink or directory from src to dst.
// Symlinks are recreated rather than followed so a copied module tree or
// silo keeps its link structure.
func (fs *RealFS) Copy(src, dst string) error {
	srcInfo, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	dstInfo, err := os.Lstat(dst)
	if err == nil {
		if srcInfo.IsDir() != dstInfo.IsDir() || dstInfo.Mode()&os.ModeSymlink != 0 {
			if err := os.RemoveAll(dst); err != nil {
				return fmt.Errorf("failed to remove existing destination: %w", err)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat destination: %w", err)
	}

	switch {
	case srcInfo.IsDir():
		return fs.copyDir(src, dst, srcInfo.Mode())
	case srcInfo.Mode()&os.ModeSymlink != 0:
		return fs.copySymlink(src, dst)
	default:
		return fs.copyFile(src, dst, srcInfo.Mode())
	}
}

func (fs *RealFS) copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read symlink: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.Symlink(target, dst)
}

func (fs *RealFS) copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer func() {
		_ = srcFile.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer func() {
		_ = dstFile.Close()
	}()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}

	return dstFile.Sync()
}

func (fs *RealFS) copyDir(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(dst, mode.Perm()); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read source directory: %w", err)
	}

	for _, entry := range entries {
		if err := fs.Copy(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}

// AtomicWrite writes data to path atomically using temp file + rename.
// The temp file is created with O_EXCL under a random name in the target
// directory, so concurrent writers never collide or predict each other.
func (fs *RealFS) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".mhm-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	tmpFile = nil
	return nil
}

func (fs *RealFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Exists checks if a path exists. A dangling symlink exists.
func (fs *RealFS) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ValidateRelPath validates a relative path for safety.
func (fs *RealFS) ValidateRelPath(relPath string) error {
	return ValidateRelPath(relPath)
}

// ValidateIdentifier validates a module or silo identifier for safety.
func (fs *RealFS) ValidateIdentifier(id string) error {
	return ValidateIdentifier(id)
}

// ValidateRelPath rejects anything that could escape the root it is joined
// to: empty paths, absolute paths, ".." components and NUL bytes.
// Paths use forward slashes regardless of platform.
func ValidateRelPath(relPath string) error {
	if relPath == "" || relPath == "." {
		return fmt.Errorf("invalid path: empty or current directory")
	}
	if strings.ContainsRune(relPath, 0) {
		return fmt.Errorf("invalid path: contains NUL byte")
	}
	if strings.HasPrefix(relPath, "/") || filepath.IsAbs(relPath) {
		return fmt.Errorf("invalid path: must be relative, got absolute path %q", relPath)
	}
	for _, part := range strings.Split(relPath, "/") {
		if part == ".." {
			return fmt.Errorf("invalid path: path traversal not allowed in %q", relPath)
		}
	}
	return nil
}

// ValidateIdentifier rejects empty identifiers, identifiers containing
// path separators, and dot-only names.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("invalid identifier: empty")
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("invalid identifier: must not contain path separators")
	}
	if id == "." || id == ".." || strings.HasPrefix(id, "..") {
		return fmt.Errorf("invalid identifier: path traversal not allowed")
	}
	return nil
}
