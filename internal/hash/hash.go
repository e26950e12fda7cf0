// Package hash computes the content digests recorded in granary silo
// manifests. A silo is only restored after every payload matches the
// digest taken when it was created.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher provides an abstraction for content hashing.
type Hasher interface {
	// HashFile computes the digest of the file at path.
	HashFile(path string) (string, error)

	// HashBytes computes the digest of data.
	HashBytes(data []byte) string
}

// SHA256Hasher implements Hasher using SHA-256.
type SHA256Hasher struct{}

// NewSHA256Hasher creates a new SHA256Hasher.
func NewSHA256Hasher() *SHA256Hasher {
	return &SHA256Hasher{}
}

// HashFile computes the SHA-256 digest of the file at path.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashBytes computes the SHA-256 digest of data.
func (h *SHA256Hasher) HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks that the file at path has digest want.
func Verify(h Hasher, path, want string) error {
	got, err := h.HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("digest mismatch for %s: got %s, want %s", path, got, want)
	}
	return nil
}
