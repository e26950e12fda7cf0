//go:build !linux

package fsops

import "errors"

// SELinuxXattr carries the SELinux label of a file.
const SELinuxXattr = "security.selinux"

var errNoXattr = errors.New("extended attributes not supported on this platform")

// GetXattr is unsupported off Linux.
func GetXattr(path, name string) ([]byte, error) {
	return nil, errNoXattr
}

// SetXattr is unsupported off Linux.
func SetXattr(path, name string, value []byte) error {
	return errNoXattr
}

// CopyLabel is a no-op off Linux.
func CopyLabel(src, dst string) error {
	return nil
}
