//go:build linux

package fsops

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SELinuxXattr carries the SELinux label of a file.
const SELinuxXattr = "security.selinux"

// GetXattr reads an extended attribute without following symlinks.
func GetXattr(path, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// SetXattr writes an extended attribute without following symlinks.
func SetXattr(path, name string, value []byte) error {
	return unix.Lsetxattr(path, name, value, 0)
}

// CopyLabel copies the SELinux label of src onto dst. Filesystems without
// xattr support are not an error.
func CopyLabel(src, dst string) error {
	label, err := GetXattr(src, SELinuxXattr)
	if err != nil {
		if errors.Is(err, unix.ENODATA) || errors.Is(err, unix.EOPNOTSUPP) {
			return nil
		}
		return err
	}
	if err := SetXattr(dst, SELinuxXattr, label); err != nil && !errors.Is(err, unix.EOPNOTSUPP) {
		return err
	}
	return nil
}
