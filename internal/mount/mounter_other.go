//go:build !linux

package mount

import "fmt"

// UnixMounter is unavailable off Linux; every operation fails.
type UnixMounter struct{}

// NewUnixMounter creates a Mounter that always fails.
func NewUnixMounter() *UnixMounter {
	return &UnixMounter{}
}

func (m *UnixMounter) Mount(source, target, fstype string, flags Flags, data string) error {
	return fmt.Errorf("%w: mounting requires linux", ErrMount)
}

func (m *UnixMounter) Unmount(target string, detach bool) error {
	return fmt.Errorf("%w: unmounting requires linux", ErrMount)
}

func (m *UnixMounter) MountPoints() ([]MountInfo, error) {
	return nil, fmt.Errorf("%w: mount table requires linux", ErrMount)
}
