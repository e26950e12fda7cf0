//go:build linux

package mount

import (
	"io"
	"os"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// UnixMounter performs real mounts through mount(2).
type UnixMounter struct {
	mountinfo string
}

// NewUnixMounter creates a Mounter backed by the kernel.
func NewUnixMounter() *UnixMounter {
	return &UnixMounter{mountinfo: "/proc/self/mountinfo"}
}

func (m *UnixMounter) Mount(source, target, fstype string, flags Flags, data string) error {
	var f uintptr
	if flags&FlagBind != 0 {
		f |= unix.MS_BIND
	}
	if flags&FlagRecursive != 0 {
		f |= unix.MS_REC
	}
	if flags&FlagPrivate != 0 {
		f |= unix.MS_PRIVATE
	}
	if err := unix.Mount(source, target, fstype, f, data); err != nil {
		return &OpError{Op: "mount", Source: source, Target: target, FSType: fstype, Err: err}
	}
	return nil
}

func (m *UnixMounter) Unmount(target string, detach bool) error {
	flags := 0
	if detach {
		flags = unix.MNT_DETACH
	}
	if err := unix.Unmount(target, flags); err != nil {
		return &OpError{Op: "umount", Target: target, Err: err}
	}
	return nil
}

func (m *UnixMounter) MountPoints() ([]MountInfo, error) {
	f, err := os.Open(m.mountinfo)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return ParseMountinfo(f)
}

// ParseMountinfo parses the /proc/self/mountinfo format.
func ParseMountinfo(r io.Reader) ([]MountInfo, error) {
	infos, err := mountinfo.GetMountsFromReader(r, nil)
	if err != nil {
		return nil, err
	}
	out := make([]MountInfo, 0, len(infos))
	for _, mi := range infos {
		out = append(out, MountInfo{
			ID:           mi.ID,
			Parent:       mi.Parent,
			Root:         mi.Root,
			MountPoint:   mi.Mountpoint,
			Options:      mi.Options,
			FSType:       mi.FSType,
			Source:       mi.Source,
			SuperOptions: mi.VFSOptions,
		})
	}
	return out, nil
}
