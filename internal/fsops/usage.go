package fsops

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Usage is the space accounting of the filesystem holding a path.
type Usage struct {
	Size    uint64 `json:"size"`
	Used    uint64 `json:"used"`
	Free    uint64 `json:"-"`
	Percent uint8  `json:"percent"`
	Type    string `json:"type"`
}

// Filesystem magic numbers from linux/magic.h.
var fsTypeNames = map[int64]string{
	0x01021994: "tmpfs",
	0xEF53:     "ext4",
	0xE0F5E1E2: "erofs",
	0xF2F52010: "f2fs",
	0x794c7630: "overlay",
	0x9123683E: "btrfs",
	0x58465342: "xfs",
	0x73717368: "squashfs",
}

// StatUsage reports size, used and available bytes for the filesystem
// containing path.
func StatUsage(path string) (*Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("%w: statfs %s: %v", ErrFilesystem, path, err)
	}

	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bfree * bsize
	used := total - free

	u := &Usage{
		Size: total,
		Used: used,
		Free: st.Bavail * bsize,
		Type: FSTypeName(int64(st.Type)),
	}
	if total > 0 {
		u.Percent = uint8(used * 100 / total)
	}
	return u, nil
}

// FSTypeName maps a statfs magic number to a short name.
func FSTypeName(magic int64) string {
	if name, ok := fsTypeNames[magic]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%x)", magic)
}
