package mount

import (
	"strings"

	"github.com/danieljhkim/metahybrid/internal/state"
)

// Flags are the mount flags metahybrid uses, independent of platform
// constants.
type Flags uint

const (
	// FlagBind creates a bind mount.
	FlagBind Flags = 1 << iota

	// FlagRecursive makes a bind mount carry submounts along.
	FlagRecursive

	// FlagPrivate sets private propagation on an existing mount.
	FlagPrivate
)

// MountInfo is one line of /proc/self/mountinfo.
type MountInfo struct {
	ID           int
	Parent       int
	Root         string
	MountPoint   string
	Options      string
	FSType       string
	Source       string
	SuperOptions string
}

// Mounter performs kernel mount operations.
type Mounter interface {
	// Mount attaches source at target.
	Mount(source, target, fstype string, flags Flags, data string) error

	// Unmount detaches target. detach requests a lazy unmount.
	Unmount(target string, detach bool) error

	// MountPoints returns the current mount table.
	MountPoints() ([]MountInfo, error)
}

// Table indexes a mount table snapshot by mount point.
type Table struct {
	byPoint map[string][]MountInfo
}

// NewTable builds a Table from a snapshot.
func NewTable(infos []MountInfo) *Table {
	t := &Table{byPoint: make(map[string][]MountInfo)}
	for _, mi := range infos {
		t.byPoint[mi.MountPoint] = append(t.byPoint[mi.MountPoint], mi)
	}
	return t
}

// Mounted reports whether anything is mounted at target.
func (t *Table) Mounted(target string) bool {
	return len(t.byPoint[target]) > 0
}

// Top returns the most recent mount at target.
func (t *Table) Top(target string) (MountInfo, bool) {
	stack := t.byPoint[target]
	if len(stack) == 0 {
		return MountInfo{}, false
	}
	return stack[len(stack)-1], true
}

// Count returns the number of mounts stacked at target.
func (t *Table) Count(target string) int {
	return len(t.byPoint[target])
}

// Holds reports whether the mount r describes is still in the table.
// A target being a mount point is not enough: partition roots always are.
func (t *Table) Holds(r state.MountRecord) bool {
	switch r.Kind {
	case state.KindOverlay:
		return t.OverlayWithLower(r.Target, r.Source)
	case state.KindTmpfs:
		for _, mi := range t.byPoint[r.Target] {
			if mi.FSType == "tmpfs" {
				return true
			}
		}
	case state.KindBind:
		for _, mi := range t.byPoint[r.Target] {
			switch {
			case mi.FSType == "bind" && mi.Source == r.Source:
				return true
			case mi.Root == "/":
				// A mirror binds the root of its staging tmpfs.
				if mi.FSType == "tmpfs" {
					return true
				}
			case mi.Root != "" && strings.HasSuffix(r.Source, mi.Root):
				return true
			}
		}
	}
	return false
}

// OverlayWithLower reports whether an overlay at target already carries
// lower as its first lower directory.
func (t *Table) OverlayWithLower(target, lower string) bool {
	want := "lowerdir=" + escapeOverlayPath(lower) + ":"
	for _, mi := range t.byPoint[target] {
		if mi.FSType != "overlay" {
			continue
		}
		for _, opt := range splitOverlayOptions(mi.SuperOptions) {
			if opt == strings.TrimSuffix(want, ":") || strings.HasPrefix(opt, want) {
				return true
			}
		}
	}
	return false
}
