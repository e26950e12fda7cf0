package mount

import (
	"sync"
	"syscall"
)

// FakeMounter is an in-memory Mounter for tests. It tracks a mount table
// but never touches the filesystem.
type FakeMounter struct {
	mu     sync.Mutex
	table  []MountInfo
	nextID int

	// Calls logs every operation as "mount <fstype> <source> <target>" or
	// "umount <target>"
	Calls []string

	// FailMount, when set, can reject a mount
	FailMount func(source, target, fstype string) error

	// FailUnmount, when set, can reject an unmount
	FailUnmount func(target string, detach bool) error

	// OnMount runs after each successful mount
	OnMount func(source, target, fstype string)
}

// NewFakeMounter creates a FakeMounter seeded with existing mounts.
func NewFakeMounter(existing ...MountInfo) *FakeMounter {
	f := &FakeMounter{nextID: 100}
	for _, mi := range existing {
		f.nextID++
		mi.ID = f.nextID
		f.table = append(f.table, mi)
	}
	return f
}

func (f *FakeMounter) Mount(source, target, fstype string, flags Flags, data string) error {
	f.mu.Lock()
	if flags&FlagPrivate != 0 && flags&FlagBind == 0 {
		f.Calls = append(f.Calls, "private "+target)
		f.mu.Unlock()
		return nil
	}
	kind := fstype
	if flags&FlagBind != 0 {
		kind = "bind"
	}
	f.Calls = append(f.Calls, "mount "+kind+" "+source+" "+target)
	if f.FailMount != nil {
		if err := f.FailMount(source, target, fstype); err != nil {
			f.mu.Unlock()
			return &OpError{Op: "mount", Source: source, Target: target, FSType: fstype, Err: err}
		}
	}
	f.nextID++
	f.table = append(f.table, MountInfo{
		ID:           f.nextID,
		MountPoint:   target,
		FSType:       kind,
		Source:       source,
		SuperOptions: data,
	})
	hook := f.OnMount
	f.mu.Unlock()
	if hook != nil {
		hook(source, target, fstype)
	}
	return nil
}

func (f *FakeMounter) Unmount(target string, detach bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := "umount " + target
	if detach {
		call += " (detach)"
	}
	f.Calls = append(f.Calls, call)
	if f.FailUnmount != nil {
		if err := f.FailUnmount(target, detach); err != nil {
			return &OpError{Op: "umount", Target: target, Err: err}
		}
	}
	for i := len(f.table) - 1; i >= 0; i-- {
		if f.table[i].MountPoint == target {
			f.table = append(f.table[:i], f.table[i+1:]...)
			return nil
		}
	}
	return &OpError{Op: "umount", Target: target, Err: syscall.EINVAL}
}

func (f *FakeMounter) MountPoints() ([]MountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MountInfo(nil), f.table...), nil
}

// Count returns the number of mounts stacked at target.
func (f *FakeMounter) Count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, mi := range f.table {
		if mi.MountPoint == target {
			n++
		}
	}
	return n
}

// Len returns the size of the mount table.
func (f *FakeMounter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.table)
}
