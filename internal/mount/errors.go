package mount

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrMount classifies kernel mount and unmount failures.
	ErrMount = errors.New("mount error")

	// ErrOverlayUnsupported is returned when the kernel refuses an overlay
	// for reasons magic mount can work around.
	ErrOverlayUnsupported = errors.New("overlay not supported for this layer")
)

// OpError describes a failed mount syscall.
type OpError struct {
	Op     string
	Source string
	Target string
	FSType string
	Err    error
}

func (e *OpError) Error() string {
	if e.Op == "umount" {
		return fmt.Sprintf("umount %s: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("mount %s on %s (%s): %v", e.Source, e.Target, e.FSType, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{ErrMount, e.Err}
}

// Failure is a per-module failure within one partition.
type Failure struct {
	Module    string
	Partition string
	Path      string
	Err       error
}

func (f *Failure) Error() string {
	if f.Path != "" {
		return fmt.Sprintf("module %s (%s) at %s: %v", f.Module, f.Partition, f.Path, f.Err)
	}
	return fmt.Sprintf("module %s (%s): %v", f.Module, f.Partition, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// overlayUnsupported reports whether err from an overlay mount means the
// kernel cannot build this union at all.
func overlayUnsupported(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENODEV) ||
		errors.Is(err, syscall.EOPNOTSUPP)
}

// notMounted reports whether an unmount failed only because nothing is
// mounted at the target any more.
func notMounted(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOENT)
}

func busy(err error) bool {
	return errors.Is(err, syscall.EBUSY)
}
