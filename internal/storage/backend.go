package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/logging"
	"github.com/danieljhkim/metahybrid/internal/mount"
)

// Storage modes.
const (
	// ModeDirect mounts layers straight from the module directory.
	ModeDirect = "direct"

	// ModeTmpfs stages module content on a tmpfs.
	ModeTmpfs = "tmpfs"

	// ModeExt4 stages module content on a loop-mounted ext4 image.
	ModeExt4 = "ext4"

	// ModeAuto uses tmpfs when it carries trusted xattrs, ext4 otherwise.
	ModeAuto = "auto"
)

// imageHeadroom is added to the module directory size when an ext4 image
// is created.
const imageHeadroom = 128 << 20

// ErrStorage indicates the staging area could not be prepared.
var ErrStorage = errors.New("storage error")

// ValidMode reports whether mode names a storage mode.
func ValidMode(mode string) bool {
	switch mode {
	case ModeDirect, ModeTmpfs, ModeExt4, ModeAuto:
		return true
	}
	return false
}

// Runner runs an external command and returns its output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Options configure a Backend.
type Options struct {
	// Mode is one of the Mode constants; empty means ModeDirect
	Mode string

	// MountPoint is where the staging area is mounted
	MountPoint string

	// Image is the ext4 backing image
	Image string

	// ModuleDir is measured to size a new ext4 image
	ModuleDir string

	// Source is the device name shown for the tmpfs
	Source string

	// Run defaults to ExecRunner
	Run Runner

	// SetXattr defaults to fsops.SetXattr
	SetXattr func(path, name string, value []byte) error
}

// Backend prepares the staging area and keeps it in sync with the module
// directory.
type Backend struct {
	mounter mount.Mounter
	fs      fsops.FS
	opts    Options
	log     zerolog.Logger
}

// New creates a Backend.
func New(m mount.Mounter, fs fsops.FS, opts Options) *Backend {
	if opts.Mode == "" {
		opts.Mode = ModeDirect
	}
	if opts.Source == "" {
		opts.Source = "KSU"
	}
	if opts.Run == nil {
		opts.Run = ExecRunner
	}
	if opts.SetXattr == nil {
		opts.SetXattr = fsops.SetXattr
	}
	return &Backend{mounter: m, fs: fs, opts: opts, log: logging.Get("storage")}
}

// Mode returns the configured mode.
func (b *Backend) Mode() string {
	return b.opts.Mode
}

// Handle is a mounted staging area.
type Handle struct {
	// Mode is the mode actually in use, tmpfs or ext4
	Mode string `json:"mode"`

	MountPoint string `json:"mount_point"`

	// Reused is set when the area was already mounted by an earlier pass
	Reused bool `json:"reused"`
}

// ModuleDir returns where module id is staged.
func (h *Handle) ModuleDir(id string) string {
	return filepath.Join(h.MountPoint, id)
}

// Setup mounts the staging area, or finds it already mounted. It returns
// nil in direct mode.
func (b *Backend) Setup(ctx context.Context) (*Handle, error) {
	if b.opts.Mode == ModeDirect {
		return nil, nil
	}
	mp := b.opts.MountPoint
	infos, err := b.mounter.MountPoints()
	if err != nil {
		return nil, fmt.Errorf("%w: read mount table: %v", ErrStorage, err)
	}
	if top, ok := mount.NewTable(infos).Top(mp); ok && (top.FSType == ModeTmpfs || top.FSType == ModeExt4) {
		b.log.Debug().Str("mode", top.FSType).Str("path", mp).Msg("staging area already mounted")
		return &Handle{Mode: top.FSType, MountPoint: mp, Reused: true}, nil
	}
	if err := b.fs.MkdirAll(mp, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, mp, err)
	}

	switch b.opts.Mode {
	case ModeTmpfs:
		if err := b.mountTmpfs(); err != nil {
			return nil, err
		}
		if err := b.checkXattr(); err != nil {
			b.log.Warn().Err(err).Msg("tmpfs lacks trusted xattrs, opaque directories will not apply")
		}
		return b.ready(ModeTmpfs), nil
	case ModeExt4:
		if err := b.mountExt4(ctx); err != nil {
			return nil, err
		}
		return b.ready(ModeExt4), nil
	default:
		if err := b.mountTmpfs(); err == nil {
			if err := b.checkXattr(); err == nil {
				return b.ready(ModeTmpfs), nil
			}
			b.log.Warn().Msg("tmpfs lacks trusted xattrs, falling back to ext4 image")
			if err := b.mounter.Unmount(mp, true); err != nil {
				return nil, fmt.Errorf("%w: detach tmpfs: %v", ErrStorage, err)
			}
		} else {
			b.log.Warn().Err(err).Msg("tmpfs staging failed, falling back to ext4 image")
		}
		if err := b.mountExt4(ctx); err != nil {
			return nil, err
		}
		return b.ready(ModeExt4), nil
	}
}

func (b *Backend) ready(mode string) *Handle {
	b.log.Info().Str("mode", mode).Str("path", b.opts.MountPoint).Msg("staging area mounted")
	return &Handle{Mode: mode, MountPoint: b.opts.MountPoint}
}

func (b *Backend) mountTmpfs() error {
	if err := b.mounter.Mount(b.opts.Source, b.opts.MountPoint, "tmpfs", 0, "mode=0755"); err != nil {
		return fmt.Errorf("%w: mount tmpfs: %v", ErrStorage, err)
	}
	return nil
}

// checkXattr sets the overlay opaque attribute on a scratch directory.
func (b *Backend) checkXattr() error {
	dir := filepath.Join(b.opts.MountPoint, ".xattr_check")
	if err := b.fs.MkdirAll(dir, 0700); err != nil {
		return err
	}
	defer func() { _ = b.fs.RemoveAll(dir) }()
	return b.opts.SetXattr(dir, config.OpaqueXattr, []byte(config.OpaqueMarker))
}

func (b *Backend) mountExt4(ctx context.Context) error {
	if err := b.ensureImage(ctx); err != nil {
		return err
	}
	out, err := b.opts.Run(ctx, "losetup", "-f", "--show", b.opts.Image)
	if err != nil {
		return fmt.Errorf("%w: attach %s: %v", ErrStorage, b.opts.Image, err)
	}
	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return fmt.Errorf("%w: losetup printed no device for %s", ErrStorage, b.opts.Image)
	}
	if err := b.mounter.Mount(dev, b.opts.MountPoint, "ext4", 0, "rw,noatime"); err != nil {
		if _, derr := b.opts.Run(ctx, "losetup", "-d", dev); derr != nil {
			b.log.Warn().Err(derr).Str("device", dev).Msg("failed to detach loop device")
		}
		return fmt.Errorf("%w: mount %s: %v", ErrStorage, dev, err)
	}
	return nil
}

// ensureImage checks the ext4 image and recreates it when it is missing or
// fails the check. Its content is a copy of the module directory, so a
// fresh image loses nothing.
func (b *Backend) ensureImage(ctx context.Context) error {
	img := b.opts.Image
	if ok, _ := b.fs.Exists(img); ok {
		_, err := b.opts.Run(ctx, "e2fsck", "-p", "-f", img)
		if err == nil {
			return nil
		}
		b.log.Warn().Err(err).Str("image", img).Msg("image check failed, recreating")
		if err := b.fs.Remove(img); err != nil {
			return fmt.Errorf("%w: remove %s: %v", ErrStorage, img, err)
		}
	}

	size, err := treeSize(b.opts.ModuleDir)
	if err != nil {
		return fmt.Errorf("%w: measure %s: %v", ErrStorage, b.opts.ModuleDir, err)
	}
	if err := b.fs.MkdirAll(filepath.Dir(img), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	f, err := os.OpenFile(img, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorage, img, err)
	}
	err = f.Truncate(size + imageHeadroom)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		_, err = b.opts.Run(ctx, "mkfs.ext4", "-q", "-F", "-b", "1024", "-O", "^has_journal", img)
	}
	if err != nil {
		_ = b.fs.Remove(img)
		return fmt.Errorf("%w: format %s: %v", ErrStorage, img, err)
	}
	b.log.Info().Str("image", img).Int64("bytes", size+imageHeadroom).Msg("created staging image")
	return nil
}

// Release detaches the staging area. A loop device behind an ext4 area is
// detached too.
func (b *Backend) Release(ctx context.Context) error {
	if b.opts.Mode == ModeDirect {
		return nil
	}
	infos, err := b.mounter.MountPoints()
	if err != nil {
		return fmt.Errorf("%w: read mount table: %v", ErrStorage, err)
	}
	top, ok := mount.NewTable(infos).Top(b.opts.MountPoint)
	if !ok {
		return nil
	}
	if err := b.mounter.Unmount(b.opts.MountPoint, true); err != nil {
		return fmt.Errorf("%w: detach %s: %v", ErrStorage, b.opts.MountPoint, err)
	}
	if top.FSType == ModeExt4 && strings.Contains(top.Source, "loop") {
		if _, err := b.opts.Run(ctx, "losetup", "-d", top.Source); err != nil {
			b.log.Warn().Err(err).Str("device", top.Source).Msg("failed to detach loop device")
		}
	}
	b.log.Info().Str("path", b.opts.MountPoint).Msg("staging area released")
	return nil
}

// treeSize sums the sizes of the regular files under root.
func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
