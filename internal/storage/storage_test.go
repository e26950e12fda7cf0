package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/mount"
)

// fakeRunner records commands and answers them from canned output.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	out   map[string]string
	fail  map[string]error
}

func (r *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	if err := r.fail[name]; err != nil {
		return nil, err
	}
	return []byte(r.out[name]), nil
}

type env struct {
	root    string
	modDir  string
	mp      string
	img     string
	mounter *mount.FakeMounter
	runner  *fakeRunner
	xattrMu sync.Mutex
	xattrs  map[string]string
	xattrFn func(path, name string, value []byte) error
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		root:    root,
		modDir:  filepath.Join(root, "modules"),
		mp:      filepath.Join(root, "mnt"),
		img:     filepath.Join(root, "modules.img"),
		mounter: mount.NewFakeMounter(),
		runner:  &fakeRunner{out: map[string]string{"losetup": "/dev/block/loop7\n"}, fail: map[string]error{}},
		xattrs:  map[string]string{},
	}
	require.NoError(t, os.MkdirAll(e.modDir, 0755))
	return e
}

func (e *env) backend(mode string) *Backend {
	return New(e.mounter, fsops.NewRealFS(), Options{
		Mode:       mode,
		MountPoint: e.mp,
		Image:      e.img,
		ModuleDir:  e.modDir,
		Source:     "KSU",
		Run:        e.runner.run,
		SetXattr: func(path, name string, value []byte) error {
			if e.xattrFn != nil {
				if err := e.xattrFn(path, name, value); err != nil {
					return err
				}
			}
			e.xattrMu.Lock()
			defer e.xattrMu.Unlock()
			e.xattrs[path] = name + "=" + string(value)
			return nil
		},
	})
}

// module installs a module with the given files under its system tree.
func (e *env) module(t *testing.T, id, version string, files ...string) modules.Module {
	t.Helper()
	dir := filepath.Join(e.modDir, id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "system"), 0755))
	prop := "id=" + id + "\nversion=" + version + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.PropFile), []byte(prop), 0644))
	for _, f := range files {
		p := filepath.Join(dir, "system", f)
		if strings.HasSuffix(f, "/") {
			require.NoError(t, os.MkdirAll(p, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(id+":"+f), 0644))
	}
	return modules.Module{ID: id, Path: dir, Partitions: []string{"system"}}
}

func TestSetupDirect(t *testing.T) {
	e := newEnv(t)
	h, err := e.backend(ModeDirect).Setup(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Empty(t, e.mounter.Calls)
	assert.Equal(t, ModeDirect, New(e.mounter, fsops.NewRealFS(), Options{}).Mode(), "empty mode means direct")
}

func TestSetupTmpfsIsReused(t *testing.T) {
	e := newEnv(t)
	b := e.backend(ModeTmpfs)

	h, err := b.Setup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Handle{Mode: ModeTmpfs, MountPoint: e.mp}, h)
	assert.Equal(t, []string{"mount tmpfs KSU " + e.mp}, e.mounter.Calls)
	assert.NoDirExists(t, filepath.Join(e.mp, ".xattr_check"))

	again, err := b.Setup(context.Background())
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, ModeTmpfs, again.Mode)
	assert.Equal(t, 1, e.mounter.Count(e.mp))
}

func TestSetupAutoFallsBackToExt4(t *testing.T) {
	e := newEnv(t)
	e.module(t, "alpha", "v1", "etc/a.conf")
	e.xattrFn = func(path, name string, value []byte) error { return syscall.EOPNOTSUPP }

	h, err := e.backend(ModeAuto).Setup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeExt4, h.Mode)
	assert.Equal(t, []string{
		"mount tmpfs KSU " + e.mp,
		"umount " + e.mp + " (detach)",
		"mount ext4 /dev/block/loop7 " + e.mp,
	}, e.mounter.Calls)
	assert.Equal(t, []string{
		"mkfs.ext4 -q -F -b 1024 -O ^has_journal " + e.img,
		"losetup -f --show " + e.img,
	}, e.runner.calls)

	info, err := os.Stat(e.img)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(imageHeadroom), "image is sized from the module directory")
}

func TestSetupAutoPrefersTmpfs(t *testing.T) {
	e := newEnv(t)
	h, err := e.backend(ModeAuto).Setup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeTmpfs, h.Mode)
	assert.Empty(t, e.runner.calls)
}

func TestExt4ReusesCheckedImage(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(e.img, []byte("image"), 0600))

	_, err := e.backend(ModeExt4).Setup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"e2fsck -p -f " + e.img,
		"losetup -f --show " + e.img,
	}, e.runner.calls)
	data, err := os.ReadFile(e.img)
	require.NoError(t, err)
	assert.Equal(t, "image", string(data))
}

func TestExt4RecreatesImageFailingCheck(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(e.img, []byte("corrupt"), 0600))
	e.runner.fail["e2fsck"] = errors.New("exit status 4")

	_, err := e.backend(ModeExt4).Setup(context.Background())
	require.NoError(t, err)
	assert.Contains(t, e.runner.calls, "mkfs.ext4 -q -F -b 1024 -O ^has_journal "+e.img)
	info, err := os.Stat(e.img)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(imageHeadroom))
}

func TestExt4MountFailureDetachesLoop(t *testing.T) {
	e := newEnv(t)
	e.mounter.FailMount = func(source, target, fstype string) error {
		if fstype == "ext4" {
			return syscall.EINVAL
		}
		return nil
	}

	_, err := e.backend(ModeExt4).Setup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, "losetup -d /dev/block/loop7", e.runner.calls[len(e.runner.calls)-1])
}

func TestMkfsFailureRemovesImage(t *testing.T) {
	e := newEnv(t)
	e.runner.fail["mkfs.ext4"] = errors.New("not found")

	_, err := e.backend(ModeExt4).Setup(context.Background())
	assert.ErrorIs(t, err, ErrStorage)
	assert.NoFileExists(t, e.img)
	assert.Empty(t, e.mounter.Calls)
}

func TestRelease(t *testing.T) {
	e := newEnv(t)
	b := e.backend(ModeExt4)
	_, err := b.Setup(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Release(context.Background()))
	assert.Zero(t, e.mounter.Count(e.mp))
	assert.Equal(t, "losetup -d /dev/block/loop7", e.runner.calls[len(e.runner.calls)-1])

	require.NoError(t, b.Release(context.Background()), "releasing twice is a no-op")
	require.NoError(t, e.backend(ModeDirect).Release(context.Background()))
}

func TestSyncStagesModules(t *testing.T) {
	e := newEnv(t)
	b := e.backend(ModeTmpfs)
	h, err := b.Setup(context.Background())
	require.NoError(t, err)
	alpha := e.module(t, "alpha", "v1", "etc/alpha.conf", "bin/tool")
	beta := e.module(t, "beta", "v1", "fonts/B.ttf")
	require.NoError(t, os.MkdirAll(filepath.Join(e.mp, "removed-mod", "system"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(e.mp, ".tmp_alpha", "system"), 0755))

	res, err := b.Sync(context.Background(), h, []modules.Module{alpha, beta}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, res.Synced)
	assert.Empty(t, res.Unchanged)
	assert.ElementsMatch(t, []string{".tmp_alpha", "removed-mod"}, res.Pruned)
	assert.Empty(t, res.Failed)
	assert.True(t, res.Staged("alpha"))
	assert.False(t, res.Staged("gamma"))

	data, err := os.ReadFile(filepath.Join(h.ModuleDir("alpha"), "system", "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "alpha:bin/tool", string(data))
	assert.FileExists(t, filepath.Join(h.ModuleDir("alpha"), config.PropFile))
	assert.NoDirExists(t, filepath.Join(e.mp, "removed-mod"))
	assert.NoDirExists(t, filepath.Join(e.mp, ".tmp_alpha"))
	assert.NoDirExists(t, filepath.Join(e.mp, ".tmp_beta"))
}

func TestSyncSkipsUnchangedModules(t *testing.T) {
	e := newEnv(t)
	b := e.backend(ModeTmpfs)
	h, err := b.Setup(context.Background())
	require.NoError(t, err)
	alpha := e.module(t, "alpha", "v1", "etc/alpha.conf")
	beta := e.module(t, "beta", "v1", "etc/beta.conf")
	mods := []modules.Module{alpha, beta}
	_, err = b.Sync(context.Background(), h, mods, false)
	require.NoError(t, err)

	// Content changes without a module.prop bump are not picked up.
	require.NoError(t, os.WriteFile(filepath.Join(alpha.Path, "system", "etc", "alpha.conf"), []byte("edited"), 0644))
	res, err := b.Sync(context.Background(), h, mods, false)
	require.NoError(t, err)
	assert.Empty(t, res.Synced)
	assert.Equal(t, []string{"alpha", "beta"}, res.Unchanged)

	e.module(t, "alpha", "v2")
	res, err = b.Sync(context.Background(), h, mods, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, res.Synced)
	assert.Equal(t, []string{"beta"}, res.Unchanged)
	data, err := os.ReadFile(filepath.Join(h.ModuleDir("alpha"), "system", "etc", "alpha.conf"))
	require.NoError(t, err)
	assert.Equal(t, "edited", string(data))

	res, err = b.Sync(context.Background(), h, mods, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, res.Synced)
}

func TestSyncAppliesOpaqueAndPrunesEmptyDirs(t *testing.T) {
	e := newEnv(t)
	b := e.backend(ModeTmpfs)
	h, err := b.Setup(context.Background())
	require.NoError(t, err)
	alpha := e.module(t, "alpha", "v1", "app/Foo/"+config.ReplaceFile, "app/Foo/Foo.apk", "empty/nested/")

	res, err := b.Sync(context.Background(), h, []modules.Module{alpha}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha"}, res.Synced)

	staged := filepath.Join(h.ModuleDir("alpha"), "system")
	assert.Equal(t, config.OpaqueXattr+"="+config.OpaqueMarker, e.xattrs[filepath.Join(staged, "app", "Foo")])
	assert.NoDirExists(t, filepath.Join(staged, "empty"))
	assert.FileExists(t, filepath.Join(staged, "app", "Foo", "Foo.apk"))
}

func TestSyncOpaqueFailureStillStages(t *testing.T) {
	e := newEnv(t)
	b := e.backend(ModeTmpfs)
	h, err := b.Setup(context.Background())
	require.NoError(t, err)
	e.xattrFn = func(path, name string, value []byte) error { return syscall.EPERM }
	alpha := e.module(t, "alpha", "v1", "app/Foo/"+config.ReplaceFile)

	res, err := b.Sync(context.Background(), h, []modules.Module{alpha}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, res.Synced)
}

func TestSyncSkipsModulesWithoutContent(t *testing.T) {
	e := newEnv(t)
	b := e.backend(ModeTmpfs)
	h, err := b.Setup(context.Background())
	require.NoError(t, err)
	hollow := e.module(t, "hollow", "v1")

	res, err := b.Sync(context.Background(), h, []modules.Module{hollow}, false)
	require.NoError(t, err)
	assert.Empty(t, res.Synced)
	assert.False(t, res.Staged("hollow"))
	assert.NoDirExists(t, h.ModuleDir("hollow"))
}

func TestSyncCancelled(t *testing.T) {
	e := newEnv(t)
	b := e.backend(ModeTmpfs)
	h, err := b.Setup(context.Background())
	require.NoError(t, err)
	alpha := e.module(t, "alpha", "v1", "etc/a.conf")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = b.Sync(ctx, h, []modules.Module{alpha}, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, h.ModuleDir("alpha"))
}

func TestValidMode(t *testing.T) {
	for _, m := range []string{ModeDirect, ModeTmpfs, ModeExt4, ModeAuto} {
		assert.True(t, ValidMode(m), m)
	}
	assert.False(t, ValidMode("erofs"))
	assert.False(t, ValidMode(""))
}
