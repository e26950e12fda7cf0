package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danieljhkim/metahybrid/internal/clock"
	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/engine"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/hymo"
	"github.com/danieljhkim/metahybrid/internal/mount"
)

// device is a simulated device: a data root, a module directory and a live
// system tree that survive across boots.
type device struct {
	t        *testing.T
	root     string
	paths    *config.Paths
	cfg      *config.Config
	clock    *clock.Fake
	enforcer *hymo.FakeEnforcer
}

func newDevice(t *testing.T) *device {
	t.Helper()
	root := t.TempDir()
	paths := config.PathsAt(filepath.Join(root, "data"))
	require.NoError(t, paths.EnsureDirectories())

	cfg := config.Default(paths)
	cfg.ModuleDir = filepath.Join(root, "modules")
	cfg.StoragePath = root
	cfg.GranaryAuto = true
	require.NoError(t, os.MkdirAll(filepath.Join(root, "live", "system", "etc"), 0755))
	require.NoError(t, os.MkdirAll(cfg.ModuleDir, 0755))

	return &device{
		t:        t,
		root:     root,
		paths:    paths,
		cfg:      cfg,
		clock:    clock.NewStepping(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), time.Second),
		enforcer: hymo.NewFakeEnforcer(5),
	}
}

// boot returns an engine over a fresh mount table holding only the system
// partition itself, as after a reboot. State on disk is kept.
func (d *device) boot() (*engine.Engine, *mount.FakeMounter) {
	d.t.Helper()
	d.clock.Advance(time.Hour)
	system, err := filepath.EvalSymlinks(filepath.Join(d.root, "live", "system"))
	require.NoError(d.t, err)
	m := mount.NewFakeMounter(mount.MountInfo{
		MountPoint: system,
		Root:       "/",
		FSType:     "ext4",
		Source:     "/dev/block/dm-0",
	})
	eng := engine.New(*d.paths, d.cfg, engine.Deps{
		FS:       fsops.NewRealFS(),
		Mounter:  m,
		Enforcer: d.enforcer,
		Clock:    d.clock,
		Usage: func(string) (*fsops.Usage, error) {
			return &fsops.Usage{Size: 4 << 30, Used: 1 << 30, Free: 3 << 30, Percent: 25, Type: "f2fs"}, nil
		},
		Sysroot: filepath.Join(d.root, "live"),
	})
	return eng, m
}

// install writes a module contributing files under system/.
func (d *device) install(id string, files ...string) {
	d.t.Helper()
	dir := filepath.Join(d.cfg.ModuleDir, id)
	require.NoError(d.t, os.MkdirAll(filepath.Join(dir, "system"), 0755))
	prop := "id=" + id + "\nname=" + id + "\nversion=v1\nversionCode=1\nauthor=test\n"
	require.NoError(d.t, os.WriteFile(filepath.Join(dir, "module.prop"), []byte(prop), 0644))
	for _, f := range files {
		p := filepath.Join(dir, "system", f)
		require.NoError(d.t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(d.t, os.WriteFile(p, []byte(id), 0644))
	}
}

// mark creates or removes a module marker file such as "disable".
func (d *device) mark(id, marker string, on bool) {
	d.t.Helper()
	p := filepath.Join(d.cfg.ModuleDir, id, marker)
	if on {
		require.NoError(d.t, os.WriteFile(p, nil, 0644))
		return
	}
	require.NoError(d.t, os.Remove(p))
}

func (d *device) writeHymoRules(body string) {
	d.t.Helper()
	require.NoError(d.t, os.WriteFile(d.cfg.HymoRules, []byte(body), 0644))
}
