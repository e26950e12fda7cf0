package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/planner"
	"github.com/danieljhkim/metahybrid/internal/rules"
	"github.com/danieljhkim/metahybrid/internal/state"
)

type fixture struct {
	root   string
	target string
	work   string
	fake   *FakeMounter
	orch   *Orchestrator
}

func newFixture(t *testing.T, existing ...MountInfo) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:   root,
		target: filepath.Join(root, "live", "system"),
		work:   filepath.Join(root, "run", "work"),
		fake:   NewFakeMounter(existing...),
	}
	require.NoError(t, os.MkdirAll(f.target, 0755))
	f.orch = NewOrchestrator(f.fake, fsops.NewRealFS(), Options{WorkDir: f.work, Source: "KSU"})
	return f
}

// writeTree creates files under base; keys ending in "/" are directories.
func writeTree(t *testing.T, base string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(base, p)
		if strings.HasSuffix(p, "/") {
			require.NoError(t, os.MkdirAll(full, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(p), 0644))
	}
}

func (f *fixture) module(t *testing.T, id string, paths ...string) string {
	t.Helper()
	src := filepath.Join(f.root, "modules", id, "system")
	require.NoError(t, os.MkdirAll(src, 0755))
	writeTree(t, src, paths...)
	return src
}

func (f *fixture) live(t *testing.T, paths ...string) {
	t.Helper()
	writeTree(t, f.target, paths...)
}

func (f *fixture) plan(layers ...planner.Layer) *planner.MountPlan {
	return &planner.MountPlan{
		Partitions: []planner.PartitionPlan{{
			PartitionTarget: planner.PartitionTarget{Name: "system", Target: f.target},
			Layers:          layers,
		}},
	}
}

func magicRules() *rules.ModuleRules {
	r := rules.Default()
	r.DefaultMode = rules.Magic
	return r
}

func layer(id, src string, s planner.Strategy, r *rules.ModuleRules) planner.Layer {
	if r == nil {
		r = rules.Default()
	}
	return planner.Layer{Module: id, Source: src, Strategy: s, Rules: r}
}

func (f *fixture) calls(prefix string) []string {
	var out []string
	for _, c := range f.fake.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func TestOverlayStacksPerModule(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "fonts/A.ttf")
	bSrc := f.module(t, "b", "fonts/B.ttf")
	plan := f.plan(
		layer("a", aSrc, planner.StrategyOverlay, nil),
		layer("b", bSrc, planner.StrategyOverlay, nil),
	)
	st := state.NewRuntimeState()

	res, err := f.orch.Mount(context.Background(), plan, st)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.OverlayModules)
	assert.Empty(t, res.MagicModules)
	assert.Equal(t, 2, res.Mounted)
	assert.Equal(t, 2, f.fake.Count(f.target))
	assert.Equal(t, []string{"system"}, st.Partitions)

	require.Len(t, st.Journal, 2)
	assert.Equal(t, "a", st.Journal[0].Module)
	assert.True(t, strings.HasPrefix(st.Journal[0].Data, "lowerdir="+aSrc+":"+f.target+",upperdir="), st.Journal[0].Data)
	assert.True(t, strings.HasPrefix(st.Journal[1].Data, "lowerdir="+bSrc+":"+f.target+","))
	for _, r := range st.Journal {
		require.Len(t, r.Scratch, 1)
		assert.DirExists(t, filepath.Join(r.Scratch[0], "upper"))
		assert.DirExists(t, filepath.Join(r.Scratch[0], "work"))
	}
}

func TestMountIsIdempotent(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "fonts/A.ttf")
	bSrc := f.module(t, "b", "bin/tool")
	f.live(t, "bin/sh")
	plan := f.plan(
		layer("a", aSrc, planner.StrategyOverlay, nil),
		layer("b", bSrc, planner.StrategyMagic, magicRules()),
	)
	st := state.NewRuntimeState()

	_, err := f.orch.Mount(context.Background(), plan, st)
	require.NoError(t, err)
	mounts := f.fake.Len()
	records := len(st.Journal)

	res, err := f.orch.Mount(context.Background(), plan, st)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Mounted)
	assert.Equal(t, 2, res.AlreadyMounted)
	assert.Equal(t, mounts, f.fake.Len())
	assert.Len(t, st.Journal, records)
	assert.True(t, res.IsMounted("a"))
	assert.True(t, res.IsMounted("b"))
}

func TestMountAdoptsExistingOverlay(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "live", "system")
	aSrc := filepath.Join(root, "modules", "a", "system")
	f := newFixture(t, MountInfo{
		MountPoint:   target,
		FSType:       "overlay",
		SuperOptions: "ro,lowerdir=" + aSrc + ":" + target + ",upperdir=/u,workdir=/w",
	})
	f.target = target
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.MkdirAll(aSrc, 0755))

	st := state.NewRuntimeState()
	res, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyOverlay, nil)), st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlreadyMounted)
	assert.Empty(t, f.calls("mount "))
	require.Len(t, st.Journal, 1)
	assert.Equal(t, "a", st.Journal[0].Module)
}

func TestMountDropsStaleRecords(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "fonts/A.ttf")
	st := state.NewRuntimeState()
	st.Journal = []state.MountRecord{{
		Seq: 1, Partition: "system", Module: "a", Kind: state.KindOverlay, Source: aSrc, Target: f.target,
	}}

	res, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyOverlay, nil)), st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleRecords)
	assert.Equal(t, 1, res.Mounted)
	assert.Equal(t, 1, f.fake.Count(f.target))
	assert.Len(t, st.Journal, 1)
}

// basePartition is the partition's own block device mount, present on
// every boot.
func basePartition(target string) MountInfo {
	return MountInfo{MountPoint: target, Root: "/", FSType: "ext4", Source: "/dev/block/dm-0"}
}

// reboot swaps in a mount table holding only the base partition, keeping
// the on-disk tree.
func (f *fixture) reboot() {
	f.fake = NewFakeMounter(basePartition(f.target))
	f.orch = NewOrchestrator(f.fake, fsops.NewRealFS(), Options{WorkDir: f.work, Source: "KSU"})
}

func TestOverlayRemountsAfterReboot(t *testing.T) {
	f := newFixture(t)
	f.reboot()
	aSrc := f.module(t, "a", "fonts/A.ttf")
	plan := f.plan(layer("a", aSrc, planner.StrategyOverlay, nil))
	st := state.NewRuntimeState()

	_, err := f.orch.Mount(context.Background(), plan, st)
	require.NoError(t, err)
	require.Len(t, st.Journal, 1)
	oldScratch := st.Journal[0].Scratch[0]

	f.reboot()
	res, err := f.orch.Mount(context.Background(), plan, st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleRecords, "the base partition mount does not keep the overlay record alive")
	assert.Equal(t, 1, res.Mounted)
	assert.Zero(t, res.AlreadyMounted)
	assert.True(t, res.IsMounted("a"))
	assert.Equal(t, 2, f.fake.Count(f.target))
	assert.NoDirExists(t, oldScratch)
}

func TestMagicRemountsAfterReboot(t *testing.T) {
	f := newFixture(t)
	f.reboot()
	aSrc := f.module(t, "a", "bin/tool")
	f.live(t, "bin/sh")
	plan := f.plan(layer("a", aSrc, planner.StrategyMagic, magicRules()))
	st := state.NewRuntimeState()

	_, err := f.orch.Mount(context.Background(), plan, st)
	require.NoError(t, err)
	records := len(st.Journal)
	require.Positive(t, records)

	f.reboot()
	res, err := f.orch.Mount(context.Background(), plan, st)
	require.NoError(t, err)
	assert.Equal(t, records, res.StaleRecords)
	assert.Equal(t, 1, res.Mounted)
	assert.Equal(t, []string{"a"}, res.MagicModules)
	assert.Len(t, st.Journal, records)
	assert.Equal(t, 1, f.fake.Count(filepath.Join(f.target, "bin")))
}

func TestUnmountAfterRebootLeavesBasePartition(t *testing.T) {
	f := newFixture(t)
	f.reboot()
	aSrc := f.module(t, "a", "fonts/A.ttf")
	st := state.NewRuntimeState()
	_, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyOverlay, nil)), st)
	require.NoError(t, err)

	f.reboot()
	res, err := f.orch.Unmount(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleRecords)
	assert.Zero(t, res.Unmounted)
	assert.Empty(t, f.calls("umount "))
	assert.Equal(t, 1, f.fake.Count(f.target))
	assert.Empty(t, st.Journal)
	assert.Empty(t, st.OverlayModules)
}

func TestNestedPartitionsMountOuterFirst(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newFixture(t)
		product := filepath.Join(f.target, "product")
		require.NoError(t, os.MkdirAll(product, 0755))
		sysSrc := f.module(t, "a", "etc/a.conf")
		prodSrc := filepath.Join(f.root, "modules", "a", "product")
		writeTree(t, prodSrc, "etc/p.conf")
		f.fake.FailMount = func(source, target, fstype string) error {
			if target == f.target {
				time.Sleep(2 * time.Millisecond)
			}
			return nil
		}
		plan := &planner.MountPlan{Partitions: []planner.PartitionPlan{
			{
				PartitionTarget: planner.PartitionTarget{Name: "system", Target: f.target},
				Layers:          []planner.Layer{layer("a", sysSrc, planner.StrategyOverlay, nil)},
			},
			{
				PartitionTarget: planner.PartitionTarget{Name: "product", Target: product},
				Layers:          []planner.Layer{layer("a", prodSrc, planner.StrategyOverlay, nil)},
			},
		}}

		res, err := f.orch.Mount(context.Background(), plan, state.NewRuntimeState())
		require.NoError(t, err)
		assert.Equal(t, 2, res.Mounted)
		assert.Equal(t, []string{"system", "product"}, res.Partitions)
		assert.Equal(t, []string{
			"mount overlay KSU " + f.target,
			"mount overlay KSU " + product,
		}, f.calls("mount overlay"))
	}
}

func TestOverlayFallsBackToMagic(t *testing.T) {
	f := newFixture(t)
	f.fake.FailMount = func(source, target, fstype string) error {
		if fstype == "overlay" {
			return syscall.ENODEV
		}
		return nil
	}
	aSrc := f.module(t, "a", "fonts/Roboto.ttf")
	f.live(t, "fonts/Roboto.ttf")

	res, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyOverlay, nil)), state.NewRuntimeState())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fallbacks)
	assert.Empty(t, res.OverlayModules)
	assert.Equal(t, []string{"a"}, res.MagicModules)
	assert.Contains(t, f.fake.Calls,
		"mount bind "+filepath.Join(aSrc, "fonts/Roboto.ttf")+" "+filepath.Join(f.target, "fonts/Roboto.ttf"))

	entries, err := os.ReadDir(f.work)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "ovl-"), "overlay scratch %s left behind", e.Name())
	}
}

func TestMagicMirrorsNewEntries(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "bin/newtool")
	f.live(t, "bin/sh")
	st := state.NewRuntimeState()

	res, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyMagic, magicRules())), st)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.MagicModules)

	require.Len(t, st.Journal, 4)
	tmpfs := st.Journal[0]
	assert.Equal(t, state.KindTmpfs, tmpfs.Kind)
	staging := tmpfs.Target
	assert.Equal(t, []string{staging}, tmpfs.Scratch)

	assert.Equal(t, []string{
		"mount tmpfs KSU " + staging,
		"mount bind " + filepath.Join(f.target, "bin/sh") + " " + filepath.Join(staging, "sh"),
		"mount bind " + filepath.Join(aSrc, "bin/newtool") + " " + filepath.Join(staging, "newtool"),
		"mount bind " + staging + " " + filepath.Join(f.target, "bin"),
	}, f.calls("mount "))
	assert.FileExists(t, filepath.Join(staging, "sh"))
	assert.FileExists(t, filepath.Join(staging, "newtool"))
	for _, r := range st.Journal {
		assert.Equal(t, "a", r.Module)
	}
}

func TestMagicMergesExistingDirectories(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "etc/extra/new.conf")
	f.live(t, "etc/hosts", "etc/extra/")
	st := state.NewRuntimeState()

	_, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyMagic, magicRules())), st)
	require.NoError(t, err)

	// etc itself needs no mirror; only etc/extra gains an entry.
	binds := f.calls("mount bind ")
	require.Len(t, binds, 2)
	assert.True(t, strings.HasSuffix(binds[1], " "+filepath.Join(f.target, "etc/extra")))
	assert.Contains(t, binds[0], filepath.Join(aSrc, "etc/extra/new.conf"))
}

func TestMagicOpaqueDirectory(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "app/Foo/.replace", "app/Foo/Foo.apk")
	f.live(t, "app/Foo/Old.apk")

	_, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyMagic, magicRules())), state.NewRuntimeState())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"mount bind " + filepath.Join(aSrc, "app/Foo") + " " + filepath.Join(f.target, "app/Foo"),
	}, f.calls("mount "))
}

func TestMagicHonorsIgnoreRules(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "etc/hosts", "fonts/F.ttf")
	f.live(t, "etc/hosts", "fonts/F.ttf")
	r := magicRules()
	r.Paths = map[string]rules.Mode{"system/etc": rules.Ignore}

	_, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyMagic, r)), state.NewRuntimeState())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"mount bind " + filepath.Join(aSrc, "fonts/F.ttf") + " " + filepath.Join(f.target, "fonts/F.ttf"),
	}, f.calls("mount "))
}

func TestMagicSkipsInvalidNames(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "bin/ok")
	f.live(t, "bin/ok")
	if err := os.WriteFile(filepath.Join(aSrc, "bin", "bad\xff"), nil, 0644); err != nil {
		t.Skipf("filesystem rejects non-UTF-8 names: %v", err)
	}

	res, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyMagic, magicRules())), state.NewRuntimeState())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedNames)
	assert.Equal(t, []string{
		"mount bind " + filepath.Join(aSrc, "bin/ok") + " " + filepath.Join(f.target, "bin/ok"),
	}, f.calls("mount "))
}

func TestFailingModuleIsIsolated(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "fonts/A.ttf")
	bSrc := f.module(t, "b", "fonts/B1.ttf", "fonts/B2.ttf")
	f.live(t, "fonts/A.ttf", "fonts/B1.ttf", "fonts/B2.ttf")
	f.fake.FailMount = func(source, target, fstype string) error {
		if strings.HasSuffix(source, "B2.ttf") {
			return syscall.EIO
		}
		return nil
	}
	st := state.NewRuntimeState()

	res, err := f.orch.Mount(context.Background(), f.plan(
		layer("a", aSrc, planner.StrategyMagic, magicRules()),
		layer("b", bSrc, planner.StrategyMagic, magicRules()),
	), st)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.MagicModules)
	require.Len(t, res.Failures, 1)
	fail := res.Failures[0]
	assert.Equal(t, "b", fail.Module)
	assert.Equal(t, "system", fail.Partition)
	assert.Equal(t, filepath.Join(f.target, "fonts/B2.ttf"), fail.Path)
	assert.True(t, errors.Is(fail.Err, ErrMount))
	assert.True(t, errors.Is(fail.Err, syscall.EIO))

	// B1 was bound before B2 failed and has been unwound.
	assert.Equal(t, 0, f.fake.Count(filepath.Join(f.target, "fonts/B1.ttf")))
	assert.Equal(t, map[string]bool{"a": true}, st.MountedModules())
	require.Len(t, st.Failures, 1)
	assert.Equal(t, "b", st.Failures[0].Module)
}

func TestUnmountRunsNewestFirst(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "bin/newtool")
	f.live(t, "bin/sh")
	st := state.NewRuntimeState()
	_, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyMagic, magicRules())), st)
	require.NoError(t, err)
	staging := st.Journal[0].Target

	res, err := f.orch.Unmount(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Unmounted)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{
		"umount " + filepath.Join(f.target, "bin"),
		"umount " + filepath.Join(staging, "newtool"),
		"umount " + filepath.Join(staging, "sh"),
		"umount " + staging,
	}, f.calls("umount "))
	assert.Empty(t, st.Journal)
	assert.Empty(t, st.MagicModules)
	assert.Equal(t, 0, f.fake.Len())
	assert.NoDirExists(t, staging)
}

func TestUnmountRetriesBusyTargetsLazily(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "fonts/A.ttf")
	st := state.NewRuntimeState()
	_, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyOverlay, nil)), st)
	require.NoError(t, err)

	f.fake.FailUnmount = func(target string, detach bool) error {
		if !detach {
			return syscall.EBUSY
		}
		return nil
	}
	res, err := f.orch.Unmount(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unmounted)
	assert.Equal(t, []string{"umount " + f.target, "umount " + f.target + " (detach)"}, f.calls("umount "))
	assert.Empty(t, st.Journal)
}

func TestUnmountKeepsFailedRecords(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "fonts/A.ttf")
	st := state.NewRuntimeState()
	_, err := f.orch.Mount(context.Background(), f.plan(layer("a", aSrc, planner.StrategyOverlay, nil)), st)
	require.NoError(t, err)

	f.fake.FailUnmount = func(target string, detach bool) error { return syscall.EPERM }
	res, err := f.orch.Unmount(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Unmounted)
	require.Len(t, res.Errors, 1)
	assert.Len(t, st.Journal, 1)
	assert.Equal(t, []string{"a"}, st.OverlayModules)
}

func TestCancelledPassUnwindsPartition(t *testing.T) {
	f := newFixture(t)
	aSrc := f.module(t, "a", "fonts/A.ttf")
	bSrc := f.module(t, "b", "fonts/B.ttf")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fake.OnMount = func(source, target, fstype string) { cancel() }
	st := state.NewRuntimeState()

	_, err := f.orch.Mount(ctx, f.plan(
		layer("a", aSrc, planner.StrategyOverlay, nil),
		layer("b", bSrc, planner.StrategyOverlay, nil),
	), st)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.fake.Len())
	assert.Empty(t, st.Journal)
	assert.Empty(t, st.OverlayModules)
}
