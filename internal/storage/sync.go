package storage

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/modules"
)

// tmpPrefix marks a module copy that has not been swapped in yet.
const tmpPrefix = ".tmp_"

// syncWorkers bounds the modules copied at once.
const syncWorkers = 4

// SyncFailure is a module that could not be staged.
type SyncFailure struct {
	Module string `json:"module"`
	Err    string `json:"error"`
}

// SyncResult reports one sync.
type SyncResult struct {
	// Synced lists modules copied by this sync
	Synced []string `json:"synced"`

	// Unchanged lists modules whose staged copy was kept
	Unchanged []string `json:"unchanged"`

	// Pruned lists staging entries removed because no active module owns
	// them
	Pruned []string `json:"pruned"`

	Failed []SyncFailure `json:"failed"`
}

// Staged reports whether module id has a usable staged copy.
func (r *SyncResult) Staged(id string) bool {
	for _, ids := range [][]string{r.Synced, r.Unchanged} {
		for _, s := range ids {
			if s == id {
				return true
			}
		}
	}
	return false
}

// Sync brings the staging area in line with mods. Entries no active module
// owns are pruned first. A module is copied when force is set, when it has
// no staged copy, or when its module.prop differs from the staged one. The
// copy is built under .tmp_<id> and renamed into place, so a failed copy
// never replaces a good one. Failing modules are reported, not returned.
func (b *Backend) Sync(ctx context.Context, h *Handle, mods []modules.Module, force bool) (*SyncResult, error) {
	res := &SyncResult{Synced: []string{}, Unchanged: []string{}, Pruned: []string{}, Failed: []SyncFailure{}}

	pruned, err := b.prune(h, mods)
	if err != nil {
		return nil, err
	}
	res.Pruned = pruned

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncWorkers)
	for _, m := range mods {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if !b.hasContent(m) {
				b.log.Debug().Str("module", m.ID).Msg("no partition content, not staged")
				return nil
			}
			dst := h.ModuleDir(m.ID)
			if !force && b.unchanged(m.Path, dst) {
				mu.Lock()
				res.Unchanged = append(res.Unchanged, m.ID)
				mu.Unlock()
				return nil
			}
			err := b.syncModule(m, h.MountPoint, dst)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.log.Error().Err(err).Str("module", m.ID).Msg("module sync failed")
				res.Failed = append(res.Failed, SyncFailure{Module: m.ID, Err: err.Error()})
				return nil
			}
			b.log.Info().Str("module", m.ID).Bool("force", force).Msg("module staged")
			res.Synced = append(res.Synced, m.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	sort.Strings(res.Synced)
	sort.Strings(res.Unchanged)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Module < res.Failed[j].Module })
	return res, nil
}

func (b *Backend) syncModule(m modules.Module, root, dst string) error {
	tmp := filepath.Join(root, tmpPrefix+m.ID)
	if err := b.fs.RemoveAll(tmp); err != nil {
		return fmt.Errorf("%w: clear %s: %v", ErrStorage, tmp, err)
	}
	if err := b.copyModule(m, tmp); err != nil {
		_ = b.fs.RemoveAll(tmp)
		return err
	}
	if err := b.pruneEmptyDirs(tmp); err != nil {
		b.log.Warn().Err(err).Str("module", m.ID).Msg("failed to prune empty directories")
	}
	if err := b.applyOpaque(tmp); err != nil {
		b.log.Warn().Err(err).Str("module", m.ID).Msg("failed to apply opaque xattrs")
	}
	if err := b.fs.RemoveAll(dst); err != nil {
		_ = b.fs.RemoveAll(tmp)
		return fmt.Errorf("%w: clear %s: %v", ErrStorage, dst, err)
	}
	if err := b.fs.Rename(tmp, dst); err != nil {
		_ = b.fs.RemoveAll(tmp)
		return fmt.Errorf("%w: swap in %s: %v", ErrStorage, dst, err)
	}
	return nil
}

// copyModule copies module.prop and the partition trees of m into dst,
// carrying SELinux labels over.
func (b *Backend) copyModule(m modules.Module, dst string) error {
	if err := b.fs.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorage, dst, err)
	}
	names := append([]string{config.PropFile}, m.Partitions...)
	for _, name := range names {
		src := filepath.Join(m.Path, name)
		if ok, _ := b.fs.Exists(src); !ok {
			continue
		}
		to := filepath.Join(dst, name)
		if err := b.fs.Copy(src, to); err != nil {
			return fmt.Errorf("%w: copy %s: %v", ErrStorage, src, err)
		}
		err := filepath.WalkDir(to, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(to, path)
			if err != nil {
				return err
			}
			if err := fsops.CopyLabel(filepath.Join(src, rel), path); err != nil {
				b.log.Debug().Err(err).Str("path", path).Msg("could not copy label")
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: label %s: %v", ErrStorage, to, err)
		}
	}
	return nil
}

// pruneEmptyDirs removes directories under root that hold nothing, deepest
// first. root itself is kept.
func (b *Backend) pruneEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := b.fs.ReadDir(dirs[i])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			if err := b.fs.Remove(dirs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyOpaque marks every directory holding a .replace file as opaque to
// OverlayFS.
func (b *Backend) applyOpaque(root string) error {
	var first error
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && d.Name() == config.ReplaceFile {
			dir := filepath.Dir(path)
			if err := b.opts.SetXattr(dir, config.OpaqueXattr, []byte(config.OpaqueMarker)); err != nil && first == nil {
				first = fmt.Errorf("%s: %w", dir, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return first
}

// prune removes staging entries that belong to no module in mods. Leftover
// .tmp_ copies never match a module id and go too.
func (b *Backend) prune(h *Handle, mods []modules.Module) ([]string, error) {
	keep := map[string]bool{"lost+found": true}
	for _, m := range mods {
		keep[m.ID] = true
	}
	entries, err := b.fs.ReadDir(h.MountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, h.MountPoint, err)
	}
	pruned := []string{}
	for _, e := range entries {
		name := string(e.Name)
		if keep[name] {
			continue
		}
		if err := b.fs.RemoveAll(filepath.Join(h.MountPoint, name)); err != nil {
			return pruned, fmt.Errorf("%w: prune %s: %v", ErrStorage, name, err)
		}
		b.log.Info().Str("entry", e.Name.String()).Msg("pruned orphaned staging entry")
		pruned = append(pruned, e.Name.String())
	}
	return pruned, nil
}

func (b *Backend) hasContent(m modules.Module) bool {
	for _, p := range m.Partitions {
		entries, err := b.fs.ReadDir(m.PartitionDir(p))
		if err == nil && len(entries) > 0 {
			return true
		}
	}
	return false
}

// unchanged reports whether the staged copy at dst carries the same
// module.prop as src.
func (b *Backend) unchanged(src, dst string) bool {
	want, err := b.fs.ReadFile(filepath.Join(src, config.PropFile))
	if err != nil {
		return false
	}
	have, err := b.fs.ReadFile(filepath.Join(dst, config.PropFile))
	if err != nil {
		return false
	}
	return bytes.Equal(want, have)
}
