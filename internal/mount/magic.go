package mount

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/planner"
	"github.com/danieljhkim/metahybrid/internal/rules"
	"github.com/danieljhkim/metahybrid/internal/state"
)

// nodeError ties a magic mount failure to the live path it happened at.
type nodeError struct {
	Path string
	Err  error
}

func (e *nodeError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *nodeError) Unwrap() error { return e.Err }

// magicPass bind-mounts one module's partition node by node.
type magicPass struct {
	o       *Orchestrator
	pp      planner.PartitionPlan
	layer   planner.Layer
	j       *journal
	log     zerolog.Logger
	skipped int
}

type magicNode struct {
	name  string
	entry fsops.Entry
}

// mountMagic attaches layer with per-node bind mounts. Files that replace
// existing files are bound in place. A directory that gains new entries
// (or whose entry types change) is mirrored onto a tmpfs first: the
// original children are bound into the mirror, the module's nodes are
// added, and the mirror is bound over the directory.
func (o *Orchestrator) mountMagic(pp planner.PartitionPlan, layer planner.Layer, j *journal) (int, error) {
	if j.hasModule(pp.Name, layer.Module) {
		o.log.Debug().Str("module", layer.Module).Str("partition", pp.Name).Msg("magic mount already in place")
		return 0, errAlreadyMounted
	}
	p := &magicPass{
		o:     o,
		pp:    pp,
		layer: layer,
		j:     j,
		log:   o.log.With().Str("module", layer.Module).Str("partition", pp.Name).Logger(),
	}
	if p.layer.Rules == nil {
		p.layer.Rules = rules.Default()
	}
	err := p.dir(layer.Source, pp.Target, "")
	if err == nil {
		p.log.Info().Str("target", pp.Target).Msg("magic mount complete")
	}
	return p.skipped, err
}

// nodes lists the module entries of src that take part in the mount.
func (p *magicPass) nodes(src, rel string) ([]magicNode, error) {
	entries, err := p.o.fs.ReadDir(src)
	if err != nil {
		return nil, &nodeError{Path: src, Err: fmt.Errorf("%w: %v", fsops.ErrFilesystem, err)}
	}
	var out []magicNode
	for _, e := range entries {
		if !e.Name.Valid() {
			p.log.Warn().Str("dir", src).Str("name", e.Name.String()).Msg("skipping entry with non-UTF-8 name")
			p.skipped++
			continue
		}
		name := string(e.Name)
		if name == config.ReplaceFile {
			continue
		}
		modRel := path.Join(p.pp.Name, rel, name)
		if e.IsDir() {
			if mode, uniform := p.layer.Rules.Uniform(modRel); uniform && mode == rules.Ignore {
				continue
			}
		} else if p.layer.Rules.Resolve(modRel) == rules.Ignore {
			continue
		}
		out = append(out, magicNode{name: name, entry: e})
	}
	return out, nil
}

func (p *magicPass) dir(src, dst, rel string) error {
	nodes, err := p.nodes(src, rel)
	if err != nil || len(nodes) == 0 {
		return err
	}

	needMirror := false
	for _, n := range nodes {
		info, err := p.o.fs.Lstat(filepath.Join(dst, n.name))
		switch {
		case err != nil:
			needMirror = true
		case n.entry.IsSymlink():
			needMirror = true
		case n.entry.IsDir() != info.IsDir():
			needMirror = true
		case info.Mode()&os.ModeSymlink != 0:
			needMirror = true
		}
		if needMirror {
			break
		}
	}
	if needMirror {
		return p.mirror(src, dst, rel, nodes)
	}

	for _, n := range nodes {
		s, d := filepath.Join(src, n.name), filepath.Join(dst, n.name)
		if n.entry.IsDir() && !p.opaque(s) {
			if err := p.dir(s, d, path.Join(rel, n.name)); err != nil {
				return err
			}
			continue
		}
		if err := p.bind(s, d, 0); err != nil {
			return err
		}
	}
	return nil
}

// mirror rebuilds dst on a tmpfs with the module's nodes merged in.
func (p *magicPass) mirror(src, dst, rel string, nodes []magicNode) error {
	info, err := p.o.fs.Stat(dst)
	if err != nil {
		return &nodeError{Path: dst, Err: fmt.Errorf("%w: %v", fsops.ErrFilesystem, err)}
	}
	if !info.IsDir() {
		return &nodeError{Path: dst, Err: fmt.Errorf("%w: not a directory", fsops.ErrFilesystem)}
	}
	if err := p.o.fs.MkdirAll(p.o.workDir, 0700); err != nil {
		return &nodeError{Path: p.o.workDir, Err: err}
	}
	staging, err := os.MkdirTemp(p.o.workDir, "mirror-")
	if err != nil {
		return &nodeError{Path: dst, Err: fmt.Errorf("%w: create staging: %v", ErrMount, err)}
	}
	if err := p.o.mounter.Mount(p.o.source, staging, "tmpfs", 0, "mode=0755"); err != nil {
		_ = os.RemoveAll(staging)
		return &nodeError{Path: dst, Err: err}
	}
	p.record(state.KindTmpfs, "tmpfs", staging, []string{staging})
	if err := p.o.mounter.Mount("", staging, "", FlagPrivate, ""); err != nil {
		return &nodeError{Path: staging, Err: err}
	}
	if err := os.Chmod(staging, info.Mode().Perm()); err != nil {
		return &nodeError{Path: staging, Err: err}
	}
	if err := fsops.CopyLabel(dst, staging); err != nil {
		p.log.Debug().Err(err).Str("path", dst).Msg("could not copy label")
	}

	byName := make(map[string]magicNode, len(nodes))
	for _, n := range nodes {
		byName[n.name] = n
	}
	originals, err := p.o.fs.ReadDir(dst)
	if err != nil {
		return &nodeError{Path: dst, Err: fmt.Errorf("%w: %v", fsops.ErrFilesystem, err)}
	}
	origDirs := make(map[string]bool)
	for _, e := range originals {
		name := string(e.Name)
		if e.IsDir() {
			origDirs[name] = true
		}
		if n, ok := byName[name]; ok && !p.merges(src, n, e.IsDir()) {
			continue
		}
		if err := p.place(filepath.Join(dst, name), filepath.Join(staging, name), e); err != nil {
			return err
		}
	}

	var merged []magicNode
	for _, n := range nodes {
		if p.merges(src, n, origDirs[n.name]) {
			merged = append(merged, n)
			continue
		}
		if err := p.place(filepath.Join(src, n.name), filepath.Join(staging, n.name), n.entry); err != nil {
			return err
		}
	}

	if err := p.bind(staging, dst, FlagRecursive); err != nil {
		return err
	}
	for _, n := range merged {
		if err := p.dir(filepath.Join(src, n.name), filepath.Join(dst, n.name), path.Join(rel, n.name)); err != nil {
			return err
		}
	}
	return nil
}

// merges reports whether module node n combines with an existing
// directory instead of replacing it.
func (p *magicPass) merges(src string, n magicNode, origIsDir bool) bool {
	return origIsDir && n.entry.IsDir() && !p.opaque(filepath.Join(src, n.name))
}

// place recreates from at to inside a mirror. Directories and files are
// bound onto placeholders; symlinks are copied.
func (p *magicPass) place(from, to string, e fsops.Entry) error {
	info, err := p.o.fs.Lstat(from)
	if err != nil {
		return &nodeError{Path: from, Err: fmt.Errorf("%w: %v", fsops.ErrFilesystem, err)}
	}
	switch {
	case e.IsSymlink():
		target, err := p.o.fs.Readlink(from)
		if err != nil {
			return &nodeError{Path: from, Err: err}
		}
		if err := os.Symlink(target, to); err != nil {
			return &nodeError{Path: to, Err: err}
		}
		_ = fsops.CopyLabel(from, to)
		return nil
	case e.IsDir():
		if err := os.Mkdir(to, info.Mode().Perm()); err != nil {
			return &nodeError{Path: to, Err: err}
		}
	default:
		if err := os.WriteFile(to, nil, info.Mode().Perm()); err != nil {
			return &nodeError{Path: to, Err: err}
		}
	}
	_ = fsops.CopyLabel(from, to)
	return p.bind(from, to, 0)
}

func (p *magicPass) bind(src, dst string, extra Flags) error {
	if err := p.o.mounter.Mount(src, dst, "", FlagBind|extra, ""); err != nil {
		return &nodeError{Path: dst, Err: err}
	}
	p.record(state.KindBind, src, dst, nil)
	return nil
}

func (p *magicPass) record(kind, source, target string, scratch []string) {
	p.j.add(state.MountRecord{
		Partition: p.pp.Name,
		Module:    p.layer.Module,
		Kind:      kind,
		Source:    source,
		Target:    target,
		Scratch:   scratch,
	})
}

// opaque reports whether a module directory replaces its target outright.
func (p *magicPass) opaque(dir string) bool {
	if ok, _ := p.o.fs.Exists(filepath.Join(dir, config.ReplaceFile)); ok {
		return true
	}
	v, err := fsops.GetXattr(dir, config.OpaqueXattr)
	return err == nil && string(v) == config.OpaqueMarker
}

// failurePath extracts the live path from a magic mount error.
func failurePath(err error) string {
	var ne *nodeError
	if errors.As(err, &ne) {
		return ne.Path
	}
	return ""
}
