package granary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danieljhkim/metahybrid/internal/clock"
	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/hash"
	"github.com/danieljhkim/metahybrid/internal/logging"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/rules"
)

// spaceMargin is the free space kept beyond a silo's payload.
const spaceMargin = 1 << 20

// Sources are the locations a silo covers.
type Sources struct {
	// Files are captured individually; a missing file is recorded absent
	Files []string

	// Dirs are captured flat (regular files only)
	Dirs []string

	// ModuleDir is scanned for disable/skip_mount markers
	ModuleDir string
}

// Options configure a Granary.
type Options struct {
	// Root is the silo storage directory
	Root string

	Sources Sources

	// MaxSilos bounds the number of automatic silos; 0 keeps all
	MaxSilos int

	Clock  clock.Clock
	Hasher hash.Hasher

	// Usage reports free space; defaults to fsops.StatUsage
	Usage func(path string) (*fsops.Usage, error)
}

// Granary manages silos under one root directory.
type Granary struct {
	fs       fsops.FS
	root     string
	sources  Sources
	maxSilos int
	clock    clock.Clock
	hasher   hash.Hasher
	usage    func(path string) (*fsops.Usage, error)
	log      zerolog.Logger
}

// New creates a Granary.
func New(fs fsops.FS, opts Options) *Granary {
	g := &Granary{
		fs:       fs,
		root:     opts.Root,
		sources:  opts.Sources,
		maxSilos: opts.MaxSilos,
		clock:    opts.Clock,
		hasher:   opts.Hasher,
		usage:    opts.Usage,
		log:      logging.Get("granary"),
	}
	if g.clock == nil {
		g.clock = clock.System{}
	}
	if g.hasher == nil {
		g.hasher = hash.NewSHA256Hasher()
	}
	if g.usage == nil {
		g.usage = fsops.StatUsage
	}
	return g
}

// Root returns the silo storage directory.
func (g *Granary) Root() string {
	return g.root
}

type captured struct {
	path    string
	data    []byte
	mode    os.FileMode
	present bool
}

// Create captures the covered locations into a new silo. Nothing is left
// behind when it fails.
func (g *Granary) Create(ctx context.Context, reason, label string) (*Silo, error) {
	if err := g.fs.MkdirAll(g.root, 0755); err != nil {
		return nil, fmt.Errorf("%w: create granary: %v", ErrIO, err)
	}

	caps, err := g.capture()
	if err != nil {
		return nil, err
	}
	var total int64
	for _, c := range caps {
		total += int64(len(c.data))
	}

	u, err := g.usage(g.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if u.Free < uint64(total)+spaceMargin {
		return nil, fmt.Errorf("%w: insufficient space for silo: need %d bytes, %d free", ErrIO, uint64(total)+spaceMargin, u.Free)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: generate silo id: %v", ErrIO, err)
	}
	now := g.clock.Now()
	if label == "" {
		label = "silo-" + now.UTC().Format("20060102-150405")
	}
	silo := &Silo{
		ID:        id.String(),
		Label:     label,
		Reason:    reason,
		Timestamp: now.Unix(),
		Automatic: IsAutomatic(reason),
		Dirs:      append([]string{}, g.sources.Dirs...),
		Files:     []FileEntry{},
		Size:      total,
	}

	staging, err := os.MkdirTemp(g.root, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("%w: create staging: %v", ErrIO, err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := g.fs.RemoveAll(staging); err != nil {
				g.log.Warn().Err(err).Str("staging", staging).Msg("failed to remove staging directory")
			}
		}
	}()

	for i, c := range caps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := FileEntry{Path: c.path, Present: c.present}
		if c.present {
			entry.Data = fmt.Sprintf("%04d", i)
			entry.Mode = uint32(c.mode.Perm())
			entry.Size = int64(len(c.data))
			entry.SHA256 = g.hasher.HashBytes(c.data)
			if err := g.fs.AtomicWrite(filepath.Join(staging, "data", entry.Data), c.data, 0600); err != nil {
				return nil, fmt.Errorf("%w: write payload for %s: %v", ErrIO, c.path, err)
			}
		}
		silo.Files = append(silo.Files, entry)
	}

	silo.Markers, err = g.markers()
	if err != nil {
		return nil, err
	}

	manifest, err := json.MarshalIndent(silo, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := g.fs.AtomicWrite(filepath.Join(staging, ManifestFile), manifest, 0644); err != nil {
		return nil, fmt.Errorf("%w: write manifest: %v", ErrIO, err)
	}
	if err := g.fs.Rename(staging, filepath.Join(g.root, silo.ID)); err != nil {
		return nil, fmt.Errorf("%w: commit silo: %v", ErrIO, err)
	}
	committed = true

	g.log.Info().Str("silo", silo.ID).Str("reason", reason).Int("files", len(silo.Files)).Msg("silo created")
	if silo.Automatic {
		if _, err := g.Prune(); err != nil {
			g.log.Warn().Err(err).Msg("failed to prune automatic silos")
		}
	}
	return silo, nil
}

// capture reads every covered file into memory.
func (g *Granary) capture() ([]captured, error) {
	var out []captured
	read := func(path string) error {
		info, err := g.fs.Lstat(path)
		if err != nil {
			if os.IsNotExist(err) {
				out = append(out, captured{path: path})
				return nil
			}
			return fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
		}
		data, err := g.fs.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
		}
		out = append(out, captured{path: path, data: data, mode: info.Mode(), present: true})
		return nil
	}

	for _, f := range g.sources.Files {
		if err := read(f); err != nil {
			return nil, err
		}
	}
	for _, dir := range g.sources.Dirs {
		entries, err := g.fs.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: read %s: %v", ErrIO, dir, err)
		}
		for _, e := range entries {
			if !e.IsRegular() {
				continue
			}
			if !e.Name.Valid() {
				g.log.Warn().Str("dir", dir).Str("name", e.Name.String()).Msg("skipping entry with non-UTF-8 name")
				continue
			}
			if err := read(filepath.Join(dir, string(e.Name))); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// markers records the disable/skip_mount state of every module.
func (g *Granary) markers() ([]MarkerState, error) {
	out := []MarkerState{}
	if g.sources.ModuleDir == "" {
		return out, nil
	}
	entries, err := g.fs.ReadDir(g.sources.ModuleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, g.sources.ModuleDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() || !e.Name.Valid() {
			continue
		}
		id := string(e.Name)
		if id == modules.SelfID || rules.ValidateModuleID(id) != nil {
			continue
		}
		modPath := filepath.Join(g.sources.ModuleDir, id)
		disabled, _ := g.fs.Exists(filepath.Join(modPath, config.DisableFile))
		skip, _ := g.fs.Exists(filepath.Join(modPath, config.SkipMountFile))
		out = append(out, MarkerState{Module: id, Disabled: disabled, Skip: skip})
	}
	return out, nil
}

// Get loads one silo.
func (g *Granary) Get(id string) (*Silo, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := g.fs.ReadFile(filepath.Join(g.root, id, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: read manifest: %v", ErrIO, err)
	}
	var silo Silo
	if err := json.Unmarshal(data, &silo); err != nil {
		return nil, fmt.Errorf("%w: silo %s has a corrupt manifest: %v", ErrIO, id, err)
	}
	silo.Automatic = IsAutomatic(silo.Reason)
	return &silo, nil
}

// List returns all silos, newest first.
func (g *Granary) List() ([]Silo, error) {
	entries, err := g.fs.ReadDir(g.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Silo{}, nil
		}
		return nil, fmt.Errorf("%w: read granary: %v", ErrIO, err)
	}
	silos := []Silo{}
	for _, e := range entries {
		name := string(e.Name)
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		silo, err := g.Get(name)
		if err != nil {
			g.log.Warn().Err(err).Str("silo", e.Name.String()).Msg("skipping unreadable silo")
			continue
		}
		silos = append(silos, *silo)
	}
	sort.Slice(silos, func(i, j int) bool {
		if silos[i].Timestamp != silos[j].Timestamp {
			return silos[i].Timestamp > silos[j].Timestamp
		}
		return silos[i].ID > silos[j].ID
	})
	return silos, nil
}

// Restore writes a silo back over the covered locations. Every payload is
// verified first; a corrupt silo changes nothing. A write failure part way
// returns ErrIO and leaves the covered locations in an unspecified state.
func (g *Granary) Restore(ctx context.Context, id string) error {
	silo, err := g.Get(id)
	if err != nil {
		return err
	}
	dir := filepath.Join(g.root, silo.ID, "data")
	for _, f := range silo.Files {
		if !f.Present {
			continue
		}
		if err := hash.Verify(g.hasher, filepath.Join(dir, f.Data), f.SHA256); err != nil {
			return fmt.Errorf("%w: silo %s is corrupt: %v", ErrIO, id, err)
		}
	}

	var failed []error
	keep := make(map[string]bool, len(silo.Files))
	for _, f := range silo.Files {
		if err := ctx.Err(); err != nil {
			failed = append(failed, err)
			break
		}
		keep[f.Path] = true
		if err := g.restoreFile(dir, f); err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		failed = append(failed, g.pruneDirs(silo.Dirs, keep)...)
		failed = append(failed, g.restoreMarkers(silo.Markers)...)
	}

	if len(failed) > 0 {
		g.log.Error().Errs("errors", failed).Str("silo", id).Msg("restore incomplete")
		return fmt.Errorf("%w: %w: silo %s: %w", ErrIO, ErrIncomplete, id, errors.Join(failed...))
	}
	g.log.Info().Str("silo", id).Msg("silo restored")
	return nil
}

func (g *Granary) restoreFile(dir string, f FileEntry) error {
	if !f.Present {
		if err := g.fs.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", f.Path, err)
		}
		return nil
	}
	data, err := g.fs.ReadFile(filepath.Join(dir, f.Data))
	if err != nil {
		return fmt.Errorf("read payload for %s: %w", f.Path, err)
	}
	if err := g.fs.AtomicWrite(f.Path, data, os.FileMode(f.Mode)); err != nil {
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	return nil
}

// pruneDirs removes files in covered directories the silo does not hold.
func (g *Granary) pruneDirs(dirs []string, keep map[string]bool) []error {
	var errs []error
	for _, d := range dirs {
		entries, err := g.fs.ReadDir(d)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("read %s: %w", d, err))
			}
			continue
		}
		for _, e := range entries {
			p := filepath.Join(d, string(e.Name))
			if !e.IsRegular() || keep[p] {
				continue
			}
			if err := g.fs.Remove(p); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
			}
		}
	}
	return errs
}

func (g *Granary) restoreMarkers(markers []MarkerState) []error {
	var errs []error
	for _, m := range markers {
		modPath := filepath.Join(g.sources.ModuleDir, m.Module)
		if ok, _ := g.fs.Exists(modPath); !ok {
			g.log.Debug().Str("module", m.Module).Msg("module gone, skipping marker restore")
			continue
		}
		for name, want := range map[string]bool{config.DisableFile: m.Disabled, config.SkipMountFile: m.Skip} {
			if err := g.setMarker(filepath.Join(modPath, name), want); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

func (g *Granary) setMarker(path string, want bool) error {
	has, err := g.fs.Exists(path)
	if err != nil {
		return err
	}
	switch {
	case want && !has:
		return g.fs.AtomicWrite(path, nil, 0644)
	case !want && has:
		return g.fs.Remove(path)
	}
	return nil
}

// Delete removes a silo. Deleting an absent id succeeds.
func (g *Granary) Delete(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	dir := filepath.Join(g.root, id)
	if ok, _ := g.fs.Exists(dir); !ok {
		return nil
	}
	if err := g.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: delete silo %s: %v", ErrIO, id, err)
	}
	g.log.Info().Str("silo", id).Msg("silo deleted")
	return nil
}

// Prune deletes the oldest automatic silos beyond the retention limit.
// Manual silos are never pruned.
func (g *Granary) Prune() (int, error) {
	if g.maxSilos <= 0 {
		return 0, nil
	}
	silos, err := g.List()
	if err != nil {
		return 0, err
	}
	kept, pruned := 0, 0
	for _, s := range silos {
		if !s.Automatic {
			continue
		}
		kept++
		if kept <= g.maxSilos {
			continue
		}
		if err := g.Delete(s.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
