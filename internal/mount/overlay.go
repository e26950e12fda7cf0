package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danieljhkim/metahybrid/internal/planner"
	"github.com/danieljhkim/metahybrid/internal/state"
)

// OverlayOptions are the options of one overlay union.
type OverlayOptions struct {
	// Lower lists lower directories, topmost first
	Lower []string

	// Upper and Work are the private writable directories
	Upper string
	Work  string
}

// Data renders the options as an overlay mount data string.
func (o OverlayOptions) Data() string {
	lowers := make([]string, len(o.Lower))
	for i, l := range o.Lower {
		lowers[i] = escapeOverlayPath(l)
	}
	parts := []string{"lowerdir=" + strings.Join(lowers, ":")}
	if o.Upper != "" {
		parts = append(parts, "upperdir="+escapeOverlayPath(o.Upper), "workdir="+escapeOverlayPath(o.Work))
	}
	return strings.Join(parts, ",")
}

// escapeOverlayPath escapes the separators overlayfs splits its options on.
func escapeOverlayPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `,`, `\,`)
	return r.Replace(p)
}

// splitOverlayOptions splits a data string on unescaped commas.
func splitOverlayOptions(s string) []string {
	var out []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			cur.WriteByte(s[i])
			cur.WriteByte(s[i+1])
			i++
		case s[i] == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// mountOverlay stacks one module's union on the partition target. The
// current contents of the target become the bottom lower directory, so
// every earlier layer stays visible underneath.
func (o *Orchestrator) mountOverlay(pp planner.PartitionPlan, layer planner.Layer, j *journal) error {
	if j.has(state.KindOverlay, layer.Module, layer.Source, pp.Target) {
		o.log.Debug().Str("module", layer.Module).Str("target", pp.Target).Msg("overlay already mounted")
		return errAlreadyMounted
	}
	if o.table.OverlayWithLower(pp.Target, layer.Source) {
		j.add(state.MountRecord{
			Partition: pp.Name,
			Module:    layer.Module,
			Kind:      state.KindOverlay,
			Source:    layer.Source,
			Target:    pp.Target,
		})
		o.log.Info().Str("module", layer.Module).Str("target", pp.Target).Msg("adopted existing overlay")
		return errAlreadyMounted
	}

	if err := os.MkdirAll(o.workDir, 0700); err != nil {
		return fmt.Errorf("%w: create work dir: %v", ErrMount, err)
	}
	scratch, err := os.MkdirTemp(o.workDir, "ovl-"+layer.Module+"-")
	if err != nil {
		return fmt.Errorf("%w: create overlay scratch: %v", ErrMount, err)
	}
	opts := OverlayOptions{
		Lower: []string{layer.Source, pp.Target},
		Upper: filepath.Join(scratch, "upper"),
		Work:  filepath.Join(scratch, "work"),
	}
	for _, d := range []string{opts.Upper, opts.Work} {
		if err := os.Mkdir(d, 0755); err != nil {
			_ = os.RemoveAll(scratch)
			return fmt.Errorf("%w: create %s: %v", ErrMount, d, err)
		}
	}

	data := opts.Data()
	if err := o.mounter.Mount(o.source, pp.Target, "overlay", 0, data); err != nil {
		_ = os.RemoveAll(scratch)
		if overlayUnsupported(err) {
			return fmt.Errorf("%w: %v", ErrOverlayUnsupported, err)
		}
		return err
	}
	j.add(state.MountRecord{
		Partition: pp.Name,
		Module:    layer.Module,
		Kind:      state.KindOverlay,
		Source:    layer.Source,
		Target:    pp.Target,
		Data:      data,
		Scratch:   []string{scratch},
	})
	o.log.Info().Str("module", layer.Module).Str("target", pp.Target).Msg("overlay mounted")
	return nil
}
