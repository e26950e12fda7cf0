package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/rules"
)

// Strategy is how a layer is attached.
type Strategy string

const (
	// StrategyOverlay mounts the layer as one OverlayFS union.
	StrategyOverlay Strategy = "overlay"

	// StrategyMagic bind-mounts the layer node by node.
	StrategyMagic Strategy = "magic"
)

// PartitionTarget is a partition root on the live tree.
type PartitionTarget struct {
	// Name is the partition directory name inside modules (e.g. "vendor")
	Name string `json:"name"`

	// Target is the resolved absolute mount target (e.g. "/system/vendor")
	Target string `json:"target"`
}

// Layer is one module's contribution to one partition.
type Layer struct {
	// Module is the module id
	Module string `json:"module"`

	// Source is the module's partition directory
	Source string `json:"source"`

	// Strategy is how the layer is attached
	Strategy Strategy `json:"strategy"`

	// Rules are the module's rules, used by magic to resolve each node
	Rules *rules.ModuleRules `json:"-"`
}

// PartitionPlan lists the layers of one partition in mount order. Later
// layers are mounted on top of earlier ones.
type PartitionPlan struct {
	PartitionTarget
	Layers []Layer `json:"layers"`
}

// MountPlan is the full plan for one pass.
type MountPlan struct {
	// Partitions are sorted outer target first, then by name
	Partitions []PartitionPlan `json:"partitions"`

	// Order is the module mount order shared by every partition
	Order []string `json:"order"`
}

// Modules returns the ids of modules with at least one layer.
func (p *MountPlan) Modules() []string {
	seen := map[string]bool{}
	var out []string
	for _, part := range p.Partitions {
		for _, l := range part.Layers {
			if !seen[l.Module] {
				seen[l.Module] = true
				out = append(out, l.Module)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Chains groups partition indexes whose targets nest inside one another
// (e.g. /system and /system/product). Each chain is in plan order, so an
// outer target precedes the targets below it. Distinct chains share no
// part of the tree and can mount concurrently.
func (p *MountPlan) Chains() [][]int {
	chainOf := make([]int, len(p.Partitions))
	var chains [][]int
	for i, part := range p.Partitions {
		chainOf[i] = -1
		for j := 0; j < i; j++ {
			if nested(p.Partitions[j].Target, part.Target) {
				chainOf[i] = chainOf[j]
				break
			}
		}
		if chainOf[i] < 0 {
			chainOf[i] = len(chains)
			chains = append(chains, nil)
		}
		chains[chainOf[i]] = append(chains[chainOf[i]], i)
	}
	return chains
}

// nested reports whether one of a and b contains the other.
func nested(a, b string) bool {
	return within(a, b) || within(b, a)
}

func within(outer, inner string) bool {
	outer = filepath.Clean(outer)
	inner = filepath.Clean(inner)
	if outer == inner || outer == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(inner, outer+string(filepath.Separator))
}

func depth(target string) int {
	return strings.Count(filepath.Clean(target), string(filepath.Separator))
}

// String renders the plan for logs and dry runs.
func (p *MountPlan) String() string {
	var b strings.Builder
	for _, part := range p.Partitions {
		fmt.Fprintf(&b, "%s -> %s\n", part.Name, part.Target)
		for i, l := range part.Layers {
			fmt.Fprintf(&b, "  %d. %-8s %s (%s)\n", i+1, l.Strategy, l.Module, l.Source)
		}
	}
	return b.String()
}

// ResolveTargets maps partition names to absolute targets under sysroot,
// following symlinks (on many devices /product -> /system/product).
// Partitions that do not exist on the device are left out.
func ResolveTargets(sysroot string, names []string) []PartitionTarget {
	var out []PartitionTarget
	seen := map[string]bool{}
	for _, name := range names {
		candidate := filepath.Join(sysroot, name)
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, PartitionTarget{Name: name, Target: resolved})
	}
	return out
}

// MountOrder sorts module ids into mount order: ids listed in priority
// come first in listed order, the rest follow by id.
func MountOrder(ids []string, priority []string) []string {
	rank := make(map[string]int, len(priority))
	for i, id := range priority {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// LayerStrategy decides how a module attaches to partition. A partition
// whose paths all resolve to one mode uses that mode directly; mixed rules
// force per-node magic. ok is false when the whole partition is ignored.
func LayerStrategy(r *rules.ModuleRules, partition string) (s Strategy, ok bool) {
	mode, uniform := r.Uniform(partition)
	if !uniform {
		return StrategyMagic, true
	}
	switch mode {
	case rules.Ignore:
		return "", false
	case rules.Magic:
		return StrategyMagic, true
	default:
		return StrategyOverlay, true
	}
}

// Build produces the plan for the active modules. ruleSet must hold rules
// for every module; a missing entry means default rules.
func Build(mods []modules.Module, ruleSet map[string]*rules.ModuleRules, targets []PartitionTarget, priority []string) *MountPlan {
	byID := make(map[string]modules.Module, len(mods))
	var ids []string
	for _, m := range mods {
		if !m.Active() {
			continue
		}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	order := MountOrder(ids, priority)

	plan := &MountPlan{Order: order}
	for _, target := range targets {
		pp := PartitionPlan{PartitionTarget: target}
		for _, id := range order {
			m := byID[id]
			if !hasPartition(m, target.Name) {
				continue
			}
			r := ruleSet[id]
			if r == nil {
				r = rules.Default()
				r.DefaultMode = m.Mode
			}
			strategy, ok := LayerStrategy(r, target.Name)
			if !ok {
				continue
			}
			pp.Layers = append(pp.Layers, Layer{
				Module:   id,
				Source:   m.PartitionDir(target.Name),
				Strategy: strategy,
				Rules:    r,
			})
		}
		if len(pp.Layers) > 0 {
			plan.Partitions = append(plan.Partitions, pp)
		}
	}
	sort.Slice(plan.Partitions, func(i, j int) bool {
		a, b := plan.Partitions[i], plan.Partitions[j]
		if da, db := depth(a.Target), depth(b.Target); da != db {
			return da < db
		}
		return a.Name < b.Name
	})
	return plan
}

func hasPartition(m modules.Module, partition string) bool {
	for _, p := range m.Partitions {
		if p == partition {
			return true
		}
	}
	return false
}
