// Package diagnostics turns module, storage, mount and Hymo state into a
// list of operator-facing issues.
package diagnostics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/hymo"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/planner"
	"github.com/danieljhkim/metahybrid/internal/state"
)

// Level is the severity of an issue.
type Level uint8

const (
	Info Level = iota
	Warning
	Critical
)

// Storage thresholds, in percent used.
const (
	storageWarnPercent     = 85
	storageCriticalPercent = 95
)

func (l Level) String() string {
	switch l {
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Critical:
		return "Critical"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name, case-insensitively.
func (l *Level) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "info":
		*l = Info
	case "warning":
		*l = Warning
	case "critical":
		*l = Critical
	default:
		return fmt.Errorf("unknown diagnostic level %q", text)
	}
	return nil
}

// Issue is one diagnostic finding.
type Issue struct {
	Level   Level  `json:"level"`
	Context string `json:"context"`
	Message string `json:"message"`
}

// Input is the state the checks read. Nil fields are skipped.
type Input struct {
	Storage    *fsops.Usage
	StorageErr error

	Scan      *modules.ScanResult
	Runtime   *state.RuntimeState
	Conflicts []planner.ConflictEntry

	Hymo    *hymo.Status
	HymoErr error
}

// Check runs every check and returns issues, most severe first.
func Check(in Input) []Issue {
	out := []Issue{}
	add := func(l Level, ctx, format string, args ...interface{}) {
		out = append(out, Issue{Level: l, Context: ctx, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case in.StorageErr != nil:
		add(Warning, "storage", "storage unavailable: %v", in.StorageErr)
	case in.Storage != nil && in.Storage.Percent >= storageCriticalPercent:
		add(Critical, "storage", "storage %d%% full (%s)", in.Storage.Percent, in.Storage.Type)
	case in.Storage != nil && in.Storage.Percent >= storageWarnPercent:
		add(Warning, "storage", "storage %d%% full (%s)", in.Storage.Percent, in.Storage.Type)
	}

	if in.Scan != nil {
		for _, q := range in.Scan.Quarantined {
			add(Warning, "module:"+q.ID, "quarantined: %s", q.Reason)
		}
	}

	if in.Runtime != nil {
		for _, f := range in.Runtime.Failures {
			where := f.Partition
			if f.Path != "" {
				where = f.Path
			}
			add(Warning, "mount:"+f.Module, "mount failed at %s: %s", where, f.Error)
		}
		if rf := in.Runtime.RestoreFailure; rf != nil {
			add(Critical, "granary:"+rf.Silo, "restore incomplete, covered state is unspecified; retry or restore another silo: %s", rf.Error)
		}
		if in.Scan != nil && len(in.Scan.Active()) > 0 && len(in.Runtime.Journal) == 0 {
			add(Info, "mount", "%d active modules but nothing is mounted", len(in.Scan.Active()))
		}
	}

	for _, c := range in.Conflicts {
		level := Warning
		if c.Severity == planner.SeverityInfo {
			level = Info
		}
		add(level, "conflict:"+c.Partition, "%s is contributed by %s", c.RelativePath, strings.Join(c.ContendingModules, ", "))
	}

	switch {
	case in.HymoErr != nil:
		add(Warning, "hymo", "enforcer query failed: %v", in.HymoErr)
	case in.Hymo != nil && !in.Hymo.Available:
		add(Info, "hymo", "enforcer not present; rules compile but are not applied")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Context < out[j].Context
	})
	return out
}

// Worst returns the highest level among issues, or Info when empty.
func Worst(issues []Issue) Level {
	worst := Info
	for _, i := range issues {
		if i.Level > worst {
			worst = i.Level
		}
	}
	return worst
}
