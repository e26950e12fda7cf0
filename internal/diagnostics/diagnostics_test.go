package diagnostics

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/hymo"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/planner"
	"github.com/danieljhkim/metahybrid/internal/state"
)

func TestHealthyStateHasNoIssues(t *testing.T) {
	st := state.NewRuntimeState()
	st.Journal = []state.MountRecord{{Seq: 1, Partition: "system", Module: "a", Kind: state.KindOverlay}}
	issues := Check(Input{
		Storage: &fsops.Usage{Percent: 40, Type: "ext4"},
		Scan:    &modules.ScanResult{Modules: []modules.Module{{ID: "a"}}},
		Runtime: st,
		Hymo:    &hymo.Status{Available: true},
	})
	assert.Empty(t, issues)
	assert.Equal(t, Info, Worst(issues))
}

func TestCheckOrdersBySeverity(t *testing.T) {
	st := state.NewRuntimeState()
	st.Failures = []state.FailureRecord{{Module: "b", Partition: "vendor", Path: "/vendor/lib/x.so", Error: "permission denied"}}
	st.RestoreFailure = &state.RestoreFailure{Silo: "s1", Error: "write failed", At: time.Unix(1, 0)}

	issues := Check(Input{
		Storage: &fsops.Usage{Percent: 90, Type: "f2fs"},
		Scan: &modules.ScanResult{
			Modules:     []modules.Module{{ID: "a"}},
			Quarantined: []modules.Quarantined{{ID: "broken", Reason: "malformed module.prop"}},
		},
		Runtime: st,
		Conflicts: []planner.ConflictEntry{
			{Partition: "system", RelativePath: "fonts/Roboto.ttf", ContendingModules: []string{"A", "B"}, Severity: planner.SeverityWarning},
			{Partition: "system", RelativePath: "etc/hosts", ContendingModules: []string{"A", "C"}, Severity: planner.SeverityInfo},
		},
		HymoErr: errors.New("exec failed"),
	})

	require.NotEmpty(t, issues)
	assert.Equal(t, Critical, Worst(issues))
	assert.Equal(t, Critical, issues[0].Level)
	assert.Equal(t, "granary:s1", issues[0].Context)

	byContext := map[string]Issue{}
	for _, i := range issues {
		byContext[i.Context+"|"+i.Message] = i
	}
	assert.Contains(t, byContext, "storage|storage 90% full (f2fs)")
	assert.Contains(t, byContext, "module:broken|quarantined: malformed module.prop")
	assert.Contains(t, byContext, "mount:b|mount failed at /vendor/lib/x.so: permission denied")
	assert.Contains(t, byContext, "conflict:system|fonts/Roboto.ttf is contributed by A, B")
	assert.Equal(t, Info, byContext["conflict:system|etc/hosts is contributed by A, C"].Level)
	assert.Contains(t, byContext, "mount|1 active modules but nothing is mounted")
	assert.Contains(t, byContext, "hymo|enforcer query failed: exec failed")

	for i := 1; i < len(issues); i++ {
		assert.GreaterOrEqual(t, issues[i-1].Level, issues[i].Level)
	}
}

func TestStorageLevels(t *testing.T) {
	assert.Equal(t, Critical, Check(Input{Storage: &fsops.Usage{Percent: 97}})[0].Level)
	assert.Equal(t, Warning, Check(Input{StorageErr: errors.New("statfs failed")})[0].Level)
	assert.Empty(t, Check(Input{Storage: &fsops.Usage{Percent: 84}}))
}

func TestHymoAbsentIsInfo(t *testing.T) {
	issues := Check(Input{Hymo: &hymo.Status{Available: false}})
	require.Len(t, issues, 1)
	assert.Equal(t, Info, issues[0].Level)
}

func TestLevelJSON(t *testing.T) {
	data, err := json.Marshal(Issue{Level: Critical, Context: "storage", Message: "full"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"Critical","context":"storage","message":"full"}`, string(data))

	var back Issue
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Critical, back.Level)

	var l Level
	assert.Error(t, l.UnmarshalText([]byte("fatal")))
}
