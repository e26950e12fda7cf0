package modules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/rules"
)

func writeModule(t *testing.T, root, id, prop string, files ...string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if prop != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, config.PropFile), []byte(prop), 0644))
	}
	for _, f := range files {
		p := filepath.Join(dir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0644))
	}
	return dir
}

func newTestRegistry(t *testing.T, modDir string) (*Registry, *rules.Store) {
	t.Helper()
	fs := fsops.NewRealFS()
	store := rules.NewStore(fs, filepath.Join(t.TempDir(), "rules"))
	return NewRegistry(fs, modDir, store, config.BuiltinPartitions), store
}

func TestParseProp(t *testing.T) {
	p, err := ParseProp(strings.NewReader("\ufeffid=fonts\nname = Fonts \n# comment\n\nversion=v1.2\nversionCode=120\nauthor=me\ndescription=a=b\nextra=ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, &Prop{ID: "fonts", Name: "Fonts", Version: "v1.2", VersionCode: 120, Author: "me", Description: "a=b"}, p)

	_, err = ParseProp(strings.NewReader("id=x\nthis line has no separator\n"))
	assert.Error(t, err)

	_, err = ParseProp(strings.NewReader("versionCode=12a\n"))
	assert.Error(t, err)
}

func TestScan(t *testing.T) {
	modDir := t.TempDir()
	writeModule(t, modDir, "beta", "id=beta\nname=Beta\n", "system/fonts/Roboto.ttf", "vendor/etc/x.conf")
	writeModule(t, modDir, "alpha", "id=alpha\nversionCode=3\n", "system/bin/tool")
	disabled := writeModule(t, modDir, "gamma", "id=gamma\n", "product/app/x.apk")
	require.NoError(t, os.WriteFile(filepath.Join(disabled, config.DisableFile), nil, 0644))
	writeModule(t, modDir, "mismatch", "id=other\n", "system/a")
	writeModule(t, modDir, "broken_prop", "id=broken_prop\nversionCode=soon\n")
	writeModule(t, modDir, SelfID, "id=meta-hybrid\n", "system/x")
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "stray-file"), nil, 0644))

	reg, store := newTestRegistry(t, modDir)
	require.NoError(t, store.Save("beta", &rules.ModuleRules{DefaultMode: rules.Magic}))

	res, err := reg.Scan()
	require.NoError(t, err)

	ids := make([]string, 0, len(res.Modules))
	for _, m := range res.Modules {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, ids)

	alpha := res.Modules[0]
	assert.Equal(t, "alpha", alpha.Name, "name defaults to id")
	assert.Equal(t, int64(3), alpha.VersionCode)
	assert.Equal(t, []string{"system"}, alpha.Partitions)
	assert.Equal(t, rules.Overlay, alpha.Mode)

	beta := res.Modules[1]
	assert.Equal(t, []string{"system", "vendor"}, beta.Partitions)
	assert.Equal(t, rules.Magic, beta.Mode)

	assert.True(t, res.Modules[2].Disabled)
	assert.Len(t, res.Active(), 2)

	quarantined := map[string]string{}
	for _, q := range res.Quarantined {
		quarantined[q.ID] = q.Reason
	}
	assert.Len(t, quarantined, 2)
	assert.Contains(t, quarantined["mismatch"], "does not match")
	assert.Contains(t, quarantined["broken_prop"], "versionCode")
}

func TestScanSkipsInvalidNames(t *testing.T) {
	modDir := t.TempDir()
	writeModule(t, modDir, "good_mod", "", "system/a")
	bad := filepath.Join(modDir, string([]byte{'m', 0xff, 'd'}))
	if err := os.MkdirAll(bad, 0755); err != nil {
		t.Skipf("filesystem rejects non-UTF-8 names: %v", err)
	}

	reg, _ := newTestRegistry(t, modDir)
	res, err := reg.Scan()
	require.NoError(t, err)
	require.Len(t, res.Modules, 1)
	assert.Equal(t, "good_mod", res.Modules[0].ID)
	assert.Empty(t, res.Quarantined)
}

func TestScanMissingDir(t *testing.T) {
	reg, _ := newTestRegistry(t, filepath.Join(t.TempDir(), "nope"))
	res, err := reg.Scan()
	require.NoError(t, err)
	assert.Empty(t, res.Modules)
}

func TestMarkMounted(t *testing.T) {
	res := &ScanResult{Modules: []Module{{ID: "a"}, {ID: "b"}}}
	res.MarkMounted(map[string]bool{"b": true})
	assert.False(t, res.Modules[0].IsMounted)
	assert.True(t, res.Modules[1].IsMounted)
}
