package hymo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danieljhkim/metahybrid/internal/clock"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/rules"
	"github.com/danieljhkim/metahybrid/internal/state"
)

const sampleSpec = `
redirects:
  - src: /system/etc/hosts
    target: /data/adb/hosts
  - src: /system/app/Gone/
    target: /dev/null
    type: directory
hides:
  - /system/xbin/su
  - /system/bin/magisk
  - /system/xbin/su
injects:
  - /system/etc/init/extra.rc
`

func TestCompile(t *testing.T) {
	spec, err := ParseSpec([]byte(sampleSpec))
	require.NoError(t, err)

	rs, err := Compile(spec)
	require.NoError(t, err)
	assert.Equal(t, ProtocolInject, rs.ProtocolVersion)
	assert.Equal(t, []Redirect{
		{Src: "/system/etc/hosts", Target: "/data/adb/hosts", Type: RedirectFile},
		{Src: "/system/app/Gone", Target: "/dev/null", Type: RedirectDirectory},
	}, rs.Redirects)
	assert.Equal(t, []string{"/system/bin/magisk", "/system/xbin/su"}, rs.Hides)
	assert.Equal(t, []string{"/system/etc/init/extra.rc"}, rs.Injects)
	assert.Empty(t, rs.XattrSBS)
	assert.False(t, rs.Empty())
}

func TestCompileProtocolLevels(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want int
	}{
		{"empty", Spec{}, 0},
		{"file redirect", Spec{Redirects: []Redirect{{Src: "/a", Target: "/b"}}}, ProtocolRedirect},
		{"hide", Spec{Hides: []string{"/a"}}, ProtocolHide},
		{"symlink redirect", Spec{Redirects: []Redirect{{Src: "/a", Target: "/b", Type: RedirectSymlink}}}, ProtocolSymlinkRedirect},
		{"xattr", Spec{XattrSBS: []string{"DEADbeef", "deadbeef"}}, ProtocolXattrSBS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := Compile(&tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rs.ProtocolVersion)
		})
	}

	rs, err := Compile(&Spec{XattrSBS: []string{"DEADbeef", "deadbeef", "00"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"00", "deadbeef"}, rs.XattrSBS)
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"relative hide", Spec{Hides: []string{"system/xbin/su"}}},
		{"traversal", Spec{Injects: []string{"/system/../data"}}},
		{"empty redirect target", Spec{Redirects: []Redirect{{Src: "/a"}}}},
		{"bad type", Spec{Redirects: []Redirect{{Src: "/a", Target: "/b", Type: "socket"}}}},
		{"conflicting redirect", Spec{Redirects: []Redirect{{Src: "/a", Target: "/b"}, {Src: "/a", Target: "/c"}}}},
		{"odd hex", Spec{XattrSBS: []string{"abc"}}},
		{"non hex", Spec{XattrSBS: []string{"zz"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(&tt.spec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, rules.ErrValidation))
		})
	}
}

func TestLoadSpecMissingFile(t *testing.T) {
	spec, err := LoadSpec(fsops.NewRealFS(), filepath.Join(t.TempDir(), "hymo_rules.yaml"))
	require.NoError(t, err)
	rs, err := Compile(spec)
	require.NoError(t, err)
	assert.True(t, rs.Empty())
}

func TestParseSpecInvalidYAML(t *testing.T) {
	_, err := ParseSpec([]byte("hides: [unterminated"))
	assert.ErrorIs(t, err, rules.ErrValidation)
}

func newCompiler(t *testing.T, e Enforcer) (*Compiler, *state.FileStateStore) {
	t.Helper()
	dir := t.TempDir()
	store := state.NewFileStateStore(fsops.NewRealFS(), filepath.Join(dir, "daemon_state.json"), filepath.Join(dir, "hymo_state.json"))
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewCompiler(e, store, clk), store
}

func TestPushBumpsVersion(t *testing.T) {
	fake := NewFakeEnforcer(6)
	c, store := newCompiler(t, fake)
	rs, err := Compile(&Spec{Hides: []string{"/system/xbin/su"}})
	require.NoError(t, err)

	v1, err := c.Push(context.Background(), rs)
	require.NoError(t, err)
	v2, err := c.Push(context.Background(), rs)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)
	assert.Equal(t, uint64(2), fake.ActiveVersion())
	assert.Equal(t, 1, fake.Capabilities, "protocol is negotiated once")

	st, err := store.LoadHymo()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.ConfigVersion)
	assert.Equal(t, 6, st.ProtocolVersion)
	assert.Equal(t, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), st.LastPush)

	// The counter survives a restart.
	c2 := NewCompiler(fake, store, nil)
	v3, err := c2.Push(context.Background(), rs)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v3)
}

func TestPushUnsupportedProtocol(t *testing.T) {
	fake := NewFakeEnforcer(5)
	c, store := newCompiler(t, fake)

	old, err := Compile(&Spec{Hides: []string{"/system/xbin/su"}})
	require.NoError(t, err)
	_, err = c.Push(context.Background(), old)
	require.NoError(t, err)

	rs, err := Compile(&Spec{XattrSBS: []string{"deadbeef"}})
	require.NoError(t, err)
	require.Equal(t, 6, rs.ProtocolVersion)

	_, err = c.Push(context.Background(), rs)
	var upe *UnsupportedProtocolError
	require.ErrorAs(t, err, &upe)
	assert.Equal(t, 6, upe.Required)
	assert.Equal(t, 5, upe.Supported)

	assert.Equal(t, uint64(1), fake.ActiveVersion())
	assert.Equal(t, 1, fake.Applies)
	st, err := store.LoadHymo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.ConfigVersion)
}

func TestPushUnavailable(t *testing.T) {
	fake := NewFakeEnforcer(6)
	fake.Present = false
	c, _ := newCompiler(t, fake)
	rs, err := Compile(&Spec{Hides: []string{"/a"}})
	require.NoError(t, err)

	_, err = c.Push(context.Background(), rs)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, fake.Applies)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Available)
	assert.ErrorIs(t, c.SetStealth(context.Background(), true), ErrUnavailable)
}

func TestPushRejectedKeepsVersion(t *testing.T) {
	fake := NewFakeEnforcer(6)
	c, store := newCompiler(t, fake)
	rs, err := Compile(&Spec{Hides: []string{"/a"}})
	require.NoError(t, err)
	_, err = c.Push(context.Background(), rs)
	require.NoError(t, err)

	fake.Reject = true
	_, err = c.Push(context.Background(), rs)
	assert.ErrorIs(t, err, ErrRejected)
	st, err := store.LoadHymo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.ConfigVersion)

	fake.Reject = false
	v, err := c.Push(context.Background(), rs)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestToggles(t *testing.T) {
	fake := NewFakeEnforcer(3)
	c, _ := newCompiler(t, fake)

	require.NoError(t, c.SetStealth(context.Background(), true))
	require.NoError(t, c.SetDebug(context.Background(), true))
	require.NoError(t, c.SetDebug(context.Background(), false))
	assert.Equal(t, map[string]bool{"stealth": true, "debug": false}, fake.Flags)
	assert.Equal(t, 0, fake.Applies, "toggles never push rules")

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Available)
	assert.Equal(t, 3, status.ProtocolVersion)
	assert.True(t, status.StealthActive)
	assert.False(t, status.DebugActive)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "hymo")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0755))
	return p
}

func TestExecEnforcer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "applied.json")
	bin := writeScript(t, `case "$1" in
capability) echo '{"protocol_version": 4}' ;;
apply) cat > `+out+`; echo '{"accepted": true, "config_version": 7}' ;;
set) [ "$2" = "stealth" ] && [ "$3" = "on" ] ;;
*) exit 2 ;;
esac
`)
	e := NewExecEnforcer(bin, 5*time.Second)

	capability, err := e.Capability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Capability{Available: true, ProtocolVersion: 4}, capability)

	ack, err := e.Apply(context.Background(), &RuleSet{ConfigVersion: 7, Hides: []string{"/a"}})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, uint64(7), ack.ConfigVersion)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hides":["/a"]`)

	assert.NoError(t, e.SetFlag(context.Background(), "stealth", true))
	assert.Error(t, e.SetFlag(context.Background(), "debug", true))
}

func TestExecEnforcerMissingBinary(t *testing.T) {
	e := NewExecEnforcer(filepath.Join(t.TempDir(), "absent"), time.Second)
	capability, err := e.Capability(context.Background())
	require.NoError(t, err)
	assert.False(t, capability.Available)
}

func TestExecEnforcerReportsUnavailable(t *testing.T) {
	bin := writeScript(t, `echo '{"available": false, "protocol_version": 4}'`+"\n")
	e := NewExecEnforcer(bin, 5*time.Second)
	capability, err := e.Capability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Capability{Available: false, ProtocolVersion: 4}, capability)

	c, _ := newCompiler(t, e)
	rs, err := Compile(&Spec{Hides: []string{"/a"}})
	require.NoError(t, err)
	_, err = c.Push(context.Background(), rs)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestExecEnforcerTimeout(t *testing.T) {
	bin := writeScript(t, "exec sleep 5\n")
	e := NewExecEnforcer(bin, 100*time.Millisecond)
	_, err := e.Capability(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hymo_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hides: []\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func() { changed <- struct{}{} })
	}()

	// Give the watcher time to register, then write until it fires.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for fired := false; !fired; {
		select {
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("hides: [/system/xbin/su]\n"), 0644))
		case <-changed:
			fired = true
		case <-deadline:
			t.Fatal("watch did not report the change")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
