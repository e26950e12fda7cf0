package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Help(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "metahybrid")
	assert.Contains(t, out, "Mounting:")
	assert.Contains(t, out, "Granary:")
	assert.Contains(t, out, "Hymo:")
}

func TestRootCommand_HelpSectionOrder(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)

	sections := []string{"Usage:", "Mounting:", "Modules & Rules:", "Granary:", "Hymo:", "CLI & Tooling:", "Flags:", "Use \"metahybrid [command] --help\""}
	last := -1
	for _, s := range sections {
		i := strings.Index(out, s)
		require.GreaterOrEqual(t, i, 0, "missing %q", s)
		assert.Greater(t, i, last, "%q out of order", s)
		last = i
	}
	mounting := out[strings.Index(out, "Mounting:"):strings.Index(out, "Modules & Rules:")]
	assert.Contains(t, mounting, "unmount")
}

func TestRootCommand_Version(t *testing.T) {
	SetVersion("1.2.3")
	defer SetVersion("dev")

	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.3")

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.3")
}

func TestRootCommand_InvalidCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetErr(&buf)
	_, err := run(t, "invalid-command")
	assert.Error(t, err)
}

func TestSetVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    string
	}{
		{"normal version", "1.2.3", "1.2.3"},
		{"empty version keeps current", "", "1.2.3"},
		{"dev version", "dev", "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersion(tt.version)
			assert.Equal(t, tt.want, rootCmd.Version)
		})
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	subcommands := [][]string{
		{"mount"}, {"unmount"}, {"storage"}, {"diagnose"},
		{"scan"}, {"show-config"}, {"gen-config"}, {"conflicts"},
		{"rules", "show"}, {"rules", "save"},
		{"silo", "create"}, {"silo", "list"}, {"silo", "restore"}, {"silo", "delete"},
		{"hymo", "status"}, {"hymo", "push"}, {"hymo", "stealth"}, {"hymo", "debug"}, {"hymo", "watch"},
		{"completion", "bash"},
	}

	for _, path := range subcommands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := rootCmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}
