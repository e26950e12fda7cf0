package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/engine"
	"github.com/danieljhkim/metahybrid/internal/logging"
)

// fileLogAnnotation marks commands that write the daemon log file.
const fileLogAnnotation = "metahybrid/file-log"

var (
	// engineDeps supplies engine seams; tests swap in fakes
	engineDeps = func() engine.Deps { return engine.Deps{} }

	// loaded holds the config resolved for the running command
	loaded struct {
		paths *config.Paths
		cfg   *config.Config
		err   error
	}
)

// loadConfig resolves paths and config for this invocation. A config file
// that cannot be parsed yields the built-in default and the parse error.
func loadConfig() (*config.Paths, *config.Config, error) {
	paths := config.DefaultPaths()
	if configPath != "" {
		paths.Config = configPath
	}
	cfg, err := config.LoadOrDefault(paths, paths.Config)
	if err == nil {
		err = cfg.Validate()
		if err != nil {
			cfg = config.Default(paths)
		}
	}
	if verbose {
		cfg.Verbose = true
	}
	return paths, cfg, err
}

// setupLogging runs before every command. Daemon passes log to the
// configured file, rotating the previous one; other commands only log to
// a terminal.
func setupLogging(cmd *cobra.Command, args []string) error {
	closeLog()
	loaded.paths, loaded.cfg, loaded.err = loadConfig()

	opts := logging.Options{Verbose: loaded.cfg.Verbose}
	if cmd.Annotations[fileLogAnnotation] == "true" {
		opts.Path = loaded.cfg.LogFile
	}
	closer, err := logging.Setup(opts)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logCloser = closer

	if loaded.err != nil {
		log.Warn().Err(loaded.err).Msg("Config could not be loaded, using built-in defaults")
	}
	return nil
}

// newEngine creates a new engine with real implementations of all dependencies.
func newEngine() (*engine.Engine, error) {
	paths, cfg := loaded.paths, loaded.cfg
	if paths == nil || cfg == nil {
		paths, cfg, _ = loadConfig()
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	return engine.New(*paths, cfg, engineDeps()), nil
}

// formatJSON formats a value as JSON.
func formatJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// formatError formats an error for display.
func formatError(err error) string {
	return errorColor.Sprintf("Error: %v", err)
}

// FormatError is formatError for the main package.
func FormatError(err error) string {
	return formatError(err)
}

// outputJSON writes a value as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseOnOff parses an on/off toggle argument.
func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected on or off, got %q", engine.ErrValidation, s)
	}
}
