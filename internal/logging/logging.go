// Package logging configures the process-wide zerolog logger.
//
// The daemon writes JSON lines to its log file and, when stderr is a
// terminal, a human-readable console stream. The previous log file is moved
// to "<path>.old" on every startup so each boot starts with a fresh file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls Setup.
type Options struct {
	// Path is the log file. Empty disables file logging.
	Path string

	// Verbose enables debug level.
	Verbose bool

	// Console overrides stderr detection; nil means auto.
	Console *bool

	// MaxSizeMB bounds the file before lumberjack rolls it within a run.
	MaxSizeMB int
}

// Setup rotates the previous log, installs the global logger and returns a
// closer for the file writer.
func Setup(opts Options) (io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	console := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if opts.Console != nil {
		console = *opts.Console
	}
	if console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var closer io.Closer = nopCloser{}
	var setupErr error
	if opts.Path != "" {
		if err := RotateOld(opts.Path); err != nil {
			setupErr = err
		}
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 5
		}
		lj := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSize,
			MaxBackups: 1,
		}
		writers = append(writers, lj)
		closer = lj
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	if opts.Verbose {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger

	if setupErr != nil {
		log.Warn().Err(setupErr).Str("path", opts.Path).Msg("Failed to rotate previous log")
	}
	log.Debug().Bool("verbose", opts.Verbose).Str("logFile", opts.Path).Msg("Logger initialized")
	return closer, nil
}

// RotateOld moves path to path+".old", replacing any older copy. A missing
// path is not an error.
func RotateOld(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(filepath.Dir(path), 0755)
		}
		return err
	}
	if err := os.Rename(path, path+".old"); err != nil {
		return fmt.Errorf("failed to rotate log %s: %w", path, err)
	}
	return nil
}

// Get returns a logger tagged with a component name.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
