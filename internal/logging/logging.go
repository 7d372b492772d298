// Package logging wires up the process-wide structured logger. Output goes
// to a lumberjack-rotated file when Options.FilePath is set, and to stderr
// when Options.Stderr is set or no file path is given; level is
// configurable.
//
// This is distinct from the capped LogEntry log that internal/jobstore keeps
// in its logs table and the control facade exposes (see internal/facade) —
// that log is queryable state
// for operators inspecting job/session history, while this logger is the
// plain operational log stream of the process itself.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// FilePath is the rotated log file path. Empty disables file output.
	FilePath string
	// Level is a zerolog level name (debug, info, warn, error). Defaults to info.
	Level string
	// Stderr also writes to stderr when true.
	Stderr bool
}

// New builds a zerolog.Logger per Options. The returned logger is safe for
// concurrent use by multiple goroutines, as zerolog's writers are.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if opts.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	if opts.Stderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
