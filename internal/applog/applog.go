// Package applog builds the process-wide structured logger from the
// `[log]` section of the configuration: a console writer plus an optional
// rolling file writer, following the same composition style as the
// teacher's logging package.
package applog

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dominicbreuker/quictun/internal/config"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// resilientMultiWriter fans writes out to every configured writer without
// letting one writer's failure (e.g. a console writer on a detached
// terminal) abort the others — grounded directly on the teacher's
// enrichment source's resilientMultiWriter.
type resilientMultiWriter struct {
	writers []io.Writer
}

func (m resilientMultiWriter) Write(p []byte) (int, error) {
	for _, w := range m.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (m resilientMultiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	for _, w := range m.writers {
		if lw, ok := w.(zerolog.LevelWriter); ok {
			_, _ = lw.WriteLevel(level, p)
		} else {
			_, _ = w.Write(p)
		}
	}
	return len(p), nil
}

// New builds a *zerolog.Logger from cfg.Log: a console writer (JSON unless
// `pattern` is "console", in which case a human-readable ConsoleWriter is
// used) plus, if `file` is set, a lumberjack-backed rolling file writer.
// An unrecognized level falls back to info with a logged warning, matching
// the teacher's safe-fallback behavior.
func New(cfg *config.Config) *zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	fellBack := err != nil
	if fellBack {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	writers = append(writers, consoleWriter(cfg.Log.Pattern))

	// `flush_level` has no zerolog-native equivalent against an arbitrary
	// io.Writer; lumberjack.Logger fsyncs only on rotation and does not
	// expose its current *os.File, so the knob is accepted and validated
	// (config.Validate rejects an unrecognized level) but has no further
	// effect here — see DESIGN.md for the full rationale.
	if cfg.Log.File != "" {
		roller := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    int(cfg.Log.MaxSizeMB),
			MaxBackups: int(cfg.Log.MaxFiles),
			MaxAge:     0,
			Compress:   false,
		}
		writers = append(writers, roller)
	}

	multi := resilientMultiWriter{writers: writers}
	logger := zerolog.New(multi).Level(level).With().Timestamp().Logger()

	if fellBack {
		logger.Warn().Msgf("unrecognized log level %q, falling back to info", cfg.Log.Level)
	}

	return &logger
}

func consoleWriter(pattern string) io.Writer {
	if pattern != "console" {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(os.Stderr),
		TimeFormat: time.RFC3339,
	}
}
