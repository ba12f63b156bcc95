// Package logging builds the zerolog loggers used by every fte component.
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
)

// New returns a logger at the given level. With an empty file the logger
// writes human-readable lines to stderr when it is a terminal and JSON
// otherwise; with a file it appends JSON to it.
//
// The level parameter can be one of: debug, info, warn, error, fatal.
func New(level string, file string) (zerolog.Logger, func(), error) {
	closer := func() {}

	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, closer, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	var writer io.Writer = os.Stderr
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return zerolog.Logger{}, closer, fmt.Errorf("create logs dir: %w", err)
		}
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, closer, fmt.Errorf("opening log file: %w", err)
		}
		closer = func() { _ = f.Close() }
		writer = f
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}

	l := zerolog.New(writer).
		With().
		Timestamp().
		Logger().
		Level(lvl)

	return l, closer, nil
}

// SetGlobal installs l as the package-level logger used by Component.
func SetGlobal(l zerolog.Logger) {
	log.Logger = l
	zerolog.SetGlobalLevel(l.GetLevel())
}

// Component creates a new logger with a component identifier.
// Uses the "cmp" key for consistency with zerolog conventions.
func Component(name string) zerolog.Logger {
	return log.With().Str("cmp", name).Logger()
}

// DailyFile returns the per-day log file path inside logsDir.
func DailyFile(logsDir string, now time.Time) string {
	return filepath.Join(logsDir, "fte-"+now.Format("2006-01-02")+".log")
}
