// Package logging builds the zerolog loggers used by the CLI and the TUI.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls where and how much is logged.
type Options struct {
	Level  string    // debug, info, warn, error; unknown values mean info
	Pretty bool      // human-readable console output instead of JSON
	File   string    // when set, log to this file instead of Out
	Out    io.Writer // defaults to os.Stderr
}

// ParseLevel maps a level name onto zerolog, falling back to info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// New returns a logger for opts. The returned closer releases the log file,
// if any, and is never nil.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	if opts.Out != nil {
		out = opts.Out
	}
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return zerolog.Nop(), closer, err
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		out, closer = f, f
	}

	if opts.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.DateTime,
			NoColor:    opts.File != "",
		}
	}

	logger := zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

// TUIFile returns the log path used while the dashboard owns the terminal.
func TUIFile(stateDir string) string {
	return filepath.Join(stateDir, "debug.log")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
