// Package logging builds the tracer's structured logger: colored,
// human-readable output on a terminal, plain output when piped, matching
// the color-on/off banner behavior the original CLI has for its log lines.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// New builds a *slog.Logger writing to w at the given level. When w is
// os.Stdout/os.Stderr and is attached to a terminal, output is colorized;
// otherwise colors are disabled so piped or redirected output stays clean.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    noColor,
	})
	return slog.New(handler)
}
