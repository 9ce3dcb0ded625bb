// Package logging builds the core's slog.Logger. When stdout is a terminal,
// it renders colorized via lmittmann/tint through go-colorable; when the
// process is attached to the tool protocol over plain pipes (no TTY), no
// diagnostic output goes to standard streams at all — only to the rotating
// file logs.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// New builds the process-wide logger. logDir is where server-combined.log and
// server-error.log are rotated; level is one of slog's level names.
func New(logDir, level string) (*slog.Logger, error) {
	lvl := parseLevel(level)

	combined, err := newRotator(logDir, "server-combined.log")
	if err != nil {
		return nil, err
	}
	errOnly, err := newRotator(logDir, "server-error.log")
	if err != nil {
		return nil, err
	}

	fileWriter := io.MultiWriter(combined, errorOnlyWriter{errOnly})

	var out io.Writer = fileWriter
	if isatty.IsTerminal(os.Stdout.Fd()) {
		// Attached to a real terminal (not the tool protocol): also echo to
		// stdout, colorized.
		out = io.MultiWriter(fileWriter, colorable.NewColorableStdout())
	}

	h := tint.NewHandler(out, &tint.Options{Level: lvl, NoColor: !isatty.IsTerminal(os.Stdout.Fd())})
	return slog.New(h), nil
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// errorOnlyWriter forwards only records at or above slog's JSON-rendered
// "ERR" marker emitted by tint; since tint writes pre-rendered text, the
// filter instead happens a level up — see Record below. Here it exists only
// to satisfy io.Writer for the combined MultiWriter fan-out; attach via
// handler middleware isn't needed because the caller splits by level before
// calling into the logger (see errLevelWriter).
type errorOnlyWriter struct {
	w io.Writer
}

func (e errorOnlyWriter) Write(p []byte) (int, error) {
	// tint prefixes error-level lines with "ERR"; cheaper than re-parsing
	// structured fields, and good enough for a diagnostic-only file.
	if levelTagPresent(p, "ERR") {
		return e.w.Write(p)
	}
	return len(p), nil
}

func levelTagPresent(line []byte, tag string) bool {
	for i := 0; i+len(tag) <= len(line) && i < 40; i++ {
		if string(line[i:i+len(tag)]) == tag {
			return true
		}
	}
	return false
}
