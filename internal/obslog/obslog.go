// Package obslog provides the console logging and metrics surface shared by
// cmd/fusecache-mount and the internal packages. Logging wraps the standard
// log package the way tinySQL's server/CLI commands do, colorizing level
// prefixes when attached to a terminal (mattn/go-isatty + mattn/go-colorable,
// both already indirect tinySQL dependencies pulled in for its Wails
// console).
package obslog

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level identifies a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var levelColors = map[Level]string{
	LevelDebug: "\x1b[90m",
	LevelInfo:  "\x1b[36m",
	LevelWarn:  "\x1b[33m",
	LevelError: "\x1b[31m",
}

const colorReset = "\x1b[0m"

// Logger wraps a standard *log.Logger, adding level prefixes that are
// colorized when the output is a real terminal.
type Logger struct {
	out      io.Writer
	colorize bool
	inner    *log.Logger
	min      Level
}

// New creates a Logger writing to os.Stderr, auto-detecting color support.
func New(min Level) *Logger {
	colorize := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	var out io.Writer = os.Stderr
	if colorize {
		out = colorable.NewColorableStderr()
	}
	return &Logger{
		out:      out,
		colorize: colorize,
		inner:    log.New(out, "", log.LstdFlags),
		min:      min,
	}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	name := levelNames[level]
	if l.colorize {
		name = levelColors[level] + name + colorReset
	}
	l.inner.Printf("[%s] %s", name, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Fatalf logs at error level and exits the process, matching tinySQL
// command-line entrypoints' log.Fatalf usage.
func (l *Logger) Fatalf(format string, args ...any) {
	l.logf(LevelError, format, args...)
	os.Exit(1)
}
