// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// File, when set, also writes JSON lines to a rotating log file.
	File string
	// Console overrides the console destination. Defaults to stderr.
	Console io.Writer
	// JSON forces JSON output even on a terminal.
	JSON bool
}

var globalMu sync.Mutex

// Logger is a configured logger plus the file it may hold open.
type Logger struct {
	zerolog.Logger
	file io.Closer
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
}

// New builds the logger and installs it as the zerolog global logger.
// Console output is human readable on a terminal unless NO_COLOR is set
// or JSON is requested.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	console := selectOutput(opts.Console, opts.JSON)
	var (
		writer io.Writer = console
		file   io.Closer
	)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
		fw := NewRedactingWriter(lj)
		file = fw
		writer = zerolog.MultiLevelWriter(console, fw)
	}

	l := zerolog.New(writer).Level(level).With().Timestamp().Logger()

	globalMu.Lock()
	log.Logger = l
	globalMu.Unlock()

	return &Logger{Logger: l, file: file}, nil
}

func selectOutput(out io.Writer, forceJSON bool) io.Writer {
	if out == nil {
		out = os.Stderr
	}
	if !forceJSON && os.Getenv("NO_COLOR") == "" && isTerminal(out) {
		return zerolog.ConsoleWriter{
			Out:        NewRedactingWriter(out),
			TimeFormat: time.Kitchen,
		}
	}
	return NewRedactingWriter(out)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
