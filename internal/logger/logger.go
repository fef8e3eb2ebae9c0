package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// LevelCritical sits above slog.LevelError. Faults that abort a backup run or
// the watcher, and process-manager outages, are logged at this level.
const LevelCritical = slog.LevelError + 4

// Config describes where and how the tool logs.
type Config struct {
	Level     string     // debug, info, warn, error, critical (default info)
	Format    string     // text or json (default text)
	Color     bool       // colorize console text output
	NoConsole bool       // suppress console output (file only)
	File      FileConfig // optional rotating log file
}

// FileConfig describes a rotating log file. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Path       string // empty disables file logging
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// Writer returns the rotating file writer, or nil when no path is configured.
func (f FileConfig) Writer() io.WriteCloser {
	if f.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   f.Path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical", "fatal":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

// LevelName renders a level, naming LevelCritical explicitly.
func LevelName(l slog.Level) string {
	if l >= LevelCritical {
		return "CRITICAL"
	}
	return l.String()
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(LevelName(l))
		}
	}
	return a
}

// New builds a logger from c writing console output to console. The returned
// closer releases the log file, if any.
func New(c Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	if c.Format != "" && c.Format != "text" && c.Format != "json" {
		return nil, nil, errors.New("log format must be text or json")
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level), ReplaceAttr: replaceLevel}

	var handlers []slog.Handler
	if !c.NoConsole && console != nil {
		switch {
		case c.Format == "json":
			handlers = append(handlers, slog.NewJSONHandler(console, opts))
		case c.Color:
			handlers = append(handlers, NewColorTextHandler(console, opts, true))
		default:
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	}

	var closer io.Closer = nopCloser{}
	if w := c.File.Writer(); w != nil {
		closer = w
		if c.Format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		}
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, opts)), closer, nil
	case 1:
		return slog.New(handlers[0]), closer, nil
	default:
		return slog.New(&teeHandler{handlers: handlers}), closer, nil
	}
}

// Setup builds a logger writing to stderr and installs it as the slog default.
func Setup(c Config) (io.Closer, error) {
	l, closer, err := New(c, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return closer, nil
}

// Critical logs msg at LevelCritical on the default logger. Only handlers
// built by New name the level CRITICAL; the stock slog default prints ERROR+4.
func Critical(msg string, args ...any) {
	slog.Log(context.Background(), LevelCritical, msg, args...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// teeHandler fans each record out to every handler that accepts its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
