package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"fencesync/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBlue    = "\x1b[34m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiMagenta = "\x1b[35m"
	ansiRed     = "\x1b[31m"
	ansiGray    = "\x1b[90m"
)

// LevelPanic sits above error for messages that precede process abort.
const LevelPanic = slog.Level(12)

// tokenPattern matches, in priority order, identity keys, quoted strings, and numbers.
var tokenPattern = regexp.MustCompile(`\b(?:fence_id|event_id|component)=[^\s"]+|"[^"\n]*"|\b\d+(?:\.\d+)?\b`)

var levelTones = map[string]string{
	"DEBUG":   ansiGray,
	"INFO":    ansiBlue,
	"WARN":    ansiYellow,
	"ERROR":   ansiRed,
	"ERROR+4": ansiRed,
}

// New builds a logger for configured sinks writing console output to stdout.
// Params: cfg contains console/file sink settings.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return NewWithConsole(cfg, os.Stdout)
}

// NewWithConsole builds a logger whose console sink writes to console.
// Params: sink settings and console writer.
// Returns: slog logger, cleanup callback closing file sinks, and setup error.
func NewWithConsole(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)
	closeAll := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	if cfg.Console.Enabled {
		handler, err := consoleHandler(cfg.Console, console)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}
	if cfg.File.Enabled {
		handler, closer, err := fileHandler(cfg.File)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, closer)
	}

	switch len(handlers) {
	case 0:
		return nil, nil, errors.New("no log sinks enabled")
	case 1:
		return slog.New(handlers[0]), closeAll, nil
	default:
		return slog.New(fanout(handlers)), closeAll, nil
	}
}

func consoleHandler(sink config.LogSinkConfig, dst io.Writer) (slog.Handler, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	// Console lines drop the timestamp; the file sink keeps it.
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		},
	}
	return newHandler(sink.Format, dst, opts, true)
}

func fileHandler(sink config.LogSinkConfig) (slog.Handler, io.Closer, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %q: %w", sink.Path, err)
	}
	handler, err := newHandler(sink.Format, file, &slog.HandlerOptions{Level: level}, false)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return handler, file, nil
}

func newHandler(format string, dst io.Writer, opts *slog.HandlerOptions, colored bool) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "line":
		if colored {
			dst = &colorLineWriter{dst: dst}
		}
		return slog.NewTextHandler(dst, opts), nil
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// ParseLevel converts configuration level name into slog.Level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "panic":
		return LevelPanic, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// fanout sends each record to every downstream handler enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(apply func(slog.Handler) slog.Handler) fanout {
	next := make(fanout, len(f))
	for i, handler := range f {
		next[i] = apply(handler)
	}
	return next
}

// colorLineWriter paints one rendered text line by level and highlights tokens.
type colorLineWriter struct {
	dst io.Writer
}

func (w *colorLineWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone, ok := levelTones[levelToken(line)]
	if !ok {
		return w.dst.Write(payload)
	}
	if _, err := io.WriteString(w.dst, tone+highlight(line, tone)+ansiReset); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// levelToken extracts the value of the level= attribute.
func levelToken(line string) string {
	idx := strings.Index(line, "level=")
	if idx < 0 {
		return ""
	}
	rest := line[idx+len("level="):]
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func highlight(line, base string) string {
	return tokenPattern.ReplaceAllStringFunc(line, func(token string) string {
		color := ansiYellow
		switch {
		case strings.HasPrefix(token, `"`):
			color = ansiGreen
		case strings.Contains(token, "="):
			color = ansiMagenta
		}
		return color + token + ansiReset + base
	})
}
