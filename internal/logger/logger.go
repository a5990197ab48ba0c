package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12
)

// ColorHandler writes one line per record: time | level | message key=value...
type ColorHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewColorHandler(w io.Writer, level slog.Leveler) *ColorHandler {
	return &ColorHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// New returns a logger writing coloured lines to stdout.
func New(level slog.Level) *slog.Logger {
	return slog.New(NewColorHandler(os.Stdout, level))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(NewColorHandler(io.Discard, LevelFatal+1))
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	switch {
	case r.Level >= LevelFatal:
		level = color.HiRedString("FATAL")
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	var sb strings.Builder
	sb.WriteString(color.GreenString(r.Time.Format("2006-01-02T15:04:05.000")))
	sb.WriteString(" | ")
	sb.WriteString(fmt.Sprintf("%-5s", level))
	sb.WriteString(" | ")
	sb.WriteString(color.CyanString(r.Message))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, prefix, a)
		return true
	})
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(sb, prefix+a.Key+".", ga)
		}
		return
	}
	sb.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, a.Key, a.Value)))
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), prefixed(prefix, attrs)...)
	return &nh
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string{}, h.groups...), name)
	return &nh
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

// Fatal logs at LevelFatal and exits.
func Fatal(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}
