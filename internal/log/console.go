package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultConsoleSize is the number of records kept when NewConsole gets a non-positive size.
const DefaultConsoleSize = 1000

var consoleLevels = map[slog.Level]string{
	slog.LevelDebug: "verbose",
	slog.LevelInfo:  "info",
	slog.LevelWarn:  "warning",
	slog.LevelError: "error",
}

// Console keeps the last records in memory, so the UI can show them on demand.
// Lines have the form "level | message | attrs".
type Console struct {
	mx    sync.Mutex
	size  int
	lines []string
	next  int
	full  bool
	level slog.Leveler
}

func NewConsole(size int, level slog.Leveler) *Console {
	if size <= 0 {
		size = DefaultConsoleSize
	}
	if level == nil {
		level = slog.LevelDebug
	}
	return &Console{
		size:  size,
		lines: make([]string, size),
		level: level,
	}
}

func (c *Console) add(line string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.lines[c.next] = line
	c.next = (c.next + 1) % c.size
	if c.next == 0 {
		c.full = true
	}
}

// Lines returns the buffered lines, oldest first.
func (c *Console) Lines() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.full {
		return append([]string(nil), c.lines[:c.next]...)
	}
	ret := make([]string, 0, c.size)
	ret = append(ret, c.lines[c.next:]...)
	return append(ret, c.lines[:c.next]...)
}

func (c *Console) String() string {
	return strings.Join(c.Lines(), "\n")
}

func (c *Console) Enabled(_ context.Context, level slog.Level) bool {
	return level >= c.level.Level()
}

func (c *Console) Handle(ctx context.Context, r slog.Record) error {
	return consoleHandler{c: c}.Handle(ctx, r)
}

func (c *Console) WithAttrs(attrs []slog.Attr) slog.Handler {
	return consoleHandler{c: c}.WithAttrs(attrs)
}

func (c *Console) WithGroup(name string) slog.Handler {
	return consoleHandler{c: c}.WithGroup(name)
}

type consoleHandler struct {
	c      *Console
	prefix string
	attrs  []string
}

func (h consoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.c.Enabled(ctx, level)
}

func (h consoleHandler) Handle(_ context.Context, r slog.Record) error {
	level, ok := consoleLevels[r.Level]
	if !ok {
		level = strings.ToLower(r.Level.String())
	}
	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.prefix, a)
		return true
	})
	parts := []string{level, r.Message}
	if len(attrs) > 0 {
		parts = append(parts, strings.Join(attrs, " "))
	}
	h.c.add(strings.Join(parts, " | "))
	return nil
}

func (h consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ret := h
	ret.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		ret.attrs = appendAttr(ret.attrs, h.prefix, a)
	}
	return ret
}

func (h consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	ret := h
	ret.prefix = h.prefix + name + "."
	return ret
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, p, ga)
		}
		return dst
	}
	return append(dst, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value.Any()))
}
