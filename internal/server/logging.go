// ABOUTME: Logger construction for the warden server and CLI
// ABOUTME: Colored human-readable output by default, JSON when configured

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-warden/internal/config"
)

// SetupLogger builds a logger for cfg writing to stderr.
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLogger(cfg, os.Stderr)
}

// NewLogger builds a logger for cfg writing to w.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level, w: w, mu: &sync.Mutex{}})
}

// colorHandler is a slog.Handler that outputs colored logs
type colorHandler struct {
	level  slog.Level
	w      io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	gray := color.New(color.FgHiBlack)
	var b strings.Builder

	b.WriteString(gray.Sprint(r.Time.Format("15:04:05")))
	b.WriteString(" ")

	switch r.Level {
	case slog.LevelDebug:
		b.WriteString(color.New(color.FgMagenta).Sprint("DBG"))
	case slog.LevelInfo:
		b.WriteString(color.New(color.FgCyan).Sprint("INF"))
	case slog.LevelWarn:
		b.WriteString(color.New(color.FgYellow).Sprint("WRN"))
	case slog.LevelError:
		b.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR"))
	}
	b.WriteString(" ")
	b.WriteString(r.Message)

	write := func(a slog.Attr) {
		b.WriteString(gray.Sprint(" " + h.prefix + a.Key + "="))
		fmt.Fprint(&b, a.Value.Any())
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})
	b.WriteString("\n")

	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
