// Package logging provides the monitor's structured logging: a Spec
// parsed from a single environment variable, and a FilteringHandler
// that applies per-component level overrides on top of a base level.
package logging

import (
	"context"
	"io"
	"log/slog"
)

// prefixHandler prepends a fixed prefix to the message of every record,
// matching the "devmon: " convention used on every diagnostic line this
// daemon and its client emit.
type prefixHandler struct {
	inner  slog.Handler
	prefix string
}

func (h prefixHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h prefixHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = h.prefix + r.Message
	return h.inner.Handle(ctx, r)
}

func (h prefixHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return prefixHandler{inner: h.inner.WithAttrs(attrs), prefix: h.prefix}
}

func (h prefixHandler) WithGroup(name string) slog.Handler {
	return prefixHandler{inner: h.inner.WithGroup(name), prefix: h.prefix}
}

// New builds the root logger for a program: text output to w, gated by
// spec, with every message carrying the given prefix (e.g. "devmon: ").
func New(w io.Writer, spec Spec, prefix string) *slog.Logger {
	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug - 8})
	handler := NewFilteringHandler(prefixHandler{inner: base, prefix: prefix}, &spec)
	return slog.New(handler)
}

// For returns a logger tagged with component=name, subject to the
// per-component overrides in the Spec that produced l's handler chain.
func For(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}
