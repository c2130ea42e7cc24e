// Package xlog is the common spot for pyenvd logging.
//
// Subsystems thread a context.Context carrying structured attributes (the
// component name, environment name, transaction or operation id) rather
// than passing a *slog.Logger value around; WrapHandler installs those
// attributes onto every record a pyenvd package produces.
package xlog

import (
	"context"
	"log/slog"
	"slices"
)

type ctxkey int

const (
	_ ctxkey = iota

	// attrsKey holds the accumulated slog.Attr values for a context, added
	// to every log record produced while that context is in scope.
	attrsKey

	// levelKey holds a per-context minimum slog.Level.
	levelKey
)

// With returns a context carrying the given key/value pairs (in the same
// alternating form as slog.Info) as logging attributes.
func With(ctx context.Context, args ...any) context.Context {
	return WithAttrs(ctx, argsToAttrSlice(args)...)
}

// WithAttrs returns a context carrying the given slog.Attr values.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if v, ok := ctx.Value(attrsKey).(slog.Value); ok {
		attrs = append(v.Group(), attrs...)
	}
	seen := make(map[string]struct{}, len(attrs))
	dedup := func(a slog.Attr) bool {
		_, rm := seen[a.Key]
		seen[a.Key] = struct{}{}
		return rm
	}
	slices.Reverse(attrs)
	attrs = slices.DeleteFunc(attrs, dedup)
	slices.Reverse(attrs)
	return context.WithValue(ctx, attrsKey, slog.GroupValue(attrs...))
}

// WithLevel returns a context carrying a minimum slog.Level for records
// produced while it's in scope.
func WithLevel(ctx context.Context, l slog.Leveler) context.Context {
	return context.WithValue(ctx, levelKey, l)
}

// WrapHandler wraps next so records pick up attributes and the minimum
// level stashed on the context by With/WithAttrs/WithLevel.
func WrapHandler(next slog.Handler) slog.Handler {
	return handler{next: next}
}

type handler struct{ next slog.Handler }

var _ slog.Handler = handler{}

func (h handler) Enabled(ctx context.Context, l slog.Level) bool {
	min := slog.Level(1<<31 - 1)
	if lv, ok := ctx.Value(levelKey).(slog.Leveler); ok {
		min = lv.Level()
	}
	return l >= min || h.next.Enabled(ctx, l)
}

func (h handler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(attrsKey).(slog.Value); ok {
		r.AddAttrs(v.Group()...)
	}
	return h.next.Handle(ctx, r)
}

func (h handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.next.WithAttrs(attrs)
}

func (h handler) WithGroup(name string) slog.Handler {
	return h.next.WithGroup(name)
}

func argsToAttrSlice(args []any) []slog.Attr {
	var attrs []slog.Attr
	for len(args) > 0 {
		var a slog.Attr
		a, args = argsToAttr(args)
		attrs = append(attrs, a)
	}
	return attrs
}

func argsToAttr(args []any) (slog.Attr, []any) {
	const badKey = "!BADKEY"
	switch x := args[0].(type) {
	case string:
		if len(args) == 1 {
			return slog.String(badKey, x), nil
		}
		return slog.Any(x, args[1]), args[2:]
	case slog.Attr:
		return x, args[1:]
	default:
		return slog.Any(badKey, x), args[1:]
	}
}
