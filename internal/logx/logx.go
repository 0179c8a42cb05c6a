package logx

import (
	"context"

	"pkt.systems/pslog"
)

type contextKey int

const (
	invocationKey contextKey = iota
)

// WithProvider annotates the logger with a tunnel provider name.
func WithProvider(log pslog.Logger, provider string) pslog.Logger {
	if provider != "" {
		log = log.With("provider", provider)
	}
	return log
}

// WithPort annotates the logger with a local port.
func WithPort(log pslog.Logger, port int) pslog.Logger {
	if port > 0 {
		log = log.With("port", port)
	}
	return log
}

// ContextWithInvocation tags the context logger with the invocation id so every
// line of one CLI run can be correlated.
func ContextWithInvocation(ctx context.Context, id string) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	if current, ok := ctx.Value(invocationKey).(string); ok && current == id {
		return ctx
	}
	ctx = pslog.ContextWithLogger(ctx, pslog.Ctx(ctx).With("invocation", id))
	return context.WithValue(ctx, invocationKey, id)
}

// Invocation returns the invocation id stored on the context.
func Invocation(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(invocationKey).(string)
	return id
}
