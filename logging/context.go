package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	transactionIDKey ctxKey = iota
	actorIDKey
)

func WithTransaction(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, transactionIDKey, id)
}

func WithActor(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorIDKey, id)
}

// TransactionID extracts the transaction ID from the context, or "" if absent.
func TransactionID(ctx context.Context) string {
	v, _ := ctx.Value(transactionIDKey).(string)
	return v
}

// ActorID extracts the actor ID from the context, or "" if absent.
func ActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorIDKey).(string)
	return v
}

// ContextHandler wraps an slog.Handler and adds the transaction and actor IDs
// carried by the context to every record.
type ContextHandler struct {
	inner slog.Handler
}

func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := TransactionID(ctx); v != "" {
		r.AddAttrs(slog.String("transaction_id", v))
	}
	if v := ActorID(ctx); v != "" {
		r.AddAttrs(slog.String("actor_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
