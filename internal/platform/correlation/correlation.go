// Package correlation tags all log records emitted during a collection job
// with a short job identifier, making one job's lines greppable among the
// interleaved output of the worker pool.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
)

type contextKey struct{}

// NewJobID generates an 8-character hex job identifier.
func NewJobID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithJobID returns a context carrying the given job identifier.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// JobID extracts the job identifier from ctx, returning ("", false) when absent.
func JobID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Handler wraps a slog.Handler and injects a "job_id" attribute whenever the
// record's context carries one.
type Handler struct {
	inner slog.Handler
}

// NewHandler creates a job-aware handler wrapping inner.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if id, ok := JobID(ctx); ok {
		record = record.Clone()
		record.AddAttrs(slog.String("job_id", id))
	}
	return h.inner.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
