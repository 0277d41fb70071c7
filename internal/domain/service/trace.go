package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// traceIDKey is the private context key for run trace IDs.
type traceIDKey struct{}

// WithTraceID stamps ctx with a trace ID covering one orchestrated run —
// the root agent and every sub-agent it spawns share it, so one grep over
// the logs reconstructs the whole tree. An empty traceID generates a fresh
// random one.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = generateTraceID()
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext extracts the trace ID, or "" if none was stamped.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// generateTraceID creates a random 16-character hex trace ID.
func generateTraceID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
