// Package log wires up the process-wide slog logger used by cmd/darkauth and
// server. The shape mirrors dex's cmd/dex/logger.go: a handler wrapper that
// pulls request-scoped attributes (request id, remote IP) out of the context
// so every log line emitted underneath an HTTP handler is automatically
// tagged without threading those values through every call site.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Formats accepted by the logger.format config field.
var Formats = []string{"json", "text"}

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyRemoteIP  ctxKey = "remote_ip"
)

// WithRequestID returns a context carrying id for later attribute injection.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// WithRemoteIP returns a context carrying ip for later attribute injection.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyRemoteIP, ip)
}

// New builds the process logger at level, in either "json" or "text" format.
func New(level slog.Level, format string) (*slog.Logger, error) {
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(Formats, ", "), format)
	}
	return slog.New(requestContextHandler{handler: handler}), nil
}

type requestContextHandler struct {
	handler slog.Handler
}

var _ slog.Handler = requestContextHandler{}

func (h requestContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h requestContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok && v != "" {
		record.AddAttrs(slog.String(string(ctxKeyRequestID), v))
	}
	if v, ok := ctx.Value(ctxKeyRemoteIP).(string); ok && v != "" {
		record.AddAttrs(slog.String(string(ctxKeyRemoteIP), v))
	}
	return h.handler.Handle(ctx, record)
}

func (h requestContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestContextHandler{h.handler.WithAttrs(attrs)}
}

func (h requestContextHandler) WithGroup(name string) slog.Handler {
	return requestContextHandler{h.handler.WithGroup(name)}
}
