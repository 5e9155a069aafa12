package log

import "context"

// Logger defines a standard interface for structured logging with
// context-carried trace correlation.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]any)
	Info(ctx context.Context, msg string, fields ...map[string]any)
	Warn(ctx context.Context, msg string, fields ...map[string]any)
	Error(ctx context.Context, msg string, err error, fields ...map[string]any)
	Fatal(ctx context.Context, msg string, err error, fields ...map[string]any)
	// With returns a new logger with added structured fields.
	With(fields map[string]any) Logger
}
