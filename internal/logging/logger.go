package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/rendis/callflow/pkg/schema"
)

// ParseLevel maps a level name to slog.Level. Unknown names are rejected.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, schema.NewErrorf(schema.ErrCodeValidation, "unknown log level %q", s)
}

// New builds the process logger: a text or json handler wrapped with
// correlation injection. The "error" attribute is emitted as "err".
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}

	var inner slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		inner = slog.NewTextHandler(w, opts)
	case "json":
		inner = slog.NewJSONHandler(w, opts)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown log format %q", format)
	}
	return slog.New(NewCorrelationHandler(inner)), nil
}
