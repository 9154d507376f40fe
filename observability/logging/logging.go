package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tunes the log sink. The zero value logs INFO and above to stdout.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Output     io.Writer
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger. All log lines include the service name and
// environment when provided. When opts.File is set, output is also written to a
// size-rotated file.
func Setup(service, env string, opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if file := strings.TrimSpace(opts.File); file != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    positiveOr(opts.MaxSizeMB, 100),
			MaxBackups: positiveOr(opts.MaxBackups, 5),
			MaxAge:     positiveOr(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	base := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(base)

	// Bridge the standard library logger so packages using log still emit JSON.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// ParseLevel maps a configuration string onto a slog level, defaulting to INFO.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
