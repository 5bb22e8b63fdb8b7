// Package logging
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lukeed/quicklink/packages/domain"
	"gopkg.in/natefinch/lumberjack.v2"
)

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a JSON logger writing to stdout and, when logFile is set,
// to a rotated file. It returns the logger it made the default.
func Setup(level, logFile, service string) *slog.Logger {
	var out io.Writer = os.Stdout
	if logFile != "" {
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error(
				"Failed to create log directory", "path", logDir, "error", err,
			)
		}

		logRotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, logRotator)
	}

	logger := slog.New(NewHandler(out, ParseLevel(level), service))
	slog.SetDefault(logger)
	return logger
}

func NewHandler(w io.Writer, level slog.Level, service string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}).WithAttrs([]slog.Attr{slog.String("service", service)})
}

// Observer logs every listener decision at debug level.
type Observer struct {
	Logger *slog.Logger
}

func (o Observer) Observe(ev domain.Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("Link decision",
		"page_url", ev.PageURL,
		"url", ev.URL,
		"outcome", string(ev.Outcome),
		"high_priority", ev.HighPriority,
	)
}
