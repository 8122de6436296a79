package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// logMaxBackups is how many rotated log files are kept.
	logMaxBackups = 3

	// logMaxAgeDays is how long rotated log files are kept.
	logMaxAgeDays = 28
)

// FileOptions configures the optional rotating log file. An empty Path
// disables file logging.
type FileOptions struct {
	Path      string
	MaxSizeMB int
}

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

// NewLoggerWithFile is NewLogger teed into a size-rotated log file.
// The returned closer flushes and closes the file and must be called
// on shutdown.
func NewLoggerWithFile(env string, file FileOptions) (*slog.Logger, io.Closer) {
	if file.Path == "" {
		return NewLogger(env), io.NopCloser(nil)
	}

	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
		Compress:   true,
	}

	return newLogger(env, io.MultiWriter(os.Stdout, rotator)), rotator
}

func newLogger(env string, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
