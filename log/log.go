package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gammadia/towerlaunch/flags"
	"github.com/spf13/viper"
)

// logger discards everything until Init is called
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Init configures the logger from viper. Logs go to stderr so that stdout stays usable in pipes.
func Init() error {
	return InitWriter(os.Stderr)
}

func InitWriter(w io.Writer) error {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	if viper.GetBool(flags.Verbose) && logLevel > slog.LevelInfo {
		logLevel = slog.LevelInfo
	}

	options := slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     logLevel,
	}

	var handler slog.Handler
	switch format := viper.GetString(flags.LogFormat); format {
	case "json":
		handler = slog.NewJSONHandler(w, &options)
	case "text":
		handler = slog.NewTextHandler(w, &options)
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}

	logger = slog.New(handler).With("component", "towerlaunch")
	return nil
}

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	logger.DebugContext(ctx, msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	logger.InfoContext(ctx, msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

func With(args ...any) *slog.Logger {
	return logger.With(args...)
}
