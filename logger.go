package weaver

import (
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the global default logger with a TextHandler
// and configures the log level based on the WEAVER_LOG_LEVEL environment
// variable. It defaults to Info level if not specified.
//
// The daemon calls this at startup; embedders that bring their own slog
// handler can skip it (see cmd/weaverd for a multi-handler setup).
func ConfigureLogging() {
	// Default to Info.
	logLevel.Set(slog.LevelInfo)

	lvl := os.Getenv("WEAVER_LOG_LEVEL")
	switch lvl {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "WARN":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel sets the logging level for the logger configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// LogLevel returns the level var so external handlers can share it.
func LogLevel() *slog.LevelVar { return logLevel }
