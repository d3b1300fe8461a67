package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Default logger instance
	defaultLogger *zap.Logger
)

// InitLogger initializes the default logger.
//
// LOG_LEVEL selects the level (debug, info, warn, error; default info).
// LOG_OUTPUT selects the sink (default stderr, so interactive terminals
// keep stdout for remote shell output).
func InitLogger() error {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(levelFromEnv(os.Getenv("LOG_LEVEL")))

	// Configure output
	output := os.Getenv("LOG_OUTPUT")
	if output == "" {
		output = "stderr"
	}
	config.OutputPaths = []string{output}
	config.ErrorOutputPaths = []string{"stderr"}

	// Configure encoder
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := config.Build()
	if err != nil {
		return err
	}
	defaultLogger = logger

	// Replace global logger
	zap.ReplaceGlobals(defaultLogger)
	return nil
}

// SetLevel rebuilds nothing; it swaps the default logger for one that only
// emits entries at or above level. Used by interactive commands that must
// keep the terminal quiet.
func SetLevel(level zapcore.Level) {
	Logger()
	defaultLogger = defaultLogger.WithOptions(zap.IncreaseLevel(level))
	zap.ReplaceGlobals(defaultLogger)
}

func levelFromEnv(v string) zapcore.Level {
	switch strings.ToLower(v) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Logger returns the default logger instance
func Logger() *zap.Logger {
	if defaultLogger == nil {
		// Fallback to basic logger if not initialized
		logger, err := zap.NewProduction()
		if err != nil {
			// If production logger fails, try development logger as last resort
			logger, err = zap.NewDevelopment()
			if err != nil {
				// If all else fails, use Nop logger to prevent nil pointer
				logger = zap.NewNop()
			}
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// SetLogger replaces the default logger. Tests use it to install
// zap.NewNop() or an observer core.
func SetLogger(logger *zap.Logger) {
	defaultLogger = logger
}

// Sync flushes any buffered log entries
func Sync() error {
	if defaultLogger != nil {
		if err := defaultLogger.Sync(); err != nil {
			// Sync errors are often safe to ignore (e.g., /dev/stderr on Linux)
			return err
		}
	}
	return nil
}
