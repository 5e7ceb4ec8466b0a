package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel    Level = "debug"
	InfoLevel     Level = "info"
	WarnLevel     Level = "warn"
	ErrorLevel    Level = "error"
	CriticalLevel Level = "critical"
)

// criticalFieldLevel maps the spec's CRITICAL severity onto zerolog's closest
// built-in level. zerolog has no native "critical" level; the distinction
// that matters to the orchestrator (a log line that must never be filtered
// away) is preserved by always stamping a "critical" field rather than by
// relying on level filtering alone.
const criticalFieldLevel = zerolog.ErrorLevel

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case CriticalLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkerID creates a child logger with worker_id field
func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

// WithTaskID creates a child logger with task_id field
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithCycle returns a child logger carrying the given cycle number as an
// explicit field. Cycle context is never stored in a package-level or
// goroutine-local variable: every call site that needs it threads this
// logger (or the cycle number itself) through its arguments, so nothing
// leaks across concurrently running orchestrator instances in the same
// process.
func WithCycle(base zerolog.Logger, cycleNumber int64) zerolog.Logger {
	return base.With().Int64("cycle_number", cycleNumber).Logger()
}

// Critical logs at the highest severity the orchestrator emits. These lines
// are meant to remain visible even when downstream log level filtering is
// misconfigured, so the event carries a "critical" marker field in addition
// to its zerolog level.
func Critical(logger zerolog.Logger) *zerolog.Event {
	return logger.WithLevel(criticalFieldLevel).Bool("critical", true)
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
