// Package logx provides structured logging for moodb using zerolog.
//
// It wraps github.com/rs/zerolog the way the rest of the ecosystem does:
// a package-level Logger initialized once via Init, with component-scoped
// child loggers for the store, VM, and scheduler packages.
package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Until Init is called it is the
// info-level console logger on stderr that this package's init sets up.
var Logger zerolog.Logger

// Level is a moodb log level, decoupled from zerolog's so callers don't
// need to import zerolog directly.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global Logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given component
// name (e.g. "bufferpool", "txn", "wal", "vm", "scheduler").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTxnID tags a child logger with a transaction id.
func WithTxnID(id uint64) zerolog.Logger {
	return Logger.With().Uint64("txn_id", id).Logger()
}

// WithTaskID tags a child logger with a scheduler task id.
func WithTaskID(id uint64) zerolog.Logger {
	return Logger.With().Uint64("task_id", id).Logger()
}

// WithRelation tags a child logger with a relation name.
func WithRelation(name string) zerolog.Logger {
	return Logger.With().Str("relation", name).Logger()
}

func init() {
	// Default to a quiet console logger so packages that log before the
	// embedder calls Init don't panic on a zero-value Logger.
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
}
