package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or console
	Output string `json:"output"` // stdout, stderr, or file path
}

// New builds the root logger. Components derive their own loggers from it
// with .With().Str("component", ...).Logger().
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			out = file
		}
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel converts a level string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Sink receives log lines for persistence.
type Sink interface {
	AppendLog(level, message string)
}

// SinkHook tees warn-and-above log lines into a Sink so operational problems
// show up in the dashboard log ring, not just on stdout.
type SinkHook struct {
	sink Sink
}

// NewSinkHook wraps a Sink for use with zerolog's Hook().
func NewSinkHook(sink Sink) SinkHook {
	return SinkHook{sink: sink}
}

// Run implements zerolog.Hook.
func (h SinkHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if h.sink == nil || message == "" {
		return
	}
	if level >= zerolog.WarnLevel && level < zerolog.NoLevel {
		h.sink.AppendLog(strings.ToUpper(level.String()), message)
	}
}
