package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger. It discards output until Init runs.
var Logger = zerolog.Nop()

// Level is a log level name as it appears in config
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects level and format for Init
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init replaces the global logger. Output defaults to stdout.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerologLevel())

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// WithComponent tags a child logger with the worker or service name
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJob creates a child logger tagged with an agent job's identity
func WithJob(id string, jobType string) zerolog.Logger {
	return Logger.With().Str("job_id", id).Str("job_type", jobType).Logger()
}

// ParseLevel maps a config string to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch Level(s) {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		return Level(s)
	}
	return InfoLevel
}
