// Package logging builds the process-wide zerolog root logger. Components
// derive their own loggers from it with a component field, so one sink and
// one level govern the whole daemon.
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
	Level      string `json:"level"`  // debug, info, warn, error
	Output     string `json:"output"` // "stdout", "stderr", or file path
	Pretty     bool   `json:"pretty"` // human console format instead of JSON
	WithCaller bool   `json:"with_caller"`
}

// New creates the root logger. Unknown levels fall back to info; an
// unopenable log file falls back to stdout rather than failing the boot.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	switch {
	case cfg.Output == "stderr":
		output = os.Stderr
	case cfg.Output != "" && cfg.Output != "stdout":
		if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = file
		}
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.WithCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// ParseLevel converts a level string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
