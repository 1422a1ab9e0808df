// Package logger builds the zerolog root logger used across the service.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger.
type Options struct {
	Level   string
	Format  string // "console" or "json"
	Service string
	Writer  io.Writer
}

// Logger is the project-wide logging type.
type Logger = zerolog.Logger

// New builds a root logger from opt.
func New(opt Options) Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stdout
	if opt.Writer != nil {
		w = opt.Writer
	}
	if strings.ToLower(opt.Format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}
	return ctx.Logger()
}

// Nop returns a disabled logger for tests and optional dependencies.
func Nop() Logger { return zerolog.Nop() }

// Named returns a child logger with a component field.
func Named(l Logger, component string) Logger {
	return l.With().Str("component", component).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
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
