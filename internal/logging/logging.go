// Package logging builds the root zerolog logger for the service.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/centerfuze/opentext-service/internal/config"
)

// New builds the root logger from service configuration: console
// output in development, JSON to stdout everywhere else, with the
// service identity as base fields. Components narrow it further with
// their own fields.
func New(cfg config.ServiceConfig) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.ServiceConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.Name).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()
}
