// Package logger builds the gateway's single zerolog.Logger instance.
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/config"
)

// New returns a configured zerolog.Logger for cfg. Level is controlled by
// cfg.LogLevel; console output in development, JSON in production.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var w zerolog.ConsoleWriter
	if cfg.IsDevelopment() {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		return zerolog.New(w).With().Timestamp().Str("service", "gateway").Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Str("service", "gateway").Logger()
}

// SetLevel changes the global log level at runtime. No HTTP route calls it.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
