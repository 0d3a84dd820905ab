// Package logging configures the process-wide zerolog logger for Orquesta.
// Components obtain child loggers tagged with a component name so that
// planner decisions, executor attempts and cache activity can be filtered
// in the output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger behavior.
type Config struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	Level string

	// File is an optional path for persistent logs. Empty disables file output.
	File string

	// Console enables human-readable console output on stderr.
	// When false, output is JSON (suitable for log shippers).
	Console bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:   "info",
		Console: true,
	}
}

var (
	globalMu sync.RWMutex
	global   = newLogger(DefaultConfig())
)

// Setup builds the global logger from cfg. Call once at startup,
// before any component loggers are created.
func Setup(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	writers := make([]io.Writer, 0, 2)
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		writers = append(writers, os.Stderr)
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()

	globalMu.Lock()
	global = logger
	globalMu.Unlock()
	return nil
}

func newLogger(cfg *Config) zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.Level)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// Global returns the process-wide logger.
func Global() zerolog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Global().With().Str("component", name).Logger()
}

// SetLevel changes the global minimum level at runtime.
func SetLevel(level zerolog.Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = global.Level(level)
}
