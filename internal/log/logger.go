package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/journald"
)

// Config captures options for configuring the process-wide logger.
type Config struct {
	Level  string    // "debug", "info", "warn", "error"; defaults to "info"
	Format string    // "auto", "json", "console" or "journald"; defaults to "auto"
	Output io.Writer // optional writer override, takes precedence over Format
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the process-wide zerolog logger exactly once.
// It must run before any component starts logging; later calls are no-ops.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = selectWriter(cfg.Format)
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", "systemd-mqtt").
			Logger()
	})
}

// selectWriter picks the output backend. "auto" prefers the journal when
// systemd connected stdout/stderr to it, a human-readable console writer on
// a terminal, and plain JSON otherwise.
func selectWriter(format string) io.Writer {
	switch format {
	case "json":
		return os.Stderr
	case "console":
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	case "journald":
		return journald.NewJournalDWriter()
	}
	if os.Getenv("JOURNAL_STREAM") != "" {
		return journald.NewJournalDWriter()
	}
	if isTerminal(os.Stderr) {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return os.Stderr
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}
