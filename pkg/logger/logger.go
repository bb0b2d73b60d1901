// Package logger configures the process-wide zerolog logger and exposes
// the event helpers the server logs through.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level, encoding and destination for the global logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output string // stdout, file
	File   string // file path when Output is "file"
}

// Setup initializes the global logger. Unknown levels fall back to info.
func Setup(cfg Config) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer io.Writer = os.Stdout
	if cfg.Output == "file" {
		if cfg.File == "" {
			cfg.File = "burrow.log"
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writer = file
	}

	if cfg.Format == "text" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Caller().Logger()
	return nil
}

// Info logs a bare info message.
func Info(msg string) {
	log.Info().Msg(msg)
}

// InfoEvent returns an info event for field chaining.
func InfoEvent() *zerolog.Event {
	return log.Info()
}

// DebugEvent returns a debug event for field chaining.
func DebugEvent() *zerolog.Event {
	return log.Debug()
}

// WarnEvent returns a warning event for field chaining.
func WarnEvent() *zerolog.Event {
	return log.Warn()
}

// ErrorEvent returns an error event for field chaining.
func ErrorEvent() *zerolog.Event {
	return log.Error()
}
