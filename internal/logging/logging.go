// Package logging is the thin zerolog facade every other package logs
// through: Configure installs the process-wide logger once, and the
// leveled printf helpers (Debugf, Infof, Warnf, Errf, Tracef) write to
// it. Callers never import zerolog directly.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Level mirrors zerolog's level enum under this package's own name so
// callers never import zerolog directly.
type Level = zerolog.Level

const (
	TraceLevel = zerolog.TraceLevel
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	Disabled   = zerolog.Disabled
)

// Config controls the process-wide logger.
type Config struct {
	Level     Level
	Timestamp bool
	NoColor   bool
	Bypass    bool
}

// DefaultConfig returns the baseline logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:     InfoLevel,
		Timestamp: true,
		NoColor:   false,
		Bypass:    false,
	}
}

var logger zerolog.Logger

func init() {
	logger = newLogger(DefaultConfig())
}

// Configure installs cfg as the process-wide logger.
func Configure(cfg Config) {
	logger = newLogger(cfg)
}

func newLogger(cfg Config) zerolog.Logger {
	if cfg.Bypass {
		return zerolog.Nop()
	}
	var out io.Writer = os.Stderr
	noColor := cfg.NoColor || !isatty.IsTerminal(os.Stderr.Fd())
	out = colorable.NewColorable(os.Stderr)
	writer := zerolog.ConsoleWriter{Out: out, NoColor: noColor, TimeFormat: time.RFC3339}
	l := zerolog.New(writer).Level(cfg.Level)
	if cfg.Timestamp {
		l = l.With().Timestamp().Logger()
	}
	return l
}

func Debugf(format string, args ...any) { logger.Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { logger.Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { logger.Warn().Msgf(format, args...) }
func Errf(format string, args ...any)   { logger.Error().Msgf(format, args...) }
func Tracef(format string, args ...any) { logger.Trace().Msgf(format, args...) }
