// Package logging provides structured logging for the CLI and the server.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with mode-specific output.
type Logger struct {
	zlog zerolog.Logger
	mode string // "cli", "server" or "nop"
}

// NewLogger creates a new logger for the specified mode writing to out.
// A nil out selects the mode default: stdout for the CLI (stderr is left
// to progress bars), stderr for the server. Server output is never colored
// so it can be redirected to a file.
func NewLogger(mode string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
		if mode == "cli" {
			out = os.Stdout
		}
	}
	zlog := zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		NoColor:    mode == "server",
	}).With().Timestamp().Logger()
	return &Logger{zlog: zlog, mode: mode}
}

// NewDefaultCLILogger creates a default CLI logger.
func NewDefaultCLILogger() *Logger {
	return NewLogger("cli", nil)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop(), mode: "nop"}
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }

// Child returns a new Logger carrying the given string fields, e.g. the
// component name or a run id.
func (l *Logger) Child(fields map[string]string) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return &Logger{zlog: ctx.Logger(), mode: l.mode}
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
