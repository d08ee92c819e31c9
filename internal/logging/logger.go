package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kingrea/missionctl/internal/config"
)

// EnvLogLevel overrides the minimum level (trace, debug, info, warn, error).
const EnvLogLevel = "MISSIONCTL_LOG_LEVEL"

// Logger writes structured lines to .missionctl/logs/missionctl.log so
// operators can inspect transitions and delivery failures after the process
// exits.
type Logger struct {
	zl   zerolog.Logger
	file *os.File
}

// New creates (or reuses) the log file for the workspace directory.
func New(workspaceDir string) (*Logger, error) {
	logDir := filepath.Join(workspaceDir, config.Dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "missionctl.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	l := NewWriter(f)
	l.file = f
	return l, nil
}

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer) *Logger {
	zl := zerolog.New(w).Level(LevelFromEnv()).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// NewConsole logs human readable lines, for foreground commands.
func NewConsole(w io.Writer) *Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return NewWriter(out)
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// LevelFromEnv reads EnvLogLevel, defaulting to info.
func LevelFromEnv() zerolog.Level {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		return lvl
	}
	return zerolog.InfoLevel
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

// With returns a child logger carrying key=value on every line.
func (l *Logger) With(key, value string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// Zerolog exposes the underlying logger for structured call sites.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.zl
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single info line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.zl.Info().Msg(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// Debug starts a debug event.
func (l *Logger) Debug() *zerolog.Event { return l.Zerolog().Debug() }

// Info starts an info event.
func (l *Logger) Info() *zerolog.Event { return l.Zerolog().Info() }

// Warn starts a warning event.
func (l *Logger) Warn() *zerolog.Event { return l.Zerolog().Warn() }

// Error starts an error event.
func (l *Logger) Error() *zerolog.Event { return l.Zerolog().Error() }
