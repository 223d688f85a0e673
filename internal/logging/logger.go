package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger handles multi-destination logging with a runtime-switchable debug level
type Logger struct {
	zl      zerolog.Logger
	debug   *atomic.Bool
	closer  io.Closer
	closeMu sync.Mutex
}

// Config holds logger configuration
type Config struct {
	LogFile     string // Path to log file, empty disables file output
	MaxSizeMB   int    // Rotate the log file after this many megabytes
	MaxBackups  int    // Number of rotated files to keep
	MaxAgeDays  int    // Days to keep rotated files
	EnableDebug bool   // Enable debug logging
	Console     io.Writer
}

// NewLogger creates a new logger instance.
// The console only shows info and above; the file receives debug too when enabled.
func NewLogger(config Config) (*Logger, error) {
	console := config.Console
	if console == nil {
		console = os.Stderr
	}

	writers := []io.Writer{
		levelFilter{
			w:   zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"},
			min: zerolog.InfoLevel,
		},
	}

	var closer io.Closer
	if config.LogFile != "" {
		logDir := filepath.Dir(config.LogFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
		writers = append(writers, file)
		closer = file
	}

	debug := &atomic.Bool{}
	debug.Store(config.EnableDebug)

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger()

	return &Logger{zl: zl, debug: debug, closer: closer}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop(), debug: &atomic.Bool{}}
}

// With returns a child logger carrying an extra string field. The child shares
// the parent's debug switch and output.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{
		zl:    l.zl.With().Str(key, value).Logger(),
		debug: l.debug,
	}
}

// SetDebug toggles debug output at runtime
func (l *Logger) SetDebug(enable bool) {
	l.debug.Store(enable)
}

// DebugEnabled reports whether debug output is on
func (l *Logger) DebugEnabled() bool {
	return l.debug.Load()
}

// Debug starts a debug event; nil (a no-op) unless debug is enabled
func (l *Logger) Debug() *zerolog.Event {
	if !l.debug.Load() {
		return nil
	}
	return l.zl.Debug()
}

// Info starts an info event
func (l *Logger) Info() *zerolog.Event {
	return l.zl.Info()
}

// Warn starts a warning event
func (l *Logger) Warn() *zerolog.Event {
	return l.zl.Warn()
}

// Error starts an error event
func (l *Logger) Error() *zerolog.Event {
	return l.zl.Error()
}

// Close closes the log file
func (l *Logger) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()

	if l.closer != nil {
		err := l.closer.Close()
		l.closer = nil
		return err
	}
	return nil
}

// levelFilter drops events below min before they reach w
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

// Global logger instance
var (
	globalLogger   *Logger
	globalLoggerMu sync.RWMutex
)

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(config Config) (*Logger, error) {
	logger, err := NewLogger(config)
	if err != nil {
		return nil, err
	}

	globalLoggerMu.Lock()
	globalLogger = logger
	globalLoggerMu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return logger, nil
}

// L returns the global logger, or a no-op logger before initialization
func L() *Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()

	if globalLogger == nil {
		return NewNop()
	}
	return globalLogger
}

// CloseGlobalLogger closes the global logger
func CloseGlobalLogger() error {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()

	if globalLogger != nil {
		return globalLogger.Close()
	}
	return nil
}
