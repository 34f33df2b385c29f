// Package logging provides structured logging with file and console output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Entry is a single log line retained in memory for presentation consumers.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Logger wraps zerolog with file output and a bounded in-memory history.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string

	mu      sync.RWMutex
	history []Entry
	maxHist int
}

// Config holds logger configuration
type Config struct {
	LogDir     string   // Directory for log files (default: ~/.voiceturn/logs)
	Level      LogLevel // Minimum log level (default: info)
	MaxHistory int      // Max entries to keep in memory (default: 500)
	Console    bool     // Also log to console (default: true)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".voiceturn", "logs"),
		Level:      LevelInfo,
		MaxHistory: 500,
		Console:    true,
	}
}

// New creates a new Logger with file and console output.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, fmt.Sprintf("voiceturn_%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	writers := []io.Writer{file}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	l := &Logger{
		file:    file,
		logPath: logPath,
		history: make([]Entry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}
	l.zlog = zerolog.New(io.MultiWriter(writers...)).With().
		Timestamp().
		Str("app", "voiceturn").
		Logger().
		Hook(historyHook{l})

	l.zlog.Info().Str("logFile", logPath).Msg("Logger initialized")
	return l, nil
}

// historyHook mirrors emitted events into the bounded history.
type historyHook struct{ l *Logger }

func (h historyHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	h.l.addToHistory(Entry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     level.String(),
		Message:   msg,
	})
}

func (l *Logger) addToHistory(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, entry)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
}

// History returns up to limit most recent log entries.
func (l *Logger) History(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	result := make([]Entry, limit)
	copy(result, l.history[len(l.history)-limit:])
	return result
}

// Path returns the current log file path.
func (l *Logger) Path() string {
	return l.logPath
}

// Component returns a zerolog.Logger with the component field set.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.zlog.Info().Msg("Logger shutting down")
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
