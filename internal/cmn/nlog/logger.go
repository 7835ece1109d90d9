// Package nlog is the orchestrator's own leveled logger. It is a thin
// wrapper around the standard library logger, in the spirit of the
// upstream nlog package this project is patterned after: no external
// logging framework, just enough structure (levels, a swappable default,
// a verbosity gate) to keep call sites uniform.
package nlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) tag() string {
	switch l {
	case LevelDebug:
		return "[DEBUG]"
	case LevelInfo:
		return "[INFO]"
	case LevelWarn:
		return "[WARN]"
	case LevelError:
		return "[ERROR]"
	default:
		return "[?]"
	}
}

// Config configures a Logger.
type Config struct {
	Level     Level
	Output    io.Writer
	Verbosity int // gates V(n): V(n) is true for every n <= Verbosity
}

func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Output: os.Stderr}
}

// Logger is a leveled logger safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	logger    *log.Logger
	level     Level
	verbosity int
}

func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		logger:    log.New(out, "", log.LstdFlags|log.Lmicroseconds),
		level:     cfg.Level,
		verbosity: cfg.Verbosity,
	}
}

var (
	defMu sync.RWMutex
	def   *Logger
)

// Default returns the process-wide default logger, creating it on first use.
func Default() *Logger {
	defMu.RLock()
	if def != nil {
		defer defMu.RUnlock()
		return def
	}
	defMu.RUnlock()

	defMu.Lock()
	defer defMu.Unlock()
	if def == nil {
		def = New(nil)
	}
	return def
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defMu.Lock()
	def = l
	defMu.Unlock()
}

func (l *Logger) log(lvl Level, msg string) {
	if lvl < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("%s %s", lvl.tag(), msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, fmt.Sprintf(format, args...)) }

func (l *Logger) Debugln(args ...any) { l.log(LevelDebug, fmt.Sprintln(args...)) }
func (l *Logger) Infoln(args ...any)  { l.log(LevelInfo, fmt.Sprintln(args...)) }
func (l *Logger) Warnln(args ...any)  { l.log(LevelWarn, fmt.Sprintln(args...)) }
func (l *Logger) Errorln(args ...any) { l.log(LevelError, fmt.Sprintln(args...)) }

// V reports whether verbosity level n is enabled. Matches the call-site
// shape of `cmn.Rom.FastV(n, module)` in the teacher pack, minus the
// per-module gating this project has no need for.
func (l *Logger) V(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return n <= l.verbosity
}

// Package-level convenience wrappers over Default().

func Debugf(format string, args ...any) { Default().Debugf(format, args...) }
func Infof(format string, args ...any)  { Default().Infof(format, args...) }
func Warnf(format string, args ...any)  { Default().Warnf(format, args...) }
func Errorf(format string, args ...any) { Default().Errorf(format, args...) }

func Debugln(args ...any) { Default().Debugln(args...) }
func Infoln(args ...any)  { Default().Infoln(args...) }
func Warnln(args ...any)  { Default().Warnln(args...) }
func Errorln(args ...any) { Default().Errorln(args...) }

func V(n int) bool { return Default().V(n) }
