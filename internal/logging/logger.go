// Package logging provides category-based file logging for the bridge.
// Each subsystem writes to its own log file under .patchbridge/logs/,
// which keeps a noisy sandbox run from drowning out session lifecycle
// events when debugging.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBridge   Category = "bridge"
	CategorySession  Category = "session"
	CategoryJob      Category = "job"
	CategoryBackend  Category = "backend"
	CategorySandbox  Category = "sandbox"
	CategoryPipeline Category = "pipeline"
	CategoryStore    Category = "store"
	CategoryAudit    Category = "audit"
)

// Level controls log verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled, timestamped lines for one category.
type Logger struct {
	mu       sync.Mutex
	category Category
	logger   *log.Logger
	file     *os.File
	minLevel Level
}

var (
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)

	configMu  sync.RWMutex
	logDir    = ".patchbridge/logs"
	debugMode bool
	disabled  bool
)

// Configure sets the log directory and debug flag for all loggers created
// afterwards. Call once at startup before the first Get.
func Configure(dir string, debug bool) {
	configMu.Lock()
	defer configMu.Unlock()
	if dir != "" {
		logDir = dir
	}
	debugMode = debug
}

// Disable turns off file logging entirely (used by tests).
func Disable() {
	configMu.Lock()
	defer configMu.Unlock()
	disabled = true
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[category]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l = newLogger(category)
	loggers[category] = l
	return l
}

func newLogger(category Category) *Logger {
	configMu.RLock()
	dir := logDir
	debug := debugMode
	off := disabled
	configMu.RUnlock()

	minLevel := LevelInfo
	if debug {
		minLevel = LevelDebug
	}

	l := &Logger{category: category, minLevel: minLevel}
	if off {
		return l
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return l
	}

	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return l
	}
	l.file = f
	l.logger = log.New(f, "", 0)
	return l
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.minLevel || l.logger == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] %s",
		time.Now().Format("15:04:05.000"), level, l.category, msg)
}

// Debug logs at debug level (only when debug mode is enabled).
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.logger = nil
	return err
}

// CloseAll closes every open logger. Called on shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		_ = l.Close()
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions. These keep call sites terse:
// logging.Session("started %s", id) instead of Get(...).Info(...).

func Bridge(format string, args ...interface{})        { Get(CategoryBridge).Info(format, args...) }
func BridgeDebug(format string, args ...interface{})   { Get(CategoryBridge).Debug(format, args...) }
func BridgeWarn(format string, args ...interface{})    { Get(CategoryBridge).Warn(format, args...) }
func BridgeError(format string, args ...interface{})   { Get(CategoryBridge).Error(format, args...) }
func Session(format string, args ...interface{})       { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{})  { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...interface{})   { Get(CategorySession).Warn(format, args...) }
func Job(format string, args ...interface{})           { Get(CategoryJob).Info(format, args...) }
func JobDebug(format string, args ...interface{})      { Get(CategoryJob).Debug(format, args...) }
func JobError(format string, args ...interface{})      { Get(CategoryJob).Error(format, args...) }
func Backend(format string, args ...interface{})       { Get(CategoryBackend).Info(format, args...) }
func BackendDebug(format string, args ...interface{})  { Get(CategoryBackend).Debug(format, args...) }
func BackendError(format string, args ...interface{})  { Get(CategoryBackend).Error(format, args...) }
func Sandbox(format string, args ...interface{})       { Get(CategorySandbox).Info(format, args...) }
func SandboxDebug(format string, args ...interface{})  { Get(CategorySandbox).Debug(format, args...) }
func SandboxWarn(format string, args ...interface{})   { Get(CategorySandbox).Warn(format, args...) }
func SandboxError(format string, args ...interface{})  { Get(CategorySandbox).Error(format, args...) }
func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...interface{})  { Get(CategoryPipeline).Warn(format, args...) }
func StoreDebug(format string, args ...interface{})    { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{})    { Get(CategoryStore).Error(format, args...) }

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, name string) *Timer {
	Get(category).Debug("%s started", name)
	return &Timer{category: category, name: name, start: time.Now()}
}

// Stop logs the elapsed time.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s completed in %s", t.name, time.Since(t.start))
}
