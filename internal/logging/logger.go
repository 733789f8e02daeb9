package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"raycastlab/tuner/internal/config"
)

// ComponentField names the subsystem that emitted a log line.
const ComponentField = "component"

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level orders log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps TUNER_LOG_LEVEL values onto a Level. An empty value is info.
func ParseLevel(raw string) (Level, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for level, name := range levelNames {
		if name == value {
			return Level(level), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field is one structured attribute of a log line.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Duration renders value in milliseconds.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: float64(value) / float64(time.Millisecond)}
}

func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Error captures the message eagerly; error values rarely marshal to anything useful.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// sink serialises writes from every logger derived from one root.
type sink struct {
	mu sync.Mutex
	w  syncWriter
}

type syncWriter interface {
	io.Writer
	Sync() error
}

// Logger writes one JSON object per line. The envelope (timestamp, level,
// message) comes first, then the bound fields in the order they were added,
// then the call fields. A later field replaces an earlier one with the same key.
type Logger struct {
	level  Level
	out    *sink
	fields []Field
	now    func() time.Time
}

// New builds the process logger: a size-rotated file at cfg.Path mirrored to
// stdout. The result also becomes the global logger.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	file, err := openRotatingFile(cfg)
	if err != nil {
		return nil, err
	}
	writers := fanout{file}
	if os.Stdout != nil {
		writers = append(writers, os.Stdout)
	}
	logger := newLogger(level, writers)
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWriterLogger builds a logger that writes JSON lines to w without rotation.
func NewWriterLogger(w io.Writer, level string) (*Logger, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = io.Discard
	}
	return newLogger(parsed, nopSync{Writer: w}), nil
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newLogger(level Level, w syncWriter) *Logger {
	return &Logger{
		level:  level,
		out:    &sink{w: w},
		fields: []Field{{Key: "service", Value: "tuner"}},
		now:    time.Now,
	}
}

func newNopLogger() *Logger {
	return &Logger{level: DebugLevel, out: &sink{w: nopSync{Writer: io.Discard}}, now: time.Now}
}

// ReplaceGlobals swaps the fallback logger returned by L.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Named tags the logger with the emitting component (rig, hub, export...).
func (l *Logger) Named(component string) *Logger {
	return l.With(String(ComponentField, component))
}

// With returns a child logger carrying fields on every line.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	child := *l
	child.fields = make([]Field, 0, len(l.fields)+len(fields))
	child.fields = append(child.fields, l.fields...)
	child.fields = append(child.fields, fields...)
	return &child
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	if l == nil || l.out == nil {
		return nil
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.w.Sync()
}

func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }

func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields) }

func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields) }

func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

// Fatal logs and exits the process with status 1.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields) }

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	line := encodeLine(l.now().UTC(), level, message, l.fields, fields)
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	_, _ = l.out.w.Write(line)
	if level == FatalLevel {
		_ = l.out.w.Sync()
		os.Exit(1)
	}
}

func encodeLine(at time.Time, level Level, message string, bound, extra []Field) []byte {
	//1.- Later fields win, but each key keeps the position of its first appearance.
	order := make([]string, 0, len(bound)+len(extra))
	values := make(map[string]any, len(bound)+len(extra))
	for _, group := range [2][]Field{bound, extra} {
		for _, field := range group {
			switch field.Key {
			case "timestamp", "level", "message":
				continue
			}
			if _, seen := values[field.Key]; !seen {
				order = append(order, field.Key)
			}
			values[field.Key] = field.Value
		}
	}

	var buf bytes.Buffer
	buf.WriteString(`{"timestamp":`)
	writeJSON(&buf, at.Format(time.RFC3339Nano))
	buf.WriteString(`,"level":`)
	writeJSON(&buf, level.String())
	buf.WriteString(`,"message":`)
	writeJSON(&buf, message)
	for _, key := range order {
		buf.WriteByte(',')
		writeJSON(&buf, key)
		buf.WriteByte(':')
		writeJSON(&buf, values[key])
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

func writeJSON(buf *bytes.Buffer, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		//2.- An unencodable value must not drop the whole line.
		data, _ = json.Marshal(fmt.Sprintf("%v", value))
	}
	buf.Write(data)
}

// fanout mirrors every line to each writer and reports the first failure.
type fanout []syncWriter

func (f fanout) Write(p []byte) (int, error) {
	for _, w := range f {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (f fanout) Sync() error {
	var first error
	for _, w := range f {
		if err := w.Sync(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type nopSync struct {
	io.Writer
}

func (nopSync) Sync() error { return nil }
