// Package logx provides component-scoped, leveled logging with an explicit
// visibility on every entry and pluggable sinks.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Visibility says who an entry is meant for. User entries are surfaced to
// the person driving the thread; internal entries are operator diagnostics.
type Visibility int8

const (
	VisibilityInternal Visibility = iota
	VisibilityUser
)

func (v Visibility) String() string {
	if v == VisibilityUser {
		return "user"
	}
	return "internal"
}

// Entry is one log record handed to a Sink.
type Entry struct {
	Time       time.Time  `json:"time"`
	Component  string     `json:"component"`
	Level      Level      `json:"level"`
	Domain     string     `json:"domain,omitempty"`
	Message    string     `json:"message"`
	Visibility Visibility `json:"-"`
}

// Sink receives log entries. Implementations must be safe for concurrent use.
type Sink interface {
	Write(e *Entry)
}

// TextSink writes entries in the "[time] [component] LEVEL: message" layout.
type TextSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTextSink creates a text sink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{out: w}
}

// Write implements Sink.
func (s *TextSink) Write(e *Entry) {
	ts := e.Time.UTC().Format("2006-01-02T15:04:05.000Z")
	level := string(e.Level)
	if e.Visibility == VisibilityUser {
		level += " (user)"
	}
	msg := e.Message
	if e.Domain != "" {
		msg = fmt.Sprintf("[%s] %s", e.Domain, msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "[%s] [%s] %s: %s\n", ts, e.Component, level, msg)
}

// MultiSink fans an entry out to several sinks.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(e *Entry) {
	for _, s := range m {
		s.Write(e)
	}
}

// Logger is a component-scoped logger.
type Logger struct {
	sink       Sink
	component  string
	minLevel   Level
	visibility Visibility
}

// NewLogger creates a logger for component writing to stderr and the
// in-memory buffer.
func NewLogger(component string) *Logger {
	return NewLoggerWithSink(component, MultiSink{NewTextSink(os.Stderr), Buffer()}, LevelInfo)
}

// NewLoggerWithSink creates a logger with an explicit sink and minimum level.
func NewLoggerWithSink(component string, sink Sink, minLevel Level) *Logger {
	if sink == nil {
		sink = Discard()
	}
	if minLevel == "" {
		minLevel = LevelInfo
	}
	return &Logger{component: component, sink: sink, minLevel: minLevel}
}

// Nop returns a logger that drops everything.
func Nop() *Logger {
	return NewLoggerWithSink("nop", Discard(), LevelError)
}

// WithComponent returns a logger sharing the sink under a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	out := *l
	out.component = component
	return &out
}

// ForUser returns a logger whose entries are marked user-visible.
func (l *Logger) ForUser() *Logger {
	out := *l
	out.visibility = VisibilityUser
	return &out
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) log(level Level, domain, format string, args ...any) {
	if level.rank() < l.minLevel.rank() && !(level == LevelDebug && IsDebugEnabledForDomain(domain)) {
		return
	}
	l.sink.Write(&Entry{
		Time:       time.Now().UTC(),
		Component:  l.component,
		Level:      level,
		Domain:     domain,
		Message:    fmt.Sprintf(format, args...),
		Visibility: l.visibility,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	l.log(LevelDebug, "", format, args...)
}

// DebugDomain logs a debug entry that is also emitted when DEBUG=1 enables
// the domain, regardless of the logger's minimum level.
//
//	DEBUG=1                          # all domains
//	DEBUG=1 DEBUG_DOMAINS=gather,vcs # selected domains
func (l *Logger) DebugDomain(domain, format string, args ...any) {
	l.log(LevelDebug, domain, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, "", format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, "", format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, "", format, args...)
}

type discardSink struct{}

func (discardSink) Write(*Entry) {}

// Discard returns a sink that drops all entries.
func Discard() Sink {
	return discardSink{}
}
