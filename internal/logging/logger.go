package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the severity of a log entry.
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
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name in JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel maps a level name to a Level. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatCard      Category = "card"
	CatSAM       Category = "sam"
	CatSession   Category = "session"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatJournal   Category = "journal"
)

// Entry is one buffered log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Stats summarises the buffer content.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger writes through logrus and keeps the most recent entries in a ring
// buffer for the HTTP API.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	out      *logrus.Logger
}

var (
	defaultLogger *Logger
	initOnce      sync.Once
)

// New returns a logger buffering capacity entries at or above level.
func New(capacity int, level Level, w io.Writer) *Logger {
	if capacity <= 0 {
		capacity = 1000
	}
	out := logrus.New()
	out.SetOutput(w)
	out.SetLevel(level.logrus())
	out.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{
		entries:  make([]Entry, capacity),
		minLevel: level,
		out:      out,
	}
}

// Init sets up the process-wide logger. Later calls are ignored.
func Init(capacity int, level Level) {
	initOnce.Do(func() {
		defaultLogger = New(capacity, level, os.Stderr)
	})
}

// Get returns the process-wide logger, creating a default one if Init was
// never called.
func Get() *Logger {
	Init(1000, LevelInfo)
	return defaultLogger
}

// SetFormat switches the output between "text" and "json".
func (l *Logger) SetFormat(format string) {
	if strings.EqualFold(format, "json") {
		l.out.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	l.out.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
	l.out.SetLevel(level.logrus())
}

// SetOutput redirects the logrus output.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

func (l *Logger) log(level Level, cat Category, msg string, fields map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	l.entries[l.next] = Entry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  cat,
		Message:   msg,
		Fields:    fields,
	}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	e := l.out.WithField("category", string(cat))
	if len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	e.Log(level.logrus(), msg)
}

// GetEntries returns up to limit entries, newest first, optionally filtered
// by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}
	out := make([]Entry, 0, min(limit, size))
	for i := 0; i < size && len(out) < limit; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		e := l.entries[idx]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats counts the buffered entries.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}
	s := Stats{
		Total:      size,
		Capacity:   len(l.entries),
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for i := 0; i < size; i++ {
		e := l.entries[i]
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops every buffered entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

func Debug(cat Category, msg string, fields map[string]any) {
	Get().log(LevelDebug, cat, msg, fields)
}

func Info(cat Category, msg string, fields map[string]any) {
	Get().log(LevelInfo, cat, msg, fields)
}

func Warn(cat Category, msg string, fields map[string]any) {
	Get().log(LevelWarn, cat, msg, fields)
}

func Error(cat Category, msg string, fields map[string]any) {
	Get().log(LevelError, cat, msg, fields)
}
