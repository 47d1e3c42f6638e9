// Package logging implements PAM's per-level log routing, the bounded
// in-memory ring used by the live-tail SSE endpoint, and rotated,
// gzip-compressed per-component log files.
package logging

import (
	"container/ring"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Level is one of PAM's five severities, matching the log-output config map.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

var levelOrder = map[Level]int{
	LevelDebug:    0,
	LevelInfo:     1,
	LevelWarning:  2,
	LevelError:    3,
	LevelCritical: 4,
}

// ParseLevel maps a case-insensitive level name to a Level, defaulting to
// INFO for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR":
		return LevelError
	case "CRITICAL":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Entry is a single PAM log record: (timestamp, level, component, message).
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// Manager routes log records to terminal/file sinks per level, keeps a
// bounded ring for live streaming, and fans out to SSE subscribers.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	size     int
	minLevel Level
	sinks    *SinkSet
	handlers []chan Entry
}

// NewManager creates a manager with a ring of the given size (≥1000 per the
// documented minimum) and the configured minimum severity.
func NewManager(ringSize int, minLevel Level, sinks *SinkSet) *Manager {
	if ringSize < 1000 {
		ringSize = 1000
	}
	return &Manager{
		buffer:   ring.New(ringSize),
		size:     ringSize,
		minLevel: minLevel,
		sinks:    sinks,
	}
}

// Log records an entry: appends to the ring, fans out to SSE subscribers,
// and writes to whichever sinks the log-output config assigns this level.
func (m *Manager) Log(level Level, component, format string, args ...interface{}) {
	if levelOrder[level] < levelOrder[m.minLevel] {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := append([]chan Entry(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		select {
		case h <- entry:
		default:
		}
	}

	if m.sinks != nil {
		m.sinks.Write(entry)
	}
}

func (m *Manager) Debug(component, format string, args ...interface{}) {
	m.Log(LevelDebug, component, format, args...)
}
func (m *Manager) Info(component, format string, args ...interface{}) {
	m.Log(LevelInfo, component, format, args...)
}
func (m *Manager) Warning(component, format string, args ...interface{}) {
	m.Log(LevelWarning, component, format, args...)
}
func (m *Manager) Error(component, format string, args ...interface{}) {
	m.Log(LevelError, component, format, args...)
}
func (m *Manager) Critical(component, format string, args ...interface{}) {
	m.Log(LevelCritical, component, format, args...)
}

// Recent returns up to limit entries from the ring, newest first, optionally
// filtered by minimum level.
func (m *Manager) Recent(limit int, levelFilter Level) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > m.size {
		limit = m.size
	}

	entries := make([]Entry, 0, limit)
	m.buffer.Do(func(v interface{}) {
		e, ok := v.(Entry)
		if !ok {
			return
		}
		if levelFilter != "" && levelOrder[e.Level] < levelOrder[levelFilter] {
			return
		}
		entries = append(entries, e)
	})
	// Do walks oldest to newest; keep the newest limit entries.
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// Subscribe registers a channel that receives every future log entry,
// feeding the SSE log-stream handler. Call the returned function to
// unsubscribe.
func (m *Manager) Subscribe(buffer int) (<-chan Entry, func()) {
	ch := make(chan Entry, buffer)
	m.mu.Lock()
	m.handlers = append(m.handlers, ch)
	m.mu.Unlock()

	unsub := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, h := range m.handlers {
			if h == ch {
				m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

// stdlibWriter implements io.Writer so stdlib log.Printf output from
// vendored components is routed through the structured manager instead of
// bypassing it.
type stdlibWriter struct {
	manager   *Manager
	component string
}

func (w *stdlibWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	level := LevelInfo
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "fail"):
		level = LevelError
	case strings.Contains(lower, "warn"):
		level = LevelWarning
	}
	w.manager.Log(level, w.component, "%s", msg)
	return len(p), nil
}

// InstallStdlibInterceptor redirects the stdlib log package's output
// through this manager under the given component name. Used for teacher
// code paths that still call log.Printf directly.
func (m *Manager) InstallStdlibInterceptor(component string) {
	log.SetOutput(&stdlibWriter{manager: m, component: component})
	log.SetFlags(0)
}
