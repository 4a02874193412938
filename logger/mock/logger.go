// Package mocklogger is a capturing Logger for assertions in tests.
package mocklogger

import (
	"sync"

	"github.com/hazelstream/substream/logger"
)

var _ logger.Logger = (*MockLogger)(nil)

type LogEntry struct {
	Level   logger.LogLevel
	Message string
	KV      []any
}

type MockLogger struct {
	mu      *sync.Mutex
	entries *[]LogEntry
	args    []any
}

func New() *MockLogger {
	entries := make([]LogEntry, 0)
	return &MockLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (m *MockLogger) Entries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LogEntry, len(*m.entries))
	copy(out, *m.entries)
	return out
}

func (m *MockLogger) Log(level logger.LogLevel, msg string, kv ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	*m.entries = append(*m.entries, LogEntry{
		Level:   level,
		Message: msg,
		KV:      append(append([]any{}, m.args...), kv...),
	})
}

func (m *MockLogger) Level() logger.LogLevel {
	return logger.DebugLevel
}

func (m *MockLogger) With(kv ...any) logger.Logger {
	return &MockLogger{
		mu:      m.mu,
		entries: m.entries,
		args:    append(append([]any{}, m.args...), kv...),
	}
}

func (m *MockLogger) Debug(msg string, kv ...any) { m.Log(logger.DebugLevel, msg, kv...) }
func (m *MockLogger) Info(msg string, kv ...any)  { m.Log(logger.InfoLevel, msg, kv...) }
func (m *MockLogger) Warn(msg string, kv ...any)  { m.Log(logger.WarnLevel, msg, kv...) }
func (m *MockLogger) Error(msg string, kv ...any) { m.Log(logger.ErrorLevel, msg, kv...) }

// HasMessage reports whether any captured entry's message equals msg.
func (m *MockLogger) HasMessage(msg string) bool {
	for _, e := range m.Entries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}
