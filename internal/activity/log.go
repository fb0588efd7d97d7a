// Package activity keeps a bounded in-memory ring of recent pack
// sessions so operators can see what the node has been serving without
// shipping logs anywhere.
package activity

import (
	"sync"
	"time"
)

// Entry records one pack session seen by the virtualization proxy.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Pathname  string    `json:"pathname"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome"`
}

// Outcome values for Record.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// Log stores recent entries, newest last, dropping the oldest once full.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	nextID  int64
}

// NewLog returns a log keeping at most maxSize entries.
func NewLog(maxSize int) *Log {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Log{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		nextID:  1,
	}
}

// Record appends a session entry.
func (l *Log) Record(command, pathname, requestID, outcome string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{
		ID:        l.nextID,
		Timestamp: time.Now(),
		Command:   command,
		Pathname:  pathname,
		RequestID: requestID,
		Outcome:   outcome,
	})
	l.nextID++

	if len(l.entries) > l.maxSize {
		l.entries = l.entries[len(l.entries)-l.maxSize:]
	}
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	result := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		result[i] = l.entries[len(l.entries)-1-i]
	}
	return result
}
