package session

import (
	"fmt"
	"sync"
	"time"
)

const (
	debugLogCap  = 100
	debugLogTrim = 20
)

// LogEntry is one line of the user-visible debug log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), e.Level, e.Message)
}

// DebugLog keeps the most recent entries. When it grows past its capacity
// the oldest entries are dropped in one batch.
type DebugLog struct {
	mu      sync.RWMutex
	entries []LogEntry
}

func (d *DebugLog) Append(e LogEntry) {
	d.mu.Lock()
	d.entries = append(d.entries, e)
	if len(d.entries) > debugLogCap {
		d.entries = append(d.entries[:0:0], d.entries[debugLogTrim:]...)
	}
	d.mu.Unlock()
}

// Snapshot returns a copy of the entries, oldest first.
func (d *DebugLog) Snapshot() []LogEntry {
	d.mu.RLock()
	out := make([]LogEntry, len(d.entries))
	copy(out, d.entries)
	d.mu.RUnlock()
	return out
}
