package logging

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/copilotctl/internal/util"
	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the number of log lines kept for the management API.
const DefaultBufferSize = 500

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time      `json:"-"`
	Time      string         `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// RingBuffer keeps the most recent log entries. It is a logrus hook.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int // next write position
	count    int
}

// NewRingBuffer returns a buffer holding capacity entries; non-positive selects
// DefaultBufferSize.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{entries: make([]LogEntry, capacity), capacity: capacity}
}

// Levels captures every level.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire records entry. Fields whose names look like secrets are masked.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	var fields map[string]any
	if len(entry.Data) > 0 {
		fields = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			if isSecretField(k) {
				if s, ok := v.(string); ok {
					v = util.MaskToken(s)
				} else {
					v = "[REDACTED]"
				}
			}
			fields[k] = v
		}
	}
	source := ""
	if entry.Caller != nil {
		source = filepath.Base(entry.Caller.File) + ":" + strconv.Itoa(entry.Caller.Line)
	}
	rb.Write(LogEntry{
		Timestamp: entry.Time,
		Time:      formatTimestamp(entry.Time),
		Level:     level,
		Message:   entry.Message,
		Source:    source,
		Fields:    fields,
	})
	return nil
}

func isSecretField(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "token") || strings.Contains(name, "secret") || strings.Contains(name, "password")
}

// Write appends entry, overwriting the oldest when full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (rb *RingBuffer) Entries() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]LogEntry, rb.count)
	start := (rb.head - rb.count + rb.capacity) % rb.capacity
	for i := 0; i < rb.count; i++ {
		e := rb.entries[(start+i)%rb.capacity]
		if e.Fields != nil {
			fields := make(map[string]any, len(e.Fields))
			for k, v := range e.Fields {
				fields[k] = v
			}
			e.Fields = fields
		}
		out[i] = e
	}
	return out
}

// Recent returns at most n of the newest entries at or above minLevel, oldest first.
// n <= 0 returns every matching entry.
func (rb *RingBuffer) Recent(n int, minLevel log.Level) []LogEntry {
	all := rb.Entries()
	out := all[:0]
	for _, e := range all {
		lvl, err := log.ParseLevel(e.Level)
		if err != nil || lvl <= minLevel {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Len returns the number of buffered entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear drops every entry.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head, rb.count = 0, 0
	for i := range rb.entries {
		rb.entries[i] = LogEntry{}
	}
}

// GlobalBuffer captures the standard logger once SetupBaseLogger has run.
var GlobalBuffer = NewRingBuffer(DefaultBufferSize)
