// Package history holds the in-memory bounded event log for a room.
// The log keeps insertion order and evicts from the front once the
// capacity is exceeded, so it always holds the most recent entries.
// It is not safe for concurrent use; the hub serializes access per
// room.
package history

// DefaultCapacity is the per-room entry cap used when no explicit
// capacity is configured.
const DefaultCapacity = 500

type Log struct {
	entries  []string
	capacity int
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Append adds an entry, dropping the oldest entries when the log
// exceeds its capacity.
func (l *Log) Append(entry string) {
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		overflow := len(l.entries) - l.capacity
		l.entries = append(l.entries[:0], l.entries[overflow:]...)
	}
}

// Replace swaps the log contents for a freshly loaded sequence,
// trimming to capacity from the front if the stored sequence is
// longer.
func (l *Log) Replace(entries []string) {
	if len(entries) > l.capacity {
		entries = entries[len(entries)-l.capacity:]
	}
	l.entries = append(l.entries[:0:0], entries...)
}

// Entries returns a copy of the retained entries in insertion order.
func (l *Log) Entries() []string {
	return append([]string(nil), l.entries...)
}

func (l *Log) Len() int {
	return len(l.entries)
}

func (l *Log) Clear() {
	l.entries = nil
}
