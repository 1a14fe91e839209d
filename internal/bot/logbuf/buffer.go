// Package logbuf keeps a bounded in-memory ring of recent log lines per
// bot. It is the fast path for the logs endpoint; older lines age out and
// are only recoverable from the store's persisted log, if any.
package logbuf

import (
	"sync"
	"time"

	v1 "github.com/botdock/botdock/pkg/api/v1"
)

const DefaultCapacity = 1000

// ring is a fixed-capacity circular buffer of log entries.
type ring struct {
	entries []v1.LogEntry
	start   int
	count   int
}

func (r *ring) append(entry v1.LogEntry) {
	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = entry
		r.count++
		return
	}
	// Full: overwrite the oldest slot.
	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
}

func (r *ring) tail(limit int) []v1.LogEntry {
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]v1.LogEntry, 0, n)
	first := r.count - n
	for i := first; i < r.count; i++ {
		result = append(result, r.entries[(r.start+i)%len(r.entries)])
	}
	return result
}

// Aggregator holds one ring per bot, keyed by bot id. All methods are safe
// for concurrent use.
type Aggregator struct {
	capacity int
	rings    map[string]*ring
	mu       sync.RWMutex
}

// NewAggregator creates an aggregator whose per-bot rings hold capacity
// lines each. A non-positive capacity falls back to DefaultCapacity.
func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

// Append records log lines for a bot, evicting the oldest once the ring is
// full.
func (a *Aggregator) Append(botID string, entries ...v1.LogEntry) {
	if len(entries) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.rings[botID]
	if !ok {
		r = &ring{entries: make([]v1.LogEntry, a.capacity)}
		a.rings[botID] = r
	}
	for _, entry := range entries {
		r.append(entry)
	}
}

// Line is a convenience for capturing a single message at the current time.
func (a *Aggregator) Line(botID, level, message string) {
	a.Append(botID, v1.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}

// Tail returns up to limit of the most recent lines for a bot, oldest
// first. A bot with no captured lines yields an empty slice, not an error.
func (a *Aggregator) Tail(botID string, limit int) []v1.LogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r, ok := a.rings[botID]
	if !ok {
		return []v1.LogEntry{}
	}
	return r.tail(limit)
}

// Clear discards all captured lines for a bot.
func (a *Aggregator) Clear(botID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rings, botID)
}

// Sink returns a function bound to one bot, suitable for handing to a
// runtime instance as its log sink.
func (a *Aggregator) Sink(botID string) func(level, message string) {
	return func(level, message string) {
		a.Line(botID, level, message)
	}
}
