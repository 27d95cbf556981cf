package stats

import (
	"sync"
	"time"
)

// Entry holds the outcome counters for a single task identity. Counters
// only ever increase within a process lifetime.
type Entry struct {
	Success     int        `json:"success"`
	Failure     int        `json:"failure"`
	Skipped     int        `json:"skipped"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Summary aggregates the collector across all task identities.
type Summary struct {
	Tasks     int `json:"tasks"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Collector is a thread-safe map of per-task outcome counters keyed by
// task identity. One lock guards the whole map; contention is negligible
// next to the network latency of the operations being counted.
type Collector struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewCollector() *Collector {
	return &Collector{
		entries: make(map[string]*Entry),
	}
}

func (c *Collector) entry(key string) *Entry {
	e, ok := c.entries[key]
	if !ok {
		e = &Entry{}
		c.entries[key] = e
	}
	return e
}

// RecordSuccess increments the success counter for key.
func (c *Collector) RecordSuccess(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(key)
	e.Success++
	now := time.Now().UTC()
	e.LastSuccess = &now
}

// RecordFailure increments the failure counter for key and remembers the
// error for operator inspection.
func (c *Collector) RecordFailure(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(key)
	e.Failure++
	now := time.Now().UTC()
	e.LastFailure = &now
	if err != nil {
		e.LastError = err.Error()
	}
}

// RecordSkip increments the skipped counter for key.
func (c *Collector) RecordSkip(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entry(key).Skipped++
}

// Get returns a copy of the entry for key, if present.
func (c *Collector) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of every entry keyed by task identity.
func (c *Collector) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Entry, len(c.entries))
	for key, e := range c.entries {
		out[key] = *e
	}
	return out
}

// Summarize aggregates all entries into a single summary.
func (c *Collector) Summarize() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{Tasks: len(c.entries)}
	for _, e := range c.entries {
		s.Succeeded += e.Success
		s.Failed += e.Failure
		s.Skipped += e.Skipped
	}
	return s
}
