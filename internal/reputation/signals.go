package reputation

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Signal kinds emitted by the cache and engine.
const (
	SignalPatternCreated     = "pattern_created"
	SignalPatternUpdated     = "pattern_updated"
	SignalStateChanged       = "state_changed"
	SignalHotKey             = "hot_key"
	SignalEvicted            = "evicted"
	SignalDecaySweepStarted  = "decay_sweep_started"
	SignalDecaySweepComplete = "decay_sweep_completed"
	SignalGCStarted          = "gc_started"
	SignalGCComplete         = "gc_completed"
)

// Signal is one observability event. Consumers must tolerate dropped
// events: the buffer is a bounded ring.
type Signal struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	PatternID string            `json:"patternId,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}

// SignalBuffer is a bounded, time-windowed ring of recent signals.
type SignalBuffer struct {
	mu      sync.Mutex
	entries []Signal
	head    int
	size    int
	window  time.Duration
	entropy *rand.Rand
}

// NewSignalBuffer creates a ring holding at most capacity signals from the
// last window.
func NewSignalBuffer(capacity int, window time.Duration) *SignalBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	if window <= 0 {
		window = time.Hour
	}
	return &SignalBuffer{
		entries: make([]Signal, capacity),
		window:  window,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Emit records a signal, overwriting the oldest entry when full.
func (b *SignalBuffer) Emit(kind, patternID string, detail map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.entries[b.head] = Signal{
		ID:        ulid.MustNew(ulid.Timestamp(now), b.entropy).String(),
		Kind:      kind,
		PatternID: patternID,
		Detail:    detail,
		At:        now,
	}
	b.head = (b.head + 1) % len(b.entries)
	if b.size < len(b.entries) {
		b.size++
	}
}

// Recent returns signals inside the window matching filter, oldest first.
// A nil filter matches everything.
func (b *SignalBuffer) Recent(filter func(Signal) bool) []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.window)
	out := make([]Signal, 0, b.size)
	start := b.head - b.size
	for i := 0; i < b.size; i++ {
		idx := (start + i + len(b.entries)) % len(b.entries)
		s := b.entries[idx]
		if s.At.Before(cutoff) {
			continue
		}
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	return out
}
