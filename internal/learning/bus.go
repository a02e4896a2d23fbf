// Package learning carries detection outcomes between the fast path, slow
// path, and the reputation loop over an in-process event bus, and watches
// for fast/slow drift.
package learning

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType identifies a learning event.
type EventType string

const (
	EventMinimalDetection        EventType = "MinimalDetection"
	EventFullDetection           EventType = "FullDetection"
	EventHighConfidenceDetection EventType = "HighConfidenceDetection"
	EventFullAnalysisRequest     EventType = "FullAnalysisRequest"
	EventSignatureFeedback       EventType = "SignatureFeedback"
	EventFastPathDriftDetected   EventType = "FastPathDriftDetected"
)

// Event is one learning observation. Pattern carries a typed hint prefix
// such as "ua:<hash>" or "ip:<addr>".
type Event struct {
	Type       EventType         `json:"type"`
	Source     string            `json:"source"`
	Pattern    string            `json:"pattern"`
	Confidence float64           `json:"confidence"`
	Label      float64           `json:"label"` // 1 bot, 0 human
	Metadata   map[string]string `json:"metadata,omitempty"`
	At         time.Time         `json:"at"`
}

// Handler consumes events. HandledEventTypes filters dispatch; Handle runs
// synchronously per handler on the bus worker.
type Handler interface {
	Name() string
	HandledEventTypes() []EventType
	Handle(event Event)
}

// Bus is a single-producer, many-consumer in-process broker with a bounded
// buffer. TryPublish never blocks: when the buffer is full the event is
// dropped and counted.
type Bus struct {
	ch      chan Event
	mu      sync.RWMutex
	handlers map[EventType][]Handler
	dropped  uint64

	stopOnce sync.Once
	done     chan struct{}

	onPublish func(eventType EventType, accepted bool)
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		ch:       make(chan Event, buffer),
		handlers: make(map[EventType][]Handler),
		done:     make(chan struct{}),
	}
}

// SetPublishHook observes publish attempts (metrics wiring). Set before
// any traffic flows.
func (b *Bus) SetPublishHook(fn func(eventType EventType, accepted bool)) {
	b.onPublish = fn
}

// Subscribe registers a handler for its declared event types.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range h.HandledEventTypes() {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// TryPublish enqueues an event, returning false instead of blocking when
// the buffer is full.
func (b *Bus) TryPublish(event Event) bool {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	select {
	case b.ch <- event:
		if b.onPublish != nil {
			b.onPublish(event.Type, true)
		}
		return true
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		if b.onPublish != nil {
			b.onPublish(event.Type, false)
		}
		return false
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Run dispatches events until ctx is cancelled, then drains what is already
// buffered. Dispatch is synchronous per handler; a panicking handler is
// logged and skipped, never crashes the bus.
func (b *Bus) Run(ctx context.Context) {
	defer b.stopOnce.Do(func() { close(b.done) })
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-b.ch:
					b.dispatch(event)
				default:
					return
				}
			}
		case event := <-b.ch:
			b.dispatch(event)
		}
	}
}

// Done is closed once Run has returned.
func (b *Bus) Done() <-chan struct{} { return b.done }

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("handler", h.Name()).Str("event", string(event.Type)).
						Interface("panic", r).Msg("learning handler panicked")
				}
			}()
			h.Handle(event)
		}()
	}
}
