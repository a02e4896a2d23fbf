package learning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	types  []EventType
	events []Event
	handle []EventType
}

func newRecorder(types ...EventType) *recorder {
	return &recorder{handle: types}
}

func (r *recorder) Name() string                   { return "recorder" }
func (r *recorder) HandledEventTypes() []EventType { return r.handle }
func (r *recorder) Handle(e Event) {
	r.mu.Lock()
	r.types = append(r.types, e.Type)
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func runBus(t *testing.T, b *Bus) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return func() {
		cancel()
		<-b.Done()
	}
}

func TestBus_DispatchByType(t *testing.T) {
	b := NewBus(16)
	minimal := newRecorder(EventMinimalDetection)
	full := newRecorder(EventFullDetection)
	b.Subscribe(minimal)
	b.Subscribe(full)
	stop := runBus(t, b)
	defer stop()

	require.True(t, b.TryPublish(Event{Type: EventMinimalDetection, Pattern: "ua:x", Label: 1}))
	require.True(t, b.TryPublish(Event{Type: EventFullDetection, Pattern: "ua:x", Label: 0}))

	require.Eventually(t, func() bool {
		return len(minimal.byType(EventMinimalDetection)) == 1 &&
			len(full.byType(EventFullDetection)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, minimal.byType(EventFullDetection))
}

func TestBus_TryPublishFullBufferDrops(t *testing.T) {
	b := NewBus(2) // no running dispatcher: the buffer fills
	assert.True(t, b.TryPublish(Event{Type: EventMinimalDetection}))
	assert.True(t, b.TryPublish(Event{Type: EventMinimalDetection}))
	assert.False(t, b.TryPublish(Event{Type: EventMinimalDetection}), "full buffer must drop, not block")
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	b := NewBus(8)
	b.Subscribe(&panicHandler{})
	after := newRecorder(EventMinimalDetection)
	b.Subscribe(after)
	stop := runBus(t, b)
	defer stop()

	b.TryPublish(Event{Type: EventMinimalDetection})
	require.Eventually(t, func() bool {
		return len(after.byType(EventMinimalDetection)) == 1
	}, time.Second, 5*time.Millisecond, "a panicking handler must not starve the others")
}

type panicHandler struct{}

func (p *panicHandler) Name() string                   { return "panics" }
func (p *panicHandler) HandledEventTypes() []EventType { return []EventType{EventMinimalDetection} }
func (p *panicHandler) Handle(Event)                   { panic("bad handler") }

func TestDrift_FeedbackEmittedAtThreshold(t *testing.T) {
	b := NewBus(32)
	sink := newRecorder(EventSignatureFeedback)
	b.Subscribe(sink)

	d := NewDriftHandler(DriftConfig{
		EnableFeedbackLoop:     true,
		FeedbackMinConfidence:  0.9,
		FeedbackMinOccurrences: 3,
	}, b)
	b.Subscribe(d)
	stop := runBus(t, b)
	defer stop()

	for i := 0; i < 2; i++ {
		b.TryPublish(Event{Type: EventHighConfidenceDetection, Pattern: "ua:abc", Confidence: 0.95, Label: 1})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.byType(EventSignatureFeedback), "below the occurrence gate nothing fires")

	b.TryPublish(Event{Type: EventHighConfidenceDetection, Pattern: "ua:abc", Confidence: 0.95, Label: 1})
	require.Eventually(t, func() bool {
		return len(sink.byType(EventSignatureFeedback)) == 1
	}, time.Second, 5*time.Millisecond)

	fb := sink.byType(EventSignatureFeedback)[0]
	assert.Equal(t, "UserAgent", fb.Metadata["signatureType"])

	// More occurrences must not re-emit.
	b.TryPublish(Event{Type: EventHighConfidenceDetection, Pattern: "ua:abc", Confidence: 0.95, Label: 1})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.byType(EventSignatureFeedback), 1)
}

func TestDrift_LowConfidenceIgnored(t *testing.T) {
	b := NewBus(32)
	sink := newRecorder(EventSignatureFeedback)
	b.Subscribe(sink)
	d := NewDriftHandler(DefaultDriftConfig(), b)
	b.Subscribe(d)
	stop := runBus(t, b)
	defer stop()

	for i := 0; i < 10; i++ {
		b.TryPublish(Event{Type: EventHighConfidenceDetection, Pattern: "ua:low", Confidence: 0.5, Label: 1})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.byType(EventSignatureFeedback))
}

func TestDrift_DisagreementDetected(t *testing.T) {
	b := NewBus(32)
	sink := newRecorder(EventFastPathDriftDetected)
	b.Subscribe(sink)
	d := NewDriftHandler(DefaultDriftConfig(), b)
	b.Subscribe(d)
	stop := runBus(t, b)
	defer stop()

	// Fast path said bot, full path said human.
	b.TryPublish(Event{Type: EventMinimalDetection, Pattern: "ua:drift", Label: 1, Confidence: 0.95})
	b.TryPublish(Event{Type: EventFullDetection, Pattern: "ua:drift", Label: 0, Confidence: 0.2})

	require.Eventually(t, func() bool {
		return len(sink.byType(EventFastPathDriftDetected)) == 1
	}, time.Second, 5*time.Millisecond)
	drift := sink.byType(EventFastPathDriftDetected)[0]
	assert.Equal(t, "bot", drift.Metadata["minimalLabel"])
	assert.Equal(t, "human", drift.Metadata["fullLabel"])
}

func TestDrift_AgreementIsQuiet(t *testing.T) {
	b := NewBus(32)
	sink := newRecorder(EventFastPathDriftDetected)
	b.Subscribe(sink)
	d := NewDriftHandler(DefaultDriftConfig(), b)
	b.Subscribe(d)
	stop := runBus(t, b)
	defer stop()

	b.TryPublish(Event{Type: EventMinimalDetection, Pattern: "ua:same", Label: 1})
	b.TryPublish(Event{Type: EventFullDetection, Pattern: "ua:same", Label: 1})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.byType(EventFastPathDriftDetected))
}

func TestDrift_DisabledFlags(t *testing.T) {
	b := NewBus(32)
	sink := newRecorder(EventSignatureFeedback, EventFastPathDriftDetected)
	b.Subscribe(sink)
	d := NewDriftHandler(DriftConfig{EnableFeedbackLoop: false, EnableDriftDetection: false}, b)
	b.Subscribe(d)
	stop := runBus(t, b)
	defer stop()

	for i := 0; i < 5; i++ {
		b.TryPublish(Event{Type: EventHighConfidenceDetection, Pattern: "ua:off", Confidence: 0.99, Label: 1})
	}
	b.TryPublish(Event{Type: EventMinimalDetection, Pattern: "ua:off", Label: 1})
	b.TryPublish(Event{Type: EventFullDetection, Pattern: "ua:off", Label: 0})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.events)
}

func TestSignatureTypeFromPattern(t *testing.T) {
	cases := map[string]string{
		"ua:abcd":     "UserAgent",
		"ip:1.2.3.4":  "IP",
		"fp:xyz":      "Fingerprint",
		"bh:seq":      "Behavior",
		"hm:mix":      "HeaderMix",
		"zz:what":     "Unknown",
		"no-prefix":   "Unknown",
	}
	for pattern, want := range cases {
		assert.Equal(t, want, SignatureTypeFromPattern(pattern), pattern)
	}
}
