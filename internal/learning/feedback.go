package learning

import (
	"github.com/rs/zerolog/log"
)

// EvidenceSink receives labeled pattern observations; the reputation cache
// satisfies it through a thin adapter.
type EvidenceSink interface {
	ApplyEvidence(patternID, signatureType, pattern string, label, weight float64)
}

// FeedbackHandler turns detection events into reputation evidence.
// High-confidence detections carry weight one; promoted signature feedback
// carries extra weight because it already survived the occurrence gate.
type FeedbackHandler struct {
	sink EvidenceSink
}

// NewFeedbackHandler creates the handler.
func NewFeedbackHandler(sink EvidenceSink) *FeedbackHandler {
	return &FeedbackHandler{sink: sink}
}

// Name implements Handler.
func (f *FeedbackHandler) Name() string { return "reputation-feedback" }

// HandledEventTypes implements Handler.
func (f *FeedbackHandler) HandledEventTypes() []EventType {
	return []EventType{EventHighConfidenceDetection, EventSignatureFeedback}
}

// Handle implements Handler.
func (f *FeedbackHandler) Handle(event Event) {
	if event.Pattern == "" {
		return
	}
	weight := 1.0
	if event.Type == EventSignatureFeedback {
		weight = 3.0
	}
	sigType := SignatureTypeFromPattern(event.Pattern)
	f.sink.ApplyEvidence(event.Pattern, sigType, event.Metadata["userAgent"], event.Label, weight)
	log.Debug().Str("pattern", event.Pattern).Float64("label", event.Label).
		Float64("weight", weight).Msg("reputation evidence applied")
}
