package learning

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DriftConfig tunes the feedback and drift loops.
type DriftConfig struct {
	EnableFeedbackLoop     bool          `yaml:"enable_feedback_loop"`
	FeedbackMinConfidence  float64       `yaml:"feedback_min_confidence"`
	FeedbackMinOccurrences int           `yaml:"feedback_min_occurrences"`
	EnableDriftDetection   bool          `yaml:"enable_drift_detection"`
	DriftWindow            time.Duration `yaml:"drift_window"`
	MaxTrackedPatterns     int           `yaml:"max_tracked_patterns"`
}

// DefaultDriftConfig returns the tuned defaults.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		EnableFeedbackLoop:     true,
		FeedbackMinConfidence:  0.9,
		FeedbackMinOccurrences: 3,
		EnableDriftDetection:   true,
		DriftWindow:            5 * time.Minute,
		MaxTrackedPatterns:     4096,
	}
}

type feedbackCounter struct {
	count    int
	lastSeen time.Time
	emitted  bool
}

type minimalVerdict struct {
	label float64
	at    time.Time
}

// DriftHandler counts high-confidence detections per pattern, promotes
// signatures once they recur, and flags disagreement between fast-path
// minimal verdicts and subsequent full-path verdicts on the same pattern.
type DriftHandler struct {
	cfg DriftConfig
	bus *Bus

	mu       sync.Mutex
	counters map[string]*feedbackCounter
	minimals map[string]minimalVerdict
}

// NewDriftHandler creates a handler publishing follow-up events on bus.
func NewDriftHandler(cfg DriftConfig, bus *Bus) *DriftHandler {
	if cfg.FeedbackMinConfidence <= 0 {
		cfg.FeedbackMinConfidence = 0.9
	}
	if cfg.FeedbackMinOccurrences <= 0 {
		cfg.FeedbackMinOccurrences = 3
	}
	if cfg.DriftWindow <= 0 {
		cfg.DriftWindow = 5 * time.Minute
	}
	if cfg.MaxTrackedPatterns <= 0 {
		cfg.MaxTrackedPatterns = 4096
	}
	return &DriftHandler{
		cfg:      cfg,
		bus:      bus,
		counters: make(map[string]*feedbackCounter),
		minimals: make(map[string]minimalVerdict),
	}
}

// Name implements Handler.
func (d *DriftHandler) Name() string { return "drift" }

// HandledEventTypes implements Handler.
func (d *DriftHandler) HandledEventTypes() []EventType {
	return []EventType{EventHighConfidenceDetection, EventMinimalDetection, EventFullDetection}
}

// Handle implements Handler.
func (d *DriftHandler) Handle(event Event) {
	switch event.Type {
	case EventHighConfidenceDetection:
		d.handleHighConfidence(event)
	case EventMinimalDetection:
		d.recordMinimal(event)
	case EventFullDetection:
		d.checkDrift(event)
	}
}

func (d *DriftHandler) handleHighConfidence(event Event) {
	if !d.cfg.EnableFeedbackLoop || event.Confidence < d.cfg.FeedbackMinConfidence {
		return
	}

	d.mu.Lock()
	c, ok := d.counters[event.Pattern]
	if !ok {
		if len(d.counters) >= d.cfg.MaxTrackedPatterns {
			d.expireLocked()
		}
		c = &feedbackCounter{}
		d.counters[event.Pattern] = c
	}
	c.count++
	c.lastSeen = time.Now()
	shouldEmit := !c.emitted && c.count >= d.cfg.FeedbackMinOccurrences
	if shouldEmit {
		c.emitted = true
	}
	d.mu.Unlock()

	if !shouldEmit {
		return
	}

	metadata := map[string]string{
		"signatureType": SignatureTypeFromPattern(event.Pattern),
	}
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	d.bus.TryPublish(Event{
		Type:       EventSignatureFeedback,
		Source:     d.Name(),
		Pattern:    event.Pattern,
		Confidence: event.Confidence,
		Label:      event.Label,
		Metadata:   metadata,
	})
	log.Debug().Str("pattern", event.Pattern).Msg("signature feedback emitted")
}

func (d *DriftHandler) recordMinimal(event Event) {
	if !d.cfg.EnableDriftDetection {
		return
	}
	d.mu.Lock()
	if len(d.minimals) >= d.cfg.MaxTrackedPatterns {
		d.expireLocked()
	}
	d.minimals[event.Pattern] = minimalVerdict{label: event.Label, at: time.Now()}
	d.mu.Unlock()
}

func (d *DriftHandler) checkDrift(event Event) {
	if !d.cfg.EnableDriftDetection {
		return
	}
	d.mu.Lock()
	minimal, ok := d.minimals[event.Pattern]
	if ok {
		delete(d.minimals, event.Pattern)
	}
	d.mu.Unlock()

	if !ok || time.Since(minimal.at) > d.cfg.DriftWindow {
		return
	}

	// Disagreement: minimal said bot and full said not, or vice versa.
	minimalBot := minimal.label >= 0.5
	fullBot := event.Label >= 0.5
	if minimalBot == fullBot {
		return
	}

	d.bus.TryPublish(Event{
		Type:       EventFastPathDriftDetected,
		Source:     d.Name(),
		Pattern:    event.Pattern,
		Confidence: event.Confidence,
		Label:      event.Label,
		Metadata: map[string]string{
			"minimalLabel": formatLabel(minimal.label),
			"fullLabel":    formatLabel(event.Label),
		},
	})
	log.Warn().Str("pattern", event.Pattern).
		Bool("minimalBot", minimalBot).Bool("fullBot", fullBot).
		Msg("fast-path drift detected")
}

// expireLocked drops stale tracking state; callers hold the lock.
func (d *DriftHandler) expireLocked() {
	cutoff := time.Now().Add(-d.cfg.DriftWindow)
	for k, v := range d.minimals {
		if v.at.Before(cutoff) {
			delete(d.minimals, k)
		}
	}
	counterCutoff := time.Now().Add(-24 * time.Hour)
	for k, c := range d.counters {
		if c.lastSeen.Before(counterCutoff) {
			delete(d.counters, k)
		}
	}
}

// SignatureTypeFromPattern maps a pattern hint prefix to its signature
// type name.
func SignatureTypeFromPattern(pattern string) string {
	prefix, _, ok := strings.Cut(pattern, ":")
	if !ok {
		return "Unknown"
	}
	switch prefix {
	case "ua":
		return "UserAgent"
	case "ip":
		return "IP"
	case "fp":
		return "Fingerprint"
	case "bh":
		return "Behavior"
	case "hm":
		return "HeaderMix"
	default:
		return "Unknown"
	}
}

func formatLabel(label float64) string {
	if label >= 0.5 {
		return "bot"
	}
	return "human"
}
