// Package reputation learns per-pattern bot-vs-human belief online: EMA
// updates on evidence, confidence-modulated time decay, and a hysteretic
// state machine over (score, support). Memory is bounded by the cache layer.
package reputation

import (
	"math"
	"time"
)

// State is the hysteretic classification of a pattern.
type State string

const (
	StateNeutral         State = "Neutral"
	StateSuspect         State = "Suspect"
	StateConfirmedBad    State = "ConfirmedBad"
	StateConfirmedGood   State = "ConfirmedGood"
	StateManuallyBlocked State = "ManuallyBlocked"
	StateManuallyAllowed State = "ManuallyAllowed"
)

// PatternType classifies what a pattern identifies.
type PatternType string

const (
	PatternUserAgent   PatternType = "UserAgent"
	PatternIP          PatternType = "IP"
	PatternFingerprint PatternType = "Fingerprint"
	PatternBehavior    PatternType = "Behavior"
	PatternHeaderMix   PatternType = "HeaderMix"
)

// PatternReputation is the evolving belief about one pattern.
type PatternReputation struct {
	PatternID   string      `json:"patternId"`
	PatternType PatternType `json:"patternType"`
	Pattern     string      `json:"pattern"`

	BotScore float64 `json:"botScore"` // 0 human .. 1 bot, 0.5 neutral
	Support  float64 `json:"support"`  // effective sample count, capped

	State          State     `json:"state"`
	FirstSeen      time.Time `json:"firstSeen"`
	LastSeen       time.Time `json:"lastSeen"`
	StateChangedAt time.Time `json:"stateChangedAt"`

	IsManual bool   `json:"isManual"`
	Notes    string `json:"notes,omitempty"`
}

// Confidence derives belief strength from support: full confidence at 100
// effective samples.
func (r *PatternReputation) Confidence() float64 {
	return math.Min(1, r.Support/100)
}

// CanTriggerFastAbort reports whether the fast path may block on this
// pattern alone.
func (r *PatternReputation) CanTriggerFastAbort() bool {
	return r.State == StateConfirmedBad || r.State == StateManuallyBlocked
}

// CanTriggerFastAllow reports whether the fast path may allow on this
// pattern alone.
func (r *PatternReputation) CanTriggerFastAllow() bool {
	return r.State == StateConfirmedGood || r.State == StateManuallyAllowed
}

// FastPathWeight is the score bias this pattern contributes on the fast
// path, bounded per state.
func (r *PatternReputation) FastPathWeight() float64 {
	switch r.State {
	case StateConfirmedBad:
		return math.Min(r.BotScore*0.6, 0.5)
	case StateSuspect:
		return math.Min(r.BotScore*0.3, 0.25)
	case StateNeutral:
		return r.BotScore * 0.05
	case StateConfirmedGood:
		return -0.2
	case StateManuallyBlocked:
		return 1.0
	case StateManuallyAllowed:
		return -1.0
	default:
		return 0
	}
}

// Config holds the decay and hysteresis parameters. Demotion thresholds sit
// strictly below their promotion counterparts so no score can both promote
// and demote in a single evaluation.
type Config struct {
	LearningRate    float64 `yaml:"learning_rate"`
	MaxSupport      float64 `yaml:"max_support"`
	ScorePrior      float64 `yaml:"score_prior"`
	ScoreTauHours   float64 `yaml:"score_tau_hours"`
	SupportTauHours float64 `yaml:"support_tau_hours"`

	PromoteSuspect        float64 `yaml:"promote_suspect"`
	PromoteSuspectSupport float64 `yaml:"promote_suspect_support"`
	DemoteNeutral         float64 `yaml:"demote_neutral"`
	PromoteBad            float64 `yaml:"promote_bad"`
	PromoteBadSupport     float64 `yaml:"promote_bad_support"`
	DemoteBad             float64 `yaml:"demote_bad"`
	DemoteBadSupport      float64 `yaml:"demote_bad_support"`
	PromoteGood           float64 `yaml:"promote_good"`
	PromoteGoodSupport    float64 `yaml:"promote_good_support"`

	GCEligibleDays     float64 `yaml:"gc_eligible_days"`
	GCSupportThreshold float64 `yaml:"gc_support_threshold"`
	GCOnlyNeutral      bool    `yaml:"gc_only_neutral"`

	MaxPatterns     int           `yaml:"max_patterns"`
	HotKeyThreshold int64         `yaml:"hot_key_threshold"`
	HotKeyExtension time.Duration `yaml:"hot_key_extension"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	DecayInterval   time.Duration `yaml:"decay_interval"`
	GCInterval      time.Duration `yaml:"gc_interval"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		LearningRate:    0.1,
		MaxSupport:      1000,
		ScorePrior:      0.5,
		ScoreTauHours:   168,
		SupportTauHours: 336,

		PromoteSuspect:        0.6,
		PromoteSuspectSupport: 10,
		DemoteNeutral:         0.4,
		PromoteBad:            0.9,
		PromoteBadSupport:     50,
		DemoteBad:             0.7,
		DemoteBadSupport:      100,
		PromoteGood:           0.1,
		PromoteGoodSupport:    100,

		GCEligibleDays:     90,
		GCSupportThreshold: 1.0,
		GCOnlyNeutral:      true,

		MaxPatterns:     10000,
		HotKeyThreshold: 10,
		HotKeyExtension: 24 * time.Hour,
		FlushInterval:   30 * time.Second,
		DecayInterval:   time.Hour,
		GCInterval:      6 * time.Hour,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.MaxSupport <= 0 {
		c.MaxSupport = d.MaxSupport
	}
	if c.ScorePrior <= 0 {
		c.ScorePrior = d.ScorePrior
	}
	if c.ScoreTauHours <= 0 {
		c.ScoreTauHours = d.ScoreTauHours
	}
	if c.SupportTauHours <= 0 {
		c.SupportTauHours = d.SupportTauHours
	}
	if c.PromoteSuspect <= 0 {
		c.PromoteSuspect = d.PromoteSuspect
	}
	if c.PromoteSuspectSupport <= 0 {
		c.PromoteSuspectSupport = d.PromoteSuspectSupport
	}
	if c.DemoteNeutral <= 0 {
		c.DemoteNeutral = d.DemoteNeutral
	}
	if c.PromoteBad <= 0 {
		c.PromoteBad = d.PromoteBad
	}
	if c.PromoteBadSupport <= 0 {
		c.PromoteBadSupport = d.PromoteBadSupport
	}
	if c.DemoteBad <= 0 {
		c.DemoteBad = d.DemoteBad
	}
	if c.DemoteBadSupport <= 0 {
		c.DemoteBadSupport = d.DemoteBadSupport
	}
	if c.PromoteGood <= 0 {
		c.PromoteGood = d.PromoteGood
	}
	if c.PromoteGoodSupport <= 0 {
		c.PromoteGoodSupport = d.PromoteGoodSupport
	}
	if c.GCEligibleDays <= 0 {
		c.GCEligibleDays = d.GCEligibleDays
	}
	if c.GCSupportThreshold <= 0 {
		c.GCSupportThreshold = d.GCSupportThreshold
	}
	if c.MaxPatterns <= 0 {
		c.MaxPatterns = d.MaxPatterns
	}
	if c.HotKeyThreshold <= 0 {
		c.HotKeyThreshold = d.HotKeyThreshold
	}
	if c.HotKeyExtension <= 0 {
		c.HotKeyExtension = d.HotKeyExtension
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = d.DecayInterval
	}
	if c.GCInterval <= 0 {
		c.GCInterval = d.GCInterval
	}
}

// Engine applies the learning math. It is stateless; callers own the
// PatternReputation values.
type Engine struct {
	cfg Config
	now func() time.Time
}

// NewEngine creates an engine with normalized configuration.
func NewEngine(cfg Config) *Engine {
	cfg.normalize()
	return &Engine{cfg: cfg, now: time.Now}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ApplyEvidence folds one labeled observation into current. A nil current
// creates a fresh reputation. Manual overrides only advance last_seen.
// Otherwise time decay applies first, then an exponential moving average
// with alpha clamped to preserve EMA semantics.
func (e *Engine) ApplyEvidence(current *PatternReputation, patternID string, patternType PatternType, pattern string, label, evidenceWeight float64) *PatternReputation {
	if evidenceWeight <= 0 {
		evidenceWeight = 1
	}
	label = clamp01(label)
	now := e.now()

	if current == nil {
		r := &PatternReputation{
			PatternID:      patternID,
			PatternType:    patternType,
			Pattern:        pattern,
			BotScore:       label,
			Support:        math.Min(evidenceWeight, e.cfg.MaxSupport),
			State:          StateNeutral,
			FirstSeen:      now,
			LastSeen:       now,
			StateChangedAt: now,
		}
		e.evaluateStateChange(r, now)
		return r
	}

	if current.IsManual {
		current.LastSeen = now
		return current
	}

	e.ApplyTimeDecay(current)

	alpha := math.Min(e.cfg.LearningRate*evidenceWeight, 1.0)
	current.BotScore = clamp01((1-alpha)*current.BotScore + alpha*label)
	current.Support = math.Min(current.Support+evidenceWeight, e.cfg.MaxSupport)
	current.LastSeen = now

	e.evaluateStateChange(current, now)
	return current
}

// ApplyTimeDecay relaxes score toward the prior and shrinks support, both
// on confidence-modulated time constants: high-confidence patterns decay
// slower. Anything seen within the last hour is untouched.
func (e *Engine) ApplyTimeDecay(r *PatternReputation) {
	if r.IsManual {
		return
	}
	now := e.now()
	hours := now.Sub(r.LastSeen).Hours()
	if hours < 1 {
		return
	}

	c := 0.5 + 0.5*r.Confidence()
	scoreTau := e.cfg.ScoreTauHours * c
	supportTau := e.cfg.SupportTauHours * c

	r.BotScore = clamp01(r.BotScore + (e.cfg.ScorePrior-r.BotScore)*(1-math.Exp(-hours/scoreTau)))
	r.Support = r.Support * math.Exp(-hours/supportTau)

	e.evaluateStateChange(r, now)
}

// evaluateStateChange runs the hysteretic state machine. Manual states are
// frozen until the override is removed.
func (e *Engine) evaluateStateChange(r *PatternReputation, now time.Time) {
	if r.IsManual {
		return
	}

	next := r.State
	switch r.State {
	case StateNeutral, "":
		if r.BotScore >= e.cfg.PromoteSuspect && r.Support >= e.cfg.PromoteSuspectSupport {
			next = StateSuspect
		} else if r.BotScore <= e.cfg.PromoteGood && r.Support >= e.cfg.PromoteGoodSupport {
			next = StateConfirmedGood
		} else if r.State == "" {
			next = StateNeutral
		}
	case StateSuspect:
		if r.BotScore >= e.cfg.PromoteBad && r.Support >= e.cfg.PromoteBadSupport {
			next = StateConfirmedBad
		} else if r.BotScore <= e.cfg.DemoteNeutral || r.Support < e.cfg.PromoteSuspectSupport {
			next = StateNeutral
		}
	case StateConfirmedBad:
		if r.BotScore <= e.cfg.DemoteBad &&
			(r.Support >= e.cfg.DemoteBadSupport || r.Support < e.cfg.PromoteBadSupport) {
			next = StateSuspect
		}
	case StateConfirmedGood:
		if r.BotScore >= e.cfg.DemoteNeutral {
			next = StateNeutral
		}
	}

	if next != r.State {
		r.State = next
		r.StateChangedAt = now
	}
}

// IsEligibleForGC reports whether a pattern can be dropped: never manual,
// long unseen, negligible support, and (when configured) only Neutral.
func (e *Engine) IsEligibleForGC(r *PatternReputation) bool {
	if r.IsManual {
		return false
	}
	if e.cfg.GCOnlyNeutral && r.State != StateNeutral {
		return false
	}
	days := e.now().Sub(r.LastSeen).Hours() / 24
	return days >= e.cfg.GCEligibleDays && r.Support <= e.cfg.GCSupportThreshold
}

// ManuallyBlock pins the pattern to bot with full score. Automatic updates
// freeze until the override is removed.
func (e *Engine) ManuallyBlock(r *PatternReputation, notes string) {
	now := e.now()
	r.IsManual = true
	r.BotScore = 1.0
	r.State = StateManuallyBlocked
	r.StateChangedAt = now
	r.Notes = notes
}

// ManuallyAllow pins the pattern to human with zero score.
func (e *Engine) ManuallyAllow(r *PatternReputation, notes string) {
	now := e.now()
	r.IsManual = true
	r.BotScore = 0.0
	r.State = StateManuallyAllowed
	r.StateChangedAt = now
	r.Notes = notes
}

// RemoveManualOverride unfreezes the pattern and re-evaluates its state
// from the current score and support.
func (e *Engine) RemoveManualOverride(r *PatternReputation) {
	now := e.now()
	r.IsManual = false
	r.Notes = ""
	r.State = StateNeutral
	r.StateChangedAt = now
	e.evaluateStateChange(r, now)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
