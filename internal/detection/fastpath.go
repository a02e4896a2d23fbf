package detection

import (
	"context"
	"math/rand"
	"net/http"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/threatvane/threatvane/internal/learning"
	"github.com/threatvane/threatvane/internal/policy"
	"github.com/threatvane/threatvane/internal/reputation"
)

// UAClassifier is the cheap first-pass user-agent classifier the fast path
// runs instead of the full contributor graph.
type UAClassifier interface {
	ClassifyUA(userAgent string) DetectorResult
}

// FastPathConfig tunes the decider.
type FastPathConfig struct {
	Enabled              bool     `yaml:"enabled"`
	AbortThreshold       float64  `yaml:"abort_threshold"`
	SampleRate           float64  `yaml:"sample_rate"`
	AlwaysRunFullOnPaths []string `yaml:"always_run_full_on_paths"`
}

// DefaultFastPathConfig returns the tuned defaults.
func DefaultFastPathConfig() FastPathConfig {
	return FastPathConfig{
		Enabled:        true,
		AbortThreshold: 0.95,
		SampleRate:     0.05,
	}
}

// FastPath delivers sub-millisecond verdicts for obvious cases and decides
// whether to escalate to the full pipeline.
type FastPath struct {
	cfg        FastPathConfig
	policies   *policy.Registry
	classifier UAClassifier
	orch       *Orchestrator
	bus        *learning.Bus
	reputation *reputation.Cache

	// randFn is swappable for deterministic tests.
	randFn func() float64
}

// NewFastPath wires the decider. reputation may be nil.
func NewFastPath(cfg FastPathConfig, policies *policy.Registry, classifier UAClassifier, orch *Orchestrator, bus *learning.Bus, rep *reputation.Cache) *FastPath {
	if cfg.AbortThreshold <= 0 {
		cfg.AbortThreshold = 0.95
	}
	return &FastPath{
		cfg:        cfg,
		policies:   policies,
		classifier: classifier,
		orch:       orch,
		bus:        bus,
		reputation: rep,
		randFn:     rand.Float64,
	}
}

// Decide classifies one request. The slow path runs inline when required;
// sampled full runs happen in the background on a fresh blackboard.
func (f *FastPath) Decide(ctx context.Context, r *http.Request) *Decision {
	bb := NewBlackboard(r)
	pol := f.policies.ForPath(r.URL.Path)

	if !f.cfg.Enabled || pol.ForceSlowPath || f.alwaysFull(r.URL.Path) {
		return f.runFull(ctx, bb, pol)
	}

	ua := r.UserAgent()
	detector := f.classifier.ClassifyUA(ua)
	confidence := detector.Confidence

	// Learned reputation biases the cheap verdict; force_slow_path above
	// wins over any reputation-based fast allow.
	if f.reputation != nil {
		if rep, ok := f.reputation.Get(UAPatternHint(ua)); ok {
			if rep.CanTriggerFastAllow() {
				result := &Result{
					ConfidenceScore: clamp01(confidence + rep.FastPathWeight()),
					PolicyName:      pol.Name,
					Action:          ActionAllow,
					ProcessingTime:  bb.Elapsed(),
					Reasons:         []Reason{{Category: "Reputation", Detail: "pattern reputation " + string(rep.State)}},
				}
				f.publishMinimal(r, ModeFastPath, result)
				return &Decision{Mode: ModeFastPath, PolicyName: pol.Name, Path: r.URL.Path, Result: result}
			}
			confidence = clamp01(confidence + rep.FastPathWeight())
			if rep.CanTriggerFastAbort() {
				confidence = maxFloat(confidence, f.cfg.AbortThreshold)
			}
		}
	}

	if confidence < f.cfg.AbortThreshold {
		return f.runFull(ctx, bb, pol)
	}

	mode := ModeFastPath
	scheduled := false
	if f.randFn() < f.cfg.SampleRate {
		mode = ModeFastPathSampled
		scheduled = true
		f.scheduleFullRun(r, pol)
	}

	result := &Result{
		IsBot:           true,
		ConfidenceScore: confidence,
		BotType:         detector.BotType,
		BotName:         detector.BotName,
		PolicyName:      pol.Name,
		ProcessingTime:  bb.Elapsed(),
	}
	for _, reason := range detector.Reasons {
		result.Reasons = append(result.Reasons, Reason{Category: "UserAgent", Detail: reason, Delta: confidence})
	}
	result.Action = f.resolveAction(pol, confidence)

	f.publishMinimal(r, mode, result)
	return &Decision{Mode: mode, PolicyName: pol.Name, Path: r.URL.Path, Result: result, FullScheduled: scheduled}
}

func (f *FastPath) runFull(ctx context.Context, bb *Blackboard, pol *policy.Policy) *Decision {
	result := f.orch.Run(ctx, bb, pol)
	return &Decision{Mode: ModeFullPath, PolicyName: result.PolicyName, Path: bb.Req.URL.Path, Result: result}
}

// scheduleFullRun publishes the analysis request and runs the full pipeline
// in the background so the sampled request is not delayed.
func (f *FastPath) scheduleFullRun(r *http.Request, pol *policy.Policy) {
	if f.bus != nil {
		f.bus.TryPublish(learning.Event{
			Type:    learning.EventFullAnalysisRequest,
			Source:  "fastpath",
			Pattern: UAPatternHint(r.UserAgent()),
			Metadata: map[string]string{
				"path": r.URL.Path,
			},
		})
	}
	clone := r.Clone(context.Background())
	go func() {
		bb := NewBlackboard(clone)
		f.orch.Run(context.Background(), bb, pol)
	}()
}

// resolveAction applies the policy thresholds to the fast-path confidence.
func (f *FastPath) resolveAction(pol *policy.Policy, confidence float64) Action {
	if confidence >= pol.ImmediateBlockThreshold {
		return ActionBlock
	}
	return ActionAllow
}

func (f *FastPath) publishMinimal(r *http.Request, mode Mode, result *Result) {
	if f.bus == nil {
		return
	}
	label := 0.0
	if result.IsBot {
		label = 1.0
	}
	f.bus.TryPublish(learning.Event{
		Type:       learning.EventMinimalDetection,
		Source:     "fastpath",
		Pattern:    UAPatternHint(r.UserAgent()),
		Confidence: result.ConfidenceScore,
		Label:      label,
		Metadata: map[string]string{
			"userAgent": r.UserAgent(),
			"path":      r.URL.Path,
			"mode":      string(mode),
			"botType":   string(result.BotType),
		},
	})
}

func (f *FastPath) alwaysFull(path string) bool {
	for _, pattern := range f.cfg.AlwaysRunFullOnPaths {
		if pattern == path || wildcard.Match(pattern, path) {
			return true
		}
	}
	return false
}
