// Package policy names and parameterizes detection strategies. A policy is
// an immutable record of thresholds, weight overrides, and transition rules;
// the registry replaces whole records rather than mutating them.
package policy

// Transition routes a request mid-pass. Exactly one of the When fields
// should be set; a matching transition resolves to Action if given,
// otherwise to GoToPolicy.
type Transition struct {
	WhenSignal      string   `json:"whenSignal,omitempty" yaml:"when_signal,omitempty"`
	WhenRiskExceeds *float64 `json:"whenRiskExceeds,omitempty" yaml:"when_risk_exceeds,omitempty"`
	WhenRiskBelow   *float64 `json:"whenRiskBelow,omitempty" yaml:"when_risk_below,omitempty"`
	GoToPolicy      string   `json:"goToPolicy,omitempty" yaml:"go_to_policy,omitempty"`
	Action          string   `json:"action,omitempty" yaml:"action,omitempty"`
}

// Policy parameterizes one classification pass.
type Policy struct {
	Name                  string             `json:"name" yaml:"name"`
	Description           string             `json:"description,omitempty" yaml:"description,omitempty"`
	FastPathDetectors     []string           `json:"fastPathDetectors,omitempty" yaml:"fast_path,omitempty"`
	SlowPathDetectors     []string           `json:"slowPathDetectors,omitempty" yaml:"slow_path,omitempty"`
	UseFastPath           bool               `json:"useFastPath" yaml:"use_fast_path"`
	ForceSlowPath         bool               `json:"forceSlowPath" yaml:"force_slow_path"`
	EscalateToAI          bool               `json:"escalateToAi" yaml:"escalate_to_ai"`
	AIEscalationThreshold float64            `json:"aiEscalationThreshold,omitempty" yaml:"ai_escalation_threshold,omitempty"`
	EarlyExitThreshold    float64            `json:"earlyExitThreshold" yaml:"early_exit_threshold"`
	ImmediateBlockThreshold float64          `json:"immediateBlockThreshold" yaml:"immediate_block_threshold"`
	WeightOverrides       map[string]float64 `json:"weightOverrides,omitempty" yaml:"weight_overrides,omitempty"`
	Transitions           []Transition       `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// defaultWeights applies when a policy has no override for a category.
var defaultWeights = map[string]float64{
	"Heuristic": 2.0,
}

// EffectiveWeight resolves the score weight for a contribution category:
// policy override, then the global default table, then 1.0.
func (p *Policy) EffectiveWeight(category string) float64 {
	if w, ok := p.WeightOverrides[category]; ok {
		return w
	}
	if w, ok := defaultWeights[category]; ok {
		return w
	}
	return 1.0
}

// Builtins returns the policies registered at startup. The default policy
// cannot be removed from the registry.
func Builtins() []*Policy {
	return []*Policy{
		{
			Name:                    "default",
			Description:             "Balanced detection for general traffic",
			UseFastPath:             true,
			ImmediateBlockThreshold: 0.95,
		},
		{
			Name:                    "strict",
			Description:             "Aggressive thresholds for sensitive paths",
			UseFastPath:             false,
			ForceSlowPath:           true,
			EarlyExitThreshold:      0.05,
			ImmediateBlockThreshold: 0.75,
			WeightOverrides:         map[string]float64{"AccountTakeover": 1.5, "SecurityTool": 1.5},
		},
		{
			Name:                    "relaxed",
			Description:             "Lenient thresholds for low-risk content",
			UseFastPath:             true,
			EarlyExitThreshold:      0.3,
			ImmediateBlockThreshold: 0.99,
		},
		{
			Name:                    "allowVerifiedBots",
			Description:             "Let verified good bots through regardless of score",
			UseFastPath:             true,
			ImmediateBlockThreshold: 0.95,
			Transitions: []Transition{
				{WhenSignal: "VerifiedGoodBot", Action: "Allow"},
				{WhenSignal: "VerifiedBadBot", Action: "Block"},
			},
		},
		{
			Name:                    "static",
			Description:             "Static assets: skip everything cheap",
			UseFastPath:             true,
			EarlyExitThreshold:      1.0,
			ImmediateBlockThreshold: 1.0,
		},
	}
}
