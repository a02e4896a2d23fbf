package policy

// RequestState is the slice of blackboard the evaluator needs: the running
// risk score and signal presence checks.
type RequestState interface {
	RiskScore() float64
	SignalBool(key string) bool
	Signal(key string) (any, bool)
}

// Outcome is the evaluator's verdict at one contributor boundary.
type Outcome struct {
	ShouldContinue bool
	NextPolicy     string
	Action         string
}

// Evaluate applies a policy to the current request state:
//
//  1. score at or above the immediate block threshold blocks outright;
//  2. with the fast path enabled and a positive early exit threshold,
//     score at or below that threshold allows outright (zero disables the
//     shortcut: otherwise every clean request would end at the first
//     contributor boundary);
//  3. otherwise transitions are tried in declaration order.
//
// When nothing matches the pass continues under the same policy.
func Evaluate(p *Policy, state RequestState) Outcome {
	score := state.RiskScore()

	if score >= p.ImmediateBlockThreshold {
		return Outcome{ShouldContinue: false, Action: "Block"}
	}
	if p.UseFastPath && p.EarlyExitThreshold > 0 && score <= p.EarlyExitThreshold {
		return Outcome{ShouldContinue: false, Action: "Allow"}
	}

	for _, t := range p.Transitions {
		if !transitionMatches(t, state, score) {
			continue
		}
		if t.Action != "" {
			return Outcome{ShouldContinue: false, Action: t.Action}
		}
		if t.GoToPolicy != "" {
			return Outcome{ShouldContinue: true, NextPolicy: t.GoToPolicy}
		}
	}

	return Outcome{ShouldContinue: true}
}

func transitionMatches(t Transition, state RequestState, score float64) bool {
	if t.WhenSignal != "" {
		v, ok := state.Signal(t.WhenSignal)
		if !ok {
			return false
		}
		if b, isBool := v.(bool); isBool && !b {
			return false
		}
		return true
	}
	if t.WhenRiskExceeds != nil {
		return score > *t.WhenRiskExceeds
	}
	if t.WhenRiskBelow != nil {
		return score < *t.WhenRiskBelow
	}
	return false
}
