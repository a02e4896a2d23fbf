package contributors

import (
	"context"
	"fmt"

	"github.com/threatvane/threatvane/internal/detection"
	"github.com/threatvane/threatvane/internal/reputation"
)

// ReputationBias reads the learned reputation for the request's UA and IP
// patterns and biases the score accordingly. It runs after the protocol
// contributors, is read-only against the cache, and can short-circuit on
// manual overrides.
type ReputationBias struct {
	detection.Meta
	cache *reputation.Cache
}

// NewReputationBias creates the contributor.
func NewReputationBias(cache *reputation.Cache) *ReputationBias {
	return &ReputationBias{
		Meta: detection.Meta{
			ContributorName: "ReputationBias",
			RunPriority:     30,
			Triggers: []detection.TriggerCondition{
				detection.SignalPresent(detection.SignalUserAgent),
			},
		},
		cache: cache,
	}
}

// Detect implements detection.Contributor.
func (rb *ReputationBias) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	var out []detection.Contribution

	for _, patternID := range []string{
		detection.UAPatternHint(bb.SignalString(detection.SignalUserAgent)),
		detection.IPPatternHint(bb.ClientIP),
	} {
		rep, ok := rb.cache.Get(patternID)
		if !ok {
			continue
		}
		weight := rep.FastPathWeight()
		if weight == 0 {
			continue
		}

		c := detection.Contribution{
			Category:        "ReputationBias",
			Reason:          fmt.Sprintf("learned reputation %s for %s", rep.State, patternID),
			ConfidenceDelta: weight,
			Signals: map[string]any{
				detection.SignalReputationState:  string(rep.State),
				detection.SignalReputationScore:  rep.BotScore,
				detection.SignalReputationWeight: weight,
			},
		}
		switch rep.State {
		case reputation.StateManuallyBlocked:
			c.BotType = detection.BotTypeBad
			c.TriggerEarlyExit = true
			c.EarlyExitVerdict = detection.VerdictVerifiedBadBot
		case reputation.StateManuallyAllowed:
			c.Signals[detection.SignalVerifiedGoodBot] = true
		case reputation.StateConfirmedBad:
			c.BotType = detection.BotTypeBad
		}
		out = append(out, c)
	}

	if len(out) == 0 {
		return []detection.Contribution{detection.NoSignals(rb.Name())}, nil
	}
	return out, nil
}
