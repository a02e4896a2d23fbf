package detection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threatvane/threatvane/internal/learning"
	"github.com/threatvane/threatvane/internal/policy"
)

const (
	// defaultOptionalTimeout bounds optional contributors that do not set
	// their own budget. Required contributors run unbounded by default.
	defaultOptionalTimeout = time.Second

	// defaultHighConfidenceThreshold gates learning event publication.
	defaultHighConfidenceThreshold = 0.9
)

// Orchestrator runs the full contributor pipeline for one request:
// wave-ordered execution against the blackboard, policy evaluation at every
// contributor boundary, score aggregation, and learning event publication.
type Orchestrator struct {
	registry *Registry
	policies *policy.Registry
	bus      *learning.Bus

	highConfidenceThreshold float64

	onContributorFailed func(name string)
	onEarlyExit         func()
}

// NewOrchestrator wires the pipeline. bus may be nil to disable learning
// event publication.
func NewOrchestrator(registry *Registry, policies *policy.Registry, bus *learning.Bus) *Orchestrator {
	return &Orchestrator{
		registry:                registry,
		policies:                policies,
		bus:                     bus,
		highConfidenceThreshold: defaultHighConfidenceThreshold,
	}
}

// SetFailureHook observes contributor failures (metrics wiring). Set
// before any traffic flows.
func (o *Orchestrator) SetFailureHook(fn func(name string)) { o.onContributorFailed = fn }

// SetEarlyExitHook observes early-exit halts. Set before any traffic
// flows.
func (o *Orchestrator) SetEarlyExitHook(fn func()) { o.onEarlyExit = fn }

// recorded pairs a contribution with its origin for tie-breaking.
type recorded struct {
	contribution Contribution
	priority     int
	name         string
}

// Run executes the slow path under pol and returns the aggregated result.
// Contributors never fail the request: errors and timeouts degrade to audit
// contributions.
func (o *Orchestrator) Run(ctx context.Context, bb *Blackboard, pol *policy.Policy) *Result {
	contributors := o.registry.Subset(pol.SlowPathDetectors)

	ran := make(map[string]struct{}, len(contributors))
	visited := map[string]struct{}{pol.Name: {}}
	var all []recorded
	var earlyExit *Contribution

	var action Action
	stopped := false

	for !stopped {
		wave := nextWave(contributors, ran, bb)
		if len(wave) == 0 {
			break
		}

		for _, contributor := range wave {
			ran[contributor.Name()] = struct{}{}

			contributions, err := o.invoke(ctx, contributor, bb)
			if err != nil {
				bb.MarkFailed(contributor.Name())
				if o.onContributorFailed != nil {
					o.onContributorFailed(contributor.Name())
				}
				if contributor.Optional() {
					log.Debug().Str("contributor", contributor.Name()).Err(err).
						Msg("optional contributor failed")
					continue
				}
				contributions = []Contribution{{
					Category: contributor.Name(),
					Reason:   fmt.Sprintf("contributor failed: %s", contributor.Name()),
				}}
			}

			for _, c := range contributions {
				weight := pol.EffectiveWeight(c.Category)
				bb.Record(contributor.Name(), c, weight)
				all = append(all, recorded{contribution: c, priority: contributor.Priority(), name: contributor.Name()})
				if c.TriggerEarlyExit && earlyExit == nil {
					exit := c
					earlyExit = &exit
				}
			}

			if earlyExit != nil {
				if o.onEarlyExit != nil {
					o.onEarlyExit()
				}
				stopped = true
				break
			}

			// Policy evaluation at the contributor boundary. A policy switch
			// happens at most once per boundary and never revisits a policy.
			outcome := policy.Evaluate(pol, bb)
			if !outcome.ShouldContinue {
				action = Action(outcome.Action)
				stopped = true
				break
			}
			if outcome.NextPolicy != "" {
				if next, ok := o.policies.Get(outcome.NextPolicy); ok {
					if _, seen := visited[next.Name]; !seen {
						visited[next.Name] = struct{}{}
						pol = next
					}
				}
			}
		}
	}

	// Early exits and trigger-exhausted runs skip the boundary evaluator,
	// so resolve the final action from the ending score.
	if action == "" {
		if outcome := policy.Evaluate(pol, bb); !outcome.ShouldContinue && outcome.Action != "" {
			action = Action(outcome.Action)
		}
	}

	result := o.aggregate(bb, pol, all, earlyExit, action)
	o.publish(bb, result)
	return result
}

// nextWave returns the lowest-priority group of contributors that have not
// run and whose trigger conditions hold. Contributors gated on signals that
// never appear simply never run.
func nextWave(contributors []Contributor, ran map[string]struct{}, bb *Blackboard) []Contributor {
	var wave []Contributor
	wavePriority := 0
	for _, c := range contributors {
		if _, done := ran[c.Name()]; done {
			continue
		}
		if !triggersSatisfied(c, bb) {
			continue
		}
		if len(wave) == 0 {
			wavePriority = c.Priority()
		}
		if c.Priority() != wavePriority {
			break
		}
		wave = append(wave, c)
	}
	return wave
}

func triggersSatisfied(c Contributor, bb *Blackboard) bool {
	for _, cond := range c.TriggerConditions() {
		if !cond(bb) {
			return false
		}
	}
	return true
}

// invoke runs one contributor under its execution budget. After the budget
// fires the contributor's eventual return value is discarded; signals it
// already wrote remain.
func (o *Orchestrator) invoke(ctx context.Context, c Contributor, bb *Blackboard) ([]Contribution, error) {
	timeout := c.Timeout()
	if timeout <= 0 {
		if !c.Optional() {
			return detectSafely(ctx, c, bb)
		}
		timeout = defaultOptionalTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		contributions []Contribution
		err           error
	}
	ch := make(chan outcome, 1)
	go func() {
		contributions, err := detectSafely(runCtx, c, bb)
		ch <- outcome{contributions, err}
	}()

	select {
	case out := <-ch:
		return out.contributions, out.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("contributor %s: %w", c.Name(), runCtx.Err())
	}
}

// detectSafely converts a contributor panic into an error.
func detectSafely(ctx context.Context, c Contributor, bb *Blackboard) (contributions []Contribution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("contributor %s panicked: %v", c.Name(), r)
		}
	}()
	return c.Detect(ctx, bb)
}

// aggregate derives the final verdict from the recorded contributions.
func (o *Orchestrator) aggregate(bb *Blackboard, pol *policy.Policy, all []recorded, earlyExit *Contribution, action Action) *Result {
	risk := bb.RiskScore()

	result := &Result{
		PolicyName:     pol.Name,
		Signals:        bb.Signals(),
		ProcessingTime: bb.Elapsed(),
	}
	for _, r := range all {
		result.Reasons = append(result.Reasons, Reason{
			Category: r.contribution.Category,
			Detail:   r.contribution.Reason,
			Delta:    r.contribution.ConfidenceDelta,
		})
	}

	switch {
	case earlyExit != nil && earlyExit.EarlyExitVerdict == VerdictVerifiedBadBot:
		result.IsBot = true
		result.BotType = earlyExit.BotType
		if result.BotType == "" {
			result.BotType = BotTypeMalicious
		}
		result.BotName = earlyExit.BotName
		result.ConfidenceScore = maxFloat(risk, 0.95)
	case earlyExit != nil && earlyExit.EarlyExitVerdict == VerdictVerifiedGoodBot:
		result.IsBot = true
		result.BotType = BotTypeGood
		result.BotName = earlyExit.BotName
		result.ConfidenceScore = maxFloat(risk, 0.9)
	default:
		result.IsBot = risk >= 0.5
		result.ConfidenceScore = risk
		if top := topBotContribution(all); top != nil {
			result.BotType = top.contribution.BotType
			result.BotName = top.contribution.BotName
		}
	}

	result.Action = action
	if result.Action == "" {
		result.Action = ActionAllow
	}
	return result
}

// topBotContribution picks the non-empty bot type from the contribution
// with the largest positive delta; ties go to the lowest contributor
// priority, then lexicographic name.
func topBotContribution(all []recorded) *recorded {
	var best *recorded
	for i := range all {
		r := &all[i]
		if r.contribution.ConfidenceDelta <= 0 || r.contribution.BotType == "" {
			continue
		}
		if best == nil || betterContribution(r, best) {
			best = r
		}
	}
	return best
}

func betterContribution(a, b *recorded) bool {
	if a.contribution.ConfidenceDelta != b.contribution.ConfidenceDelta {
		return a.contribution.ConfidenceDelta > b.contribution.ConfidenceDelta
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.name < b.name
}

// publish emits the full-path learning events: FullDetection always, plus
// HighConfidenceDetection with pattern hints when warranted.
func (o *Orchestrator) publish(bb *Blackboard, result *Result) {
	if o.bus == nil {
		return
	}

	label := 0.0
	if result.IsBot {
		label = 1.0
	}
	ua := bb.SignalString(SignalUserAgent)
	pattern := UAPatternHint(ua)

	o.bus.TryPublish(learning.Event{
		Type:       learning.EventFullDetection,
		Source:     "slowpath",
		Pattern:    pattern,
		Confidence: result.ConfidenceScore,
		Label:      label,
		Metadata: map[string]string{
			"path": bb.Req.URL.Path,
		},
	})

	if result.ConfidenceScore < o.highConfidenceThreshold {
		return
	}
	o.bus.TryPublish(learning.Event{
		Type:       learning.EventHighConfidenceDetection,
		Source:     "slowpath",
		Pattern:    pattern,
		Confidence: result.ConfidenceScore,
		Label:      label,
		Metadata: map[string]string{
			"userAgent": ua,
			"ip":        bb.ClientIP,
			"botType":   string(result.BotType),
			"botName":   result.BotName,
			"path":      bb.Req.URL.Path,
		},
	})
	o.bus.TryPublish(learning.Event{
		Type:       learning.EventHighConfidenceDetection,
		Source:     "slowpath",
		Pattern:    IPPatternHint(bb.ClientIP),
		Confidence: result.ConfidenceScore,
		Label:      label,
		Metadata: map[string]string{
			"userAgent": ua,
			"ip":        bb.ClientIP,
			"botType":   string(result.BotType),
			"botName":   result.BotName,
			"path":      bb.Req.URL.Path,
		},
	})
}

// UAPatternHint builds the stable pattern id hint for a user agent.
func UAPatternHint(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return "ua:" + hex.EncodeToString(sum[:8])
}

// IPPatternHint builds the stable pattern id hint for a client IP.
func IPPatternHint(ip string) string {
	return "ip:" + ip
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
