package detection

import (
	"context"
	"sort"
	"time"
)

// TriggerCondition is a predicate over the blackboard's current signals.
// A contributor with no trigger conditions runs in the first wave its
// priority allows; one with conditions becomes eligible once every
// condition holds.
type TriggerCondition func(bb *Blackboard) bool

// SignalPresent triggers when key has been written, whatever its value.
func SignalPresent(key string) TriggerCondition {
	return func(bb *Blackboard) bool {
		_, ok := bb.Signal(key)
		return ok
	}
}

// SignalTrue triggers when key is present and truthy.
func SignalTrue(key string) TriggerCondition {
	return func(bb *Blackboard) bool {
		return bb.SignalBool(key)
	}
}

// Contributor is a named classifier that observes the blackboard and emits
// contributions. Contributors hold no per-request state; anything learned
// across requests goes through the shared caches.
type Contributor interface {
	Name() string
	Priority() int
	// Timeout bounds one Detect call; zero means the framework default
	// (1s for optional contributors, unbounded otherwise).
	Timeout() time.Duration
	Optional() bool
	TriggerConditions() []TriggerCondition
	Detect(ctx context.Context, bb *Blackboard) ([]Contribution, error)
}

// Meta carries the static half of the Contributor interface so concrete
// contributors only implement Detect.
type Meta struct {
	ContributorName string
	RunPriority     int
	ExecTimeout     time.Duration
	IsOptional      bool
	Triggers        []TriggerCondition
}

func (m Meta) Name() string                          { return m.ContributorName }
func (m Meta) Priority() int                         { return m.RunPriority }
func (m Meta) Timeout() time.Duration                { return m.ExecTimeout }
func (m Meta) Optional() bool                        { return m.IsOptional }
func (m Meta) TriggerConditions() []TriggerCondition { return m.Triggers }

// Registry holds the registered contributors in execution order.
// Registration happens once at startup; reads are lock-free afterwards.
type Registry struct {
	contributors []Contributor
}

// NewRegistry sorts the given contributors by priority, then name, which is
// the canonical execution order within a wave.
func NewRegistry(contributors ...Contributor) *Registry {
	sorted := make([]Contributor, len(contributors))
	copy(sorted, contributors)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority() != sorted[j].Priority() {
			return sorted[i].Priority() < sorted[j].Priority()
		}
		return sorted[i].Name() < sorted[j].Name()
	})
	return &Registry{contributors: sorted}
}

// All returns the contributors in execution order.
func (r *Registry) All() []Contributor {
	return r.contributors
}

// Get returns the contributor with the given name.
func (r *Registry) Get(name string) (Contributor, bool) {
	for _, c := range r.contributors {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Subset returns the contributors whose names appear in names, preserving
// execution order. An empty names list selects everything.
func (r *Registry) Subset(names []string) []Contributor {
	if len(names) == 0 {
		return r.contributors
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	out := make([]Contributor, 0, len(names))
	for _, c := range r.contributors {
		if _, ok := want[c.Name()]; ok {
			out = append(out, c)
		}
	}
	return out
}
