package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeState implements RequestState for evaluator tests.
type fakeState struct {
	risk    float64
	signals map[string]any
}

func (f *fakeState) RiskScore() float64 { return f.risk }
func (f *fakeState) Signal(key string) (any, bool) {
	v, ok := f.signals[key]
	return v, ok
}
func (f *fakeState) SignalBool(key string) bool {
	v, ok := f.signals[key]
	if !ok {
		return false
	}
	if b, isBool := v.(bool); isBool {
		return b
	}
	return true
}

func TestRegistry_BuiltinsAndCaseInsensitivity(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"default", "strict", "relaxed", "allowVerifiedBots", "static"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("builtin %s missing", name)
		}
	}
	if _, ok := r.Get("DEFAULT"); !ok {
		t.Error("lookups must be case-insensitive")
	}
	if _, ok := r.Get("AllowVerifiedBots"); !ok {
		t.Error("mixed-case lookup must resolve")
	}
}

func TestRegistry_DefaultIrremovable(t *testing.T) {
	r := NewRegistry()
	if err := r.Remove("default"); err == nil {
		t.Fatal("removing default must fail")
	}
	require.NoError(t, r.Remove("relaxed"))
	_, ok := r.Get("relaxed")
	assert.False(t, ok)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	custom := &Policy{Name: "strict", Description: "tightened further", ImmediateBlockThreshold: 0.5}
	require.NoError(t, r.Register(custom))

	got, ok := r.Get("strict")
	require.True(t, ok)
	assert.Equal(t, 0.5, got.ImmediateBlockThreshold)

	assert.Error(t, r.Register(&Policy{}), "nameless policy is rejected")
}

func TestForPath_StaticExtension(t *testing.T) {
	r := NewRegistry()
	r.SetStaticDetection(true, []string{".css", "js", ".png"})

	assert.Equal(t, "static", r.ForPath("/assets/app.css").Name)
	assert.Equal(t, "static", r.ForPath("/bundle.min.js").Name)
	assert.Equal(t, "static", r.ForPath("/img/logo.PNG").Name)
	assert.Equal(t, "static", r.ForPath("/style.css?v=3").Name)
	assert.Equal(t, "default", r.ForPath("/api/users").Name)
	assert.Equal(t, "default", r.ForPath("/.well-known/thing").Name)
}

func TestForPath_SpecificityOrder(t *testing.T) {
	r := NewRegistry()
	r.SetPathPolicies(map[string]string{
		"/admin/login":   "strict",
		"/admin/*":       "relaxed",
		"/admin/**":      "allowVerifiedBots",
		"/api/*/health":  "relaxed",
	})

	assert.Equal(t, "strict", r.ForPath("/admin/login").Name, "exact beats wildcards")
	assert.Equal(t, "relaxed", r.ForPath("/admin/users").Name, "* beats **")
	assert.Equal(t, "allowVerifiedBots", r.ForPath("/admin/users/42/edit").Name, "** matches deep suffixes")
	assert.Equal(t, "relaxed", r.ForPath("/api/v2/health").Name, "* spans one segment")
	assert.Equal(t, "default", r.ForPath("/api/v2/deep/health").Name, "* must not span segments")
	assert.Equal(t, "default", r.ForPath("/public").Name)
}

func TestForPath_UnknownPolicyFallsBack(t *testing.T) {
	r := NewRegistry()
	r.SetPathPolicies(map[string]string{"/x": "nonexistent"})
	assert.Equal(t, "default", r.ForPath("/x").Name)
}

func TestEvaluate_ImmediateBlock(t *testing.T) {
	p := &Policy{Name: "t", ImmediateBlockThreshold: 0.9}
	out := Evaluate(p, &fakeState{risk: 0.92})
	assert.False(t, out.ShouldContinue)
	assert.Equal(t, "Block", out.Action)
}

func TestEvaluate_EarlyAllow(t *testing.T) {
	p := &Policy{Name: "t", UseFastPath: true, EarlyExitThreshold: 0.2, ImmediateBlockThreshold: 0.9}
	out := Evaluate(p, &fakeState{risk: 0.1})
	assert.False(t, out.ShouldContinue)
	assert.Equal(t, "Allow", out.Action)

	// A zero threshold disables the shortcut.
	p2 := &Policy{Name: "t2", UseFastPath: true, ImmediateBlockThreshold: 0.9}
	out = Evaluate(p2, &fakeState{risk: 0})
	assert.True(t, out.ShouldContinue)

	// Without use_fast_path the threshold is inert.
	p3 := &Policy{Name: "t3", UseFastPath: false, EarlyExitThreshold: 0.2, ImmediateBlockThreshold: 0.9}
	out = Evaluate(p3, &fakeState{risk: 0.1})
	assert.True(t, out.ShouldContinue)
}

func TestEvaluate_TransitionsInOrder(t *testing.T) {
	exceeds := 0.5
	below := 0.3
	p := &Policy{
		Name:                    "t",
		ImmediateBlockThreshold: 0.99,
		Transitions: []Transition{
			{WhenSignal: "VerifiedGoodBot", Action: "Allow"},
			{WhenRiskExceeds: &exceeds, GoToPolicy: "strict"},
			{WhenRiskBelow: &below, Action: "Continue"},
		},
	}

	// Signal transition wins when present, even at high risk.
	out := Evaluate(p, &fakeState{risk: 0.8, signals: map[string]any{"VerifiedGoodBot": true}})
	assert.False(t, out.ShouldContinue)
	assert.Equal(t, "Allow", out.Action)

	// A false boolean signal does not match.
	out = Evaluate(p, &fakeState{risk: 0.8, signals: map[string]any{"VerifiedGoodBot": false}})
	assert.True(t, out.ShouldContinue)
	assert.Equal(t, "strict", out.NextPolicy)

	// Risk-below transition resolves to its action.
	out = Evaluate(p, &fakeState{risk: 0.2})
	assert.False(t, out.ShouldContinue)
	assert.Equal(t, "Continue", out.Action)

	// Nothing matches: continue under the same policy.
	out = Evaluate(p, &fakeState{risk: 0.4})
	assert.True(t, out.ShouldContinue)
	assert.Empty(t, out.NextPolicy)
}

func TestEvaluate_NonBooleanSignalCountsAsPresent(t *testing.T) {
	p := &Policy{
		Name:                    "t",
		ImmediateBlockThreshold: 0.99,
		Transitions:             []Transition{{WhenSignal: "aiscraper.name", Action: "Challenge"}},
	}
	out := Evaluate(p, &fakeState{risk: 0.4, signals: map[string]any{"aiscraper.name": "GPTBot"}})
	assert.Equal(t, "Challenge", out.Action)
}

func TestEffectiveWeight(t *testing.T) {
	p := &Policy{Name: "t", WeightOverrides: map[string]float64{"UserAgent": 0.5}}
	assert.Equal(t, 0.5, p.EffectiveWeight("UserAgent"))
	assert.Equal(t, 2.0, p.EffectiveWeight("Heuristic"), "global default table applies")
	assert.Equal(t, 1.0, p.EffectiveWeight("SomethingElse"))
}
