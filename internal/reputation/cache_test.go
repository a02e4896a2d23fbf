package reputation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatvane/threatvane/internal/patternstore"
)

// fakeStore records upserts in memory.
type fakeStore struct {
	mu      sync.Mutex
	sigs    map[string]patternstore.LearnedSignature
	deleted []string
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{sigs: make(map[string]patternstore.LearnedSignature)}
}

func (f *fakeStore) Upsert(sig patternstore.LearnedSignature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return fmt.Errorf("store unavailable")
	}
	f.sigs[sig.PatternID] = sig
	return nil
}

func (f *fakeStore) GetByConfidence(min float64) ([]patternstore.LearnedSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []patternstore.LearnedSignature
	for _, s := range f.sigs {
		if s.Confidence >= min {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(patternID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sigs, patternID)
	f.deleted = append(f.deleted, patternID)
	return nil
}

func TestCache_ApplyEvidenceCreatesAndUpdates(t *testing.T) {
	c := NewCache(newTestEngine(), nil)

	rep := c.ApplyEvidence("ua:1", PatternUserAgent, "bot-ua", 1.0, 1)
	assert.Equal(t, StateNeutral, rep.State)
	assert.Equal(t, 1, c.Len())

	for i := 0; i < 12; i++ {
		rep = c.ApplyEvidence("ua:1", PatternUserAgent, "bot-ua", 1.0, 1)
	}
	assert.Equal(t, StateSuspect, rep.State)

	signals := c.Signals().Recent(func(s Signal) bool { return s.Kind == SignalStateChanged })
	require.NotEmpty(t, signals)
	assert.Equal(t, "ua:1", signals[0].PatternID)
}

func TestCache_HotKeyMarking(t *testing.T) {
	c := NewCache(newTestEngine(), nil)
	c.ApplyEvidence("ua:hot", PatternUserAgent, "hot", 0.5, 1)

	for i := 0; i < 15; i++ {
		c.Get("ua:hot")
	}
	hot := c.Signals().Recent(func(s Signal) bool { return s.Kind == SignalHotKey })
	require.Len(t, hot, 1)
	assert.Equal(t, "ua:hot", hot[0].PatternID)
}

func TestCache_EvictionSparesNonNeutral(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPatterns = 10
	c := NewCache(NewEngine(cfg), nil)

	// One entry pinned Suspect, the rest Neutral.
	for i := 0; i < 13; i++ {
		id := fmt.Sprintf("ua:n%d", i)
		c.ApplyEvidence(id, PatternUserAgent, "n", 0.5, 1)
	}
	for i := 0; i < 12; i++ {
		c.ApplyEvidence("ua:suspect", PatternUserAgent, "s", 1.0, 1)
	}
	rep, ok := c.Get("ua:suspect")
	require.True(t, ok)
	require.Equal(t, StateSuspect, rep.State)

	c.wg.Wait() // let any scheduled eviction finish

	_, ok = c.Get("ua:suspect")
	assert.True(t, ok, "suspect entries must survive cold eviction")
	assert.LessOrEqual(t, c.Len(), 13)
}

func TestCache_FlushWriteBehind(t *testing.T) {
	store := newFakeStore()
	c := NewCache(newTestEngine(), store)

	for i := 0; i < 12; i++ {
		c.ApplyEvidence("ua:flush", PatternUserAgent, "flush-ua", 1.0, 1)
	}
	n := c.Flush(context.Background())
	assert.Equal(t, 1, n)

	sig, ok := store.sigs["ua:flush"]
	require.True(t, ok)
	assert.Equal(t, patternstore.ActionScoreOnly, sig.Action, "suspect persists as ScoreOnly")

	// Nothing dirty: second flush writes nothing.
	assert.Zero(t, c.Flush(context.Background()))
}

func TestCache_FlushRetriesOnFailure(t *testing.T) {
	store := newFakeStore()
	store.failing = true
	c := NewCache(newTestEngine(), store)

	c.ApplyEvidence("ua:retry", PatternUserAgent, "r", 1.0, 1)
	assert.Zero(t, c.Flush(context.Background()))

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	assert.Equal(t, 1, c.Flush(context.Background()), "entry must stay dirty and retry")
}

func TestCache_LoadMapsActionsToStates(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	seed := []patternstore.LearnedSignature{
		{PatternID: "ua:full-high", Action: patternstore.ActionFull, Confidence: 0.95, Occurrences: 60, LastSeen: now},
		{PatternID: "ua:full-low", Action: patternstore.ActionFull, Confidence: 0.7, Occurrences: 20, LastSeen: now},
		{PatternID: "ua:score", Action: patternstore.ActionScoreOnly, Confidence: 0.65, Occurrences: 15, LastSeen: now},
		{PatternID: "ua:log-extreme", Action: patternstore.ActionLogOnly, Confidence: 0.97, Occurrences: 5, LastSeen: now},
		{PatternID: "ua:log-good", Action: patternstore.ActionLogOnly, Confidence: 0.01, Occurrences: 40, LastSeen: now},
		{PatternID: "ua:log-mid", Action: patternstore.ActionLogOnly, Confidence: 0.5, Occurrences: 3, LastSeen: now},
	}
	for _, s := range seed {
		s.SignatureType = string(PatternUserAgent)
		require.NoError(t, store.Upsert(s))
	}

	c := NewCache(newTestEngine(), store)
	require.NoError(t, c.LoadFromStore())

	expect := map[string]State{
		"ua:full-high":   StateConfirmedBad,
		"ua:full-low":    StateSuspect,
		"ua:score":       StateSuspect,
		"ua:log-extreme": StateConfirmedBad,
		"ua:log-good":    StateConfirmedGood,
		"ua:log-mid":     StateNeutral,
	}
	for id, want := range expect {
		rep, ok := c.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, want, rep.State, id)
	}
}

func TestCache_PersistThenLoadRoundTrip(t *testing.T) {
	store := newFakeStore()
	c := NewCache(newTestEngine(), store)

	var rep PatternReputation
	for i := 0; i < 60; i++ {
		rep = c.ApplyEvidence("ua:rt", PatternUserAgent, "rt", 1.0, 1)
	}
	require.Equal(t, StateConfirmedBad, rep.State)
	c.Flush(context.Background())

	reloaded := NewCache(newTestEngine(), store)
	require.NoError(t, reloaded.LoadFromStore())
	got, ok := reloaded.Get("ua:rt")
	require.True(t, ok)
	assert.Equal(t, StateConfirmedBad, got.State, "Full action at high confidence loads back ConfirmedBad")
}

func TestCache_GCRemovesEligible(t *testing.T) {
	cfg := DefaultConfig()
	store := newFakeStore()
	engine := NewEngine(cfg)
	c := NewCache(engine, store)

	c.ApplyEvidence("ua:stale", PatternUserAgent, "stale", 0.5, 0.5)
	c.Flush(context.Background())

	// Age the entry directly.
	c.mu.Lock()
	c.entries["ua:stale"].rep.LastSeen = time.Now().Add(-120 * 24 * time.Hour)
	c.entries["ua:stale"].rep.Support = 0.5
	c.mu.Unlock()

	removed := c.GC()
	assert.Equal(t, 1, removed)
	assert.Zero(t, c.Len())
	assert.Contains(t, store.deleted, "ua:stale")
}

func TestCache_ManualBlockRoundTrip(t *testing.T) {
	c := NewCache(newTestEngine(), nil)

	rep := c.ManuallyBlock("ip:6.6.6.6", PatternIP, "6.6.6.6", "abuse report")
	assert.Equal(t, StateManuallyBlocked, rep.State)
	assert.True(t, rep.IsManual)
	assert.Equal(t, 1.0, rep.BotScore)

	// Evidence cannot move a manual entry.
	rep = c.ApplyEvidence("ip:6.6.6.6", PatternIP, "6.6.6.6", 0.0, 50)
	assert.Equal(t, StateManuallyBlocked, rep.State)
	assert.Equal(t, 1.0, rep.BotScore)

	unlocked, ok := c.RemoveManualOverride("ip:6.6.6.6")
	require.True(t, ok)
	assert.False(t, unlocked.IsManual)
}

func TestCache_DecaySweepSingleFlight(t *testing.T) {
	c := NewCache(newTestEngine(), nil)
	c.ApplyEvidence("ua:ds", PatternUserAgent, "ds", 0.9, 1)

	c.decayRunning.Store(true)
	c.DecaySweep() // must return immediately, not deadlock
	c.decayRunning.Store(false)

	c.DecaySweep()
	started := c.Signals().Recent(func(s Signal) bool { return s.Kind == SignalDecaySweepStarted })
	assert.Len(t, started, 1, "suppressed sweep must not emit a start signal")
}

func TestSignalBuffer_BoundedAndFiltered(t *testing.T) {
	b := NewSignalBuffer(4, time.Hour)
	for i := 0; i < 10; i++ {
		b.Emit(SignalPatternUpdated, fmt.Sprintf("p%d", i), nil)
	}
	all := b.Recent(nil)
	require.Len(t, all, 4, "ring keeps only the newest entries")
	assert.Equal(t, "p6", all[0].PatternID)
	assert.Equal(t, "p9", all[3].PatternID)

	none := b.Recent(func(s Signal) bool { return s.Kind == SignalGCStarted })
	assert.Empty(t, none)
}
