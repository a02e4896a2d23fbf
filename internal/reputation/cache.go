package reputation

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threatvane/threatvane/internal/patternstore"
)

// Store is the persistence collaborator for write-behind flushes and
// startup loads.
type Store interface {
	Upsert(sig patternstore.LearnedSignature) error
	GetByConfidence(min float64) ([]patternstore.LearnedSignature, error)
	Delete(patternID string) error
}

type entry struct {
	rep         *PatternReputation
	lastAccess  time.Time
	accessCount int64
	hotUntil    time.Time
	dirty       bool
}

// Cache is the bounded in-memory layer over the reputation engine. It is
// the source of truth for reads; the pattern store is the crash-durable
// replica maintained by a single write-behind flusher.
type Cache struct {
	engine  *Engine
	store   Store
	signals *SignalBuffer

	mu      sync.RWMutex
	entries map[string]*entry

	decayRunning atomic.Bool
	gcRunning    atomic.Bool
	evictPending atomic.Bool

	onStateChange func(to string)
	onEviction    func(cause string)

	wg sync.WaitGroup
}

// NewCache creates the cache. store may be nil for a purely in-memory
// instance (tests, ephemeral deployments).
func NewCache(engine *Engine, store Store) *Cache {
	return &Cache{
		engine:  engine,
		store:   store,
		signals: NewSignalBuffer(2048, time.Hour),
		entries: make(map[string]*entry),
	}
}

// Signals exposes the observability ring.
func (c *Cache) Signals() *SignalBuffer { return c.signals }

// SetStateChangeHook observes state transitions (metrics wiring). Set
// before any traffic flows.
func (c *Cache) SetStateChangeHook(fn func(to string)) { c.onStateChange = fn }

// SetEvictionHook observes evictions by cause. Set before any traffic
// flows.
func (c *Cache) SetEvictionHook(fn func(cause string)) { c.onEviction = fn }

func (c *Cache) notifyStateChange(to State) {
	if c.onStateChange != nil {
		c.onStateChange(string(to))
	}
}

func (c *Cache) notifyEviction(cause string) {
	if c.onEviction != nil {
		c.onEviction(cause)
	}
}

// Len returns the number of cached patterns.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Get returns a copy of the reputation for patternID and performs hot-key
// bookkeeping. Hot entries are exempt from cold eviction and GC until the
// hotness expires.
func (c *Cache) Get(patternID string) (PatternReputation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[patternID]
	if !ok {
		return PatternReputation{}, false
	}
	c.touch(patternID, e)
	return *e.rep, true
}

// touch updates access bookkeeping; callers hold the write lock.
func (c *Cache) touch(patternID string, e *entry) {
	now := time.Now()
	e.lastAccess = now
	e.accessCount++
	if e.accessCount == c.engine.cfg.HotKeyThreshold && now.After(e.hotUntil) {
		e.hotUntil = now.Add(c.engine.cfg.HotKeyExtension)
		c.signals.Emit(SignalHotKey, patternID, nil)
	}
}

// ApplyEvidence folds one labeled observation into the pattern, creating it
// on first sight. State-changing operations for a pattern id are serialized
// here.
func (c *Cache) ApplyEvidence(patternID string, patternType PatternType, pattern string, label, weight float64) PatternReputation {
	c.mu.Lock()
	e, ok := c.entries[patternID]
	var prevState State
	if !ok {
		rep := c.engine.ApplyEvidence(nil, patternID, patternType, pattern, label, weight)
		e = &entry{rep: rep, dirty: true}
		c.entries[patternID] = e
		c.touch(patternID, e)
		overLimit := len(c.entries) > c.engine.cfg.MaxPatterns
		snapshot := *e.rep
		c.mu.Unlock()

		c.signals.Emit(SignalPatternCreated, patternID, map[string]string{"type": string(patternType)})
		if overLimit && c.evictPending.CompareAndSwap(false, true) {
			c.wg.Add(1)
			go c.evictColdest()
		}
		return snapshot
	}

	prevState = e.rep.State
	c.engine.ApplyEvidence(e.rep, patternID, patternType, pattern, label, weight)
	e.dirty = true
	c.touch(patternID, e)
	newState := e.rep.State
	snapshot := *e.rep
	c.mu.Unlock()

	c.signals.Emit(SignalPatternUpdated, patternID, nil)
	if newState != prevState {
		c.signals.Emit(SignalStateChanged, patternID, map[string]string{
			"from": string(prevState), "to": string(newState),
		})
		c.notifyStateChange(newState)
	}
	return snapshot
}

// ManuallyBlock pins a pattern as bot, creating it if needed.
func (c *Cache) ManuallyBlock(patternID string, patternType PatternType, pattern, notes string) PatternReputation {
	return c.manualOverride(patternID, patternType, pattern, notes, true)
}

// ManuallyAllow pins a pattern as human, creating it if needed.
func (c *Cache) ManuallyAllow(patternID string, patternType PatternType, pattern, notes string) PatternReputation {
	return c.manualOverride(patternID, patternType, pattern, notes, false)
}

func (c *Cache) manualOverride(patternID string, patternType PatternType, pattern, notes string, block bool) PatternReputation {
	c.mu.Lock()
	e, ok := c.entries[patternID]
	if !ok {
		rep := c.engine.ApplyEvidence(nil, patternID, patternType, pattern, 0.5, 1)
		e = &entry{rep: rep}
		c.entries[patternID] = e
	}
	prev := e.rep.State
	if block {
		c.engine.ManuallyBlock(e.rep, notes)
	} else {
		c.engine.ManuallyAllow(e.rep, notes)
	}
	e.dirty = true
	snapshot := *e.rep
	c.mu.Unlock()

	c.signals.Emit(SignalStateChanged, patternID, map[string]string{
		"from": string(prev), "to": string(snapshot.State), "manual": "true",
	})
	c.notifyStateChange(snapshot.State)
	return snapshot
}

// RemoveManualOverride unfreezes a pattern; its state re-evaluates from the
// current score and support. Returns false when the pattern is unknown.
func (c *Cache) RemoveManualOverride(patternID string) (PatternReputation, bool) {
	c.mu.Lock()
	e, ok := c.entries[patternID]
	if !ok {
		c.mu.Unlock()
		return PatternReputation{}, false
	}
	prev := e.rep.State
	c.engine.RemoveManualOverride(e.rep)
	e.dirty = true
	snapshot := *e.rep
	c.mu.Unlock()

	c.signals.Emit(SignalStateChanged, patternID, map[string]string{
		"from": string(prev), "to": string(snapshot.State), "manual": "removed",
	})
	c.notifyStateChange(snapshot.State)
	return snapshot, true
}

// DecaySweep applies time decay to every entry. Only one sweep runs at a
// time; the sweep snapshots keys first and re-checks entries under the lock
// so concurrent evidence is never lost.
func (c *Cache) DecaySweep() {
	if !c.decayRunning.CompareAndSwap(false, true) {
		return
	}
	defer c.decayRunning.Store(false)

	c.signals.Emit(SignalDecaySweepStarted, "", nil)
	start := time.Now()

	keys := c.keys()
	touched := 0
	for _, k := range keys {
		c.mu.Lock()
		e, ok := c.entries[k]
		if !ok {
			c.mu.Unlock()
			continue
		}
		prev := e.rep.State
		prevScore := e.rep.BotScore
		c.engine.ApplyTimeDecay(e.rep)
		if e.rep.BotScore != prevScore || e.rep.State != prev {
			e.dirty = true
			touched++
		}
		newState := e.rep.State
		c.mu.Unlock()
		if newState != prev {
			c.signals.Emit(SignalStateChanged, k, map[string]string{
				"from": string(prev), "to": string(newState), "cause": "decay",
			})
			c.notifyStateChange(newState)
		}
	}

	c.signals.Emit(SignalDecaySweepComplete, "", map[string]string{
		"entries": strconv.Itoa(len(keys)), "changed": strconv.Itoa(touched),
	})
	log.Debug().Int("entries", len(keys)).Int("changed", touched).
		Dur("took", time.Since(start)).Msg("reputation decay sweep completed")
}

// GC removes patterns eligible for garbage collection. Hot entries are
// exempt until their hotness expires.
func (c *Cache) GC() int {
	if !c.gcRunning.CompareAndSwap(false, true) {
		return 0
	}
	defer c.gcRunning.Store(false)

	c.signals.Emit(SignalGCStarted, "", nil)
	now := time.Now()
	removed := 0
	for _, k := range c.keys() {
		c.mu.Lock()
		e, ok := c.entries[k]
		if ok && now.Before(e.hotUntil) {
			ok = false
		}
		if ok && c.engine.IsEligibleForGC(e.rep) {
			delete(c.entries, k)
			removed++
			c.mu.Unlock()
			if c.store != nil {
				if err := c.store.Delete(k); err != nil {
					log.Warn().Str("patternId", k).Err(err).Msg("failed to delete pattern from store")
				}
			}
			c.signals.Emit(SignalEvicted, k, map[string]string{"cause": "gc"})
			c.notifyEviction("gc")
			continue
		}
		c.mu.Unlock()
	}

	c.signals.Emit(SignalGCComplete, "", map[string]string{"removed": strconv.Itoa(removed)})
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("reputation GC completed")
	}
	return removed
}

// evictColdest trims the cache back to its size bound by removing the
// coldest non-hot, non-manual Neutral entries. Suspect, ConfirmedBad, and
// ConfirmedGood entries are never evicted regardless of coldness.
func (c *Cache) evictColdest() {
	defer c.wg.Done()
	defer c.evictPending.Store(false)

	type candidate struct {
		id         string
		lastAccess time.Time
	}

	now := time.Now()
	c.mu.RLock()
	excess := len(c.entries) - c.engine.cfg.MaxPatterns
	var candidates []candidate
	if excess > 0 {
		candidates = make([]candidate, 0, len(c.entries)/4)
		for id, e := range c.entries {
			if e.rep.IsManual || e.rep.State != StateNeutral || now.Before(e.hotUntil) {
				continue
			}
			candidates = append(candidates, candidate{id: id, lastAccess: e.lastAccess})
		}
	}
	c.mu.RUnlock()
	if excess <= 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})
	if len(candidates) > excess {
		candidates = candidates[:excess]
	}

	evicted := 0
	for _, cand := range candidates {
		c.mu.Lock()
		e, ok := c.entries[cand.id]
		// Re-check under the lock: the entry may have warmed up or changed
		// state since the snapshot.
		removed := ok && !e.rep.IsManual && e.rep.State == StateNeutral && !time.Now().Before(e.hotUntil)
		if removed {
			delete(c.entries, cand.id)
			evicted++
		}
		c.mu.Unlock()
		if removed {
			c.signals.Emit(SignalEvicted, cand.id, map[string]string{"cause": "cold"})
			c.notifyEviction("cold")
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("cold reputation entries evicted")
	}
}

// Flush writes all dirty entries to the store through the single writer.
func (c *Cache) Flush(ctx context.Context) int {
	if c.store == nil {
		return 0
	}

	c.mu.Lock()
	batch := make(map[string]PatternReputation)
	for id, e := range c.entries {
		if e.dirty {
			batch[id] = *e.rep
			e.dirty = false
		}
	}
	c.mu.Unlock()

	flushed := 0
	for id, rep := range batch {
		if ctx.Err() != nil {
			// Put the remainder back so the next flush retries.
			c.markDirty(id)
			continue
		}
		if err := c.store.Upsert(toSignature(rep)); err != nil {
			log.Warn().Str("patternId", id).Err(err).Msg("reputation flush failed, will retry")
			c.markDirty(id)
			continue
		}
		flushed++
	}
	return flushed
}

func (c *Cache) markDirty(patternID string) {
	c.mu.Lock()
	if e, ok := c.entries[patternID]; ok {
		e.dirty = true
	}
	c.mu.Unlock()
}

// LoadFromStore seeds the cache from the durable replica, mapping persisted
// actions back into states.
func (c *Cache) LoadFromStore() error {
	if c.store == nil {
		return nil
	}
	sigs, err := c.store.GetByConfidence(0)
	if err != nil {
		return err
	}
	loaded := 0
	c.mu.Lock()
	for _, sig := range sigs {
		if len(c.entries) >= c.engine.cfg.MaxPatterns {
			break
		}
		rep := fromSignature(sig, c.engine.cfg.MaxSupport)
		c.entries[rep.PatternID] = &entry{rep: rep, lastAccess: sig.LastSeen}
		loaded++
	}
	c.mu.Unlock()
	if loaded > 0 {
		log.Info().Int("patterns", loaded).Msg("reputation cache loaded from store")
	}
	return nil
}

// Run drives the background decay, GC, and flush loops until ctx is
// cancelled, then performs a final flush with a five second budget.
func (c *Cache) Run(ctx context.Context) {
	decay := time.NewTicker(c.engine.cfg.DecayInterval)
	gc := time.NewTicker(c.engine.cfg.GCInterval)
	flush := time.NewTicker(c.engine.cfg.FlushInterval)
	defer decay.Stop()
	defer gc.Stop()
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n := c.Flush(final)
			cancel()
			log.Info().Int("flushed", n).Msg("reputation cache final flush done")
			return
		case <-decay.C:
			c.DecaySweep()
		case <-gc.C:
			c.GC()
		case <-flush.C:
			c.Flush(ctx)
		}
	}
}

func (c *Cache) keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// toSignature converts a reputation into its durable form. The action
// encodes the state coarsely; the load mapping reverses it.
func toSignature(r PatternReputation) patternstore.LearnedSignature {
	action := patternstore.ActionLogOnly
	switch r.State {
	case StateConfirmedBad, StateManuallyBlocked:
		action = patternstore.ActionFull
	case StateSuspect:
		action = patternstore.ActionScoreOnly
	}
	return patternstore.LearnedSignature{
		PatternID:     r.PatternID,
		SignatureType: string(r.PatternType),
		Pattern:       r.Pattern,
		Confidence:    r.BotScore,
		Occurrences:   int64(r.Support),
		FirstSeen:     r.FirstSeen,
		LastSeen:      r.LastSeen,
		Action:        action,
		Source:        "reputation",
	}
}

// fromSignature maps a durable signature back into a reputation using the
// action/confidence table.
func fromSignature(sig patternstore.LearnedSignature, maxSupport float64) *PatternReputation {
	state := StateNeutral
	switch {
	case sig.Action == patternstore.ActionFull && sig.Confidence >= 0.9:
		state = StateConfirmedBad
	case sig.Action == patternstore.ActionFull:
		state = StateSuspect
	case sig.Action == patternstore.ActionScoreOnly && sig.Confidence >= 0.6:
		state = StateSuspect
	case sig.Action == patternstore.ActionLogOnly && sig.Confidence >= 0.95:
		state = StateConfirmedBad
	case sig.Action == patternstore.ActionLogOnly && sig.Confidence <= 0.05 && sig.Occurrences > 0:
		state = StateConfirmedGood
	}

	support := float64(sig.Occurrences)
	if support > maxSupport {
		support = maxSupport
	}
	firstSeen := sig.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = sig.LastSeen
	}
	return &PatternReputation{
		PatternID:      sig.PatternID,
		PatternType:    PatternType(sig.SignatureType),
		Pattern:        sig.Pattern,
		BotScore:       clamp01(sig.Confidence),
		Support:        support,
		State:          state,
		FirstSeen:      firstSeen,
		LastSeen:       sig.LastSeen,
		StateChangedAt: sig.LastSeen,
	}
}

