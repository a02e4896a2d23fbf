// Package engine composes the detection pipeline: compile caches, bot list
// coordinator, reputation, policies, contributors, learning bus, and the
// fast/slow path deciders, behind one Evaluate call.
package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threatvane/threatvane/internal/botlists"
	"github.com/threatvane/threatvane/internal/config"
	"github.com/threatvane/threatvane/internal/detection"
	"github.com/threatvane/threatvane/internal/detection/contributors"
	"github.com/threatvane/threatvane/internal/learning"
	"github.com/threatvane/threatvane/internal/metrics"
	"github.com/threatvane/threatvane/internal/patterncache"
	"github.com/threatvane/threatvane/internal/patternstore"
	"github.com/threatvane/threatvane/internal/policy"
	"github.com/threatvane/threatvane/internal/reputation"
)

// Engine is the process-wide detection service.
type Engine struct {
	cfg *config.Config

	patternCache *patterncache.Cache
	store        *patternstore.Store
	repCache     *reputation.Cache
	policies     *policy.Registry
	orchestrator *detection.Orchestrator
	fastPath     *detection.FastPath
	bus          *learning.Bus
	coordinator  *botlists.Coordinator
	metrics      *metrics.Metrics

	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New wires an engine from configuration. The pattern store is optional:
// an empty DatabasePath runs fully in memory.
func New(cfg *config.Config) (*Engine, error) {
	m := metrics.New()
	pc := patterncache.New()

	var store *patternstore.Store
	if cfg.DatabasePath != "" {
		var err error
		store, err = patternstore.New(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
	}

	repCfg := cfg.Reputation
	if cfg.WeightStoreCacheSize > 0 && repCfg.MaxPatterns == 0 {
		repCfg.MaxPatterns = cfg.WeightStoreCacheSize
	}
	repEngine := reputation.NewEngine(repCfg)
	var repStore reputation.Store
	if store != nil {
		repStore = store
	}
	repCache := reputation.NewCache(repEngine, repStore)
	repCache.SetStateChangeHook(func(to string) { m.ReputationStates.WithLabelValues(to).Inc() })
	repCache.SetEvictionHook(func(cause string) { m.ReputationEvicted.WithLabelValues(cause).Inc() })
	if err := repCache.LoadFromStore(); err != nil {
		log.Warn().Err(err).Msg("reputation load from store failed, starting cold")
	}

	policies := policy.NewRegistry()
	for name, p := range cfg.Policies {
		if p.Name == "" {
			p.Name = name
		}
		if err := policies.Register(p); err != nil {
			return nil, err
		}
	}
	policies.SetStaticDetection(cfg.UseFileExtensionStaticDetection, cfg.StaticAssetExtensions)
	policies.SetPathPolicies(cfg.PathPolicies)

	bus := learning.NewBus(4096)
	bus.SetPublishHook(func(t learning.EventType, accepted bool) {
		if accepted {
			m.LearningEvents.WithLabelValues(string(t)).Inc()
		} else {
			m.LearningDropped.Inc()
		}
	})
	bus.Subscribe(learning.NewDriftHandler(cfg.FastPath.DriftConfig, bus))
	bus.Subscribe(learning.NewFeedbackHandler(&evidenceSink{cache: repCache}))

	ua := contributors.NewUserAgent(pc)
	registry := detection.NewRegistry(
		contributors.NewSecurityTool(cfg.SecurityTools.Enabled),
		contributors.NewAiScraper(),
		ua,
		contributors.NewDatacenterIP(pc),
		contributors.NewHttp2Fingerprint(),
		contributors.NewTransportProtocol(),
		contributors.NewHttp3Fingerprint(),
		contributors.NewProjectHoneypot(cfg.ProjectHoneypot),
		contributors.NewAccountTakeover(),
		contributors.NewReputationBias(repCache),
	)

	orch := detection.NewOrchestrator(registry, policies, bus)
	orch.SetFailureHook(func(name string) { m.ContributorFails.WithLabelValues(name).Inc() })
	orch.SetEarlyExitHook(func() { m.EarlyExits.Inc() })

	fp := detection.NewFastPath(cfg.FastPath.FastPathConfig, policies, ua, orch, bus, repCache)

	schedule := cfg.UpdateSchedule
	if schedule.StartupDelay <= 0 {
		schedule.StartupDelay = cfg.StartupDelay()
	}
	fetcher := botlists.NewFetcher(cfg.DataSources, cfg.ListDownloadTimeout(), schedule.UpdateInterval)
	coordinator := botlists.NewCoordinator(fetcher, pc, schedule)
	coordinator.SetUpdateHook(func(remoteSucceeded bool) {
		result := "failure"
		if remoteSucceeded {
			result = "success"
		}
		m.ListFetches.WithLabelValues(result).Inc()
	})

	return &Engine{
		cfg:          cfg,
		patternCache: pc,
		store:        store,
		repCache:     repCache,
		policies:     policies,
		orchestrator: orch,
		fastPath:     fp,
		bus:          bus,
		coordinator:  coordinator,
		metrics:      m,
	}, nil
}

// Start launches the background tasks: learning bus dispatch, reputation
// decay/GC/flush, and the list update coordinator.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.bus.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.repCache.Run(runCtx)
	}()

	return e.coordinator.Start(runCtx)
}

// Evaluate classifies one request.
func (e *Engine) Evaluate(ctx context.Context, r *http.Request) *detection.Decision {
	start := time.Now()
	decision := e.fastPath.Decide(ctx, r)
	e.observe(decision, time.Since(start))
	return decision
}

func (e *Engine) observe(decision *detection.Decision, took time.Duration) {
	verdict := "human"
	action := string(detection.ActionAllow)
	if decision.Result != nil {
		if decision.Result.IsBot {
			verdict = "bot"
		}
		if decision.Result.Action != "" {
			action = string(decision.Result.Action)
		}
	}
	e.metrics.Requests.WithLabelValues(string(decision.Mode), verdict, action).Inc()
	e.metrics.RequestDuration.WithLabelValues(string(decision.Mode)).Observe(took.Seconds())
	e.metrics.ReputationPatterns.Set(float64(e.repCache.Len()))
}

// Shutdown stops background work, runs the final reputation flush, and
// closes the store.
func (e *Engine) Shutdown() {
	if e.started {
		e.cancel()
		e.wg.Wait()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Warn().Err(err).Msg("pattern store close failed")
		}
	}
}

// Policies exposes the policy registry.
func (e *Engine) Policies() *policy.Registry { return e.policies }

// Reputation exposes the reputation cache.
func (e *Engine) Reputation() *reputation.Cache { return e.repCache }

// Store exposes the durable pattern store; nil when running in memory.
func (e *Engine) Store() *patternstore.Store { return e.store }

// Coordinator exposes the list update coordinator.
func (e *Engine) Coordinator() *botlists.Coordinator { return e.coordinator }

// Metrics exposes the instrument set.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// evidenceSink adapts the reputation cache to the learning loop.
type evidenceSink struct {
	cache *reputation.Cache
}

func (s *evidenceSink) ApplyEvidence(patternID, signatureType, pattern string, label, weight float64) {
	s.cache.ApplyEvidence(patternID, reputation.PatternType(signatureType), pattern, label, weight)
}
