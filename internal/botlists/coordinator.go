package botlists

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/threatvane/threatvane/internal/patterncache"
)

// ScheduleConfig drives the periodic refresh.
type ScheduleConfig struct {
	Cron                string        `yaml:"cron"`
	Timezone            string        `yaml:"timezone"`
	Signal              string        `yaml:"signal"`
	RunOnStartup        bool          `yaml:"run_on_startup"`
	StartupDelay        time.Duration `yaml:"startup_delay"`
	MaxExecutionSeconds int           `yaml:"max_execution_seconds"`
	UpdateInterval      time.Duration `yaml:"update_interval"`
	Description         string        `yaml:"description"`
}

// DefaultSchedule refreshes daily at 03:17 local time.
func DefaultSchedule() ScheduleConfig {
	return ScheduleConfig{
		Cron:           "17 3 * * *",
		Signal:         "SIGHUP",
		RunOnStartup:   true,
		StartupDelay:   15 * time.Second,
		UpdateInterval: 24 * time.Hour,
		Description:    "daily bot list refresh",
	}
}

// Coordinator runs the list update cycle: an initial delayed fetch, a cron
// cadence after that, and consecutive-failure backoff in between.
type Coordinator struct {
	fetcher  *Fetcher
	cache    *patterncache.Cache
	schedule ScheduleConfig

	cron *cron.Cron

	mu                  sync.Mutex
	consecutiveFailures int
	backoffUntil        time.Time
	lastSuccess         time.Time

	onUpdate func(remoteSucceeded bool)
}

// NewCoordinator wires the coordinator to the shared compile cache.
func NewCoordinator(fetcher *Fetcher, cache *patterncache.Cache, schedule ScheduleConfig) *Coordinator {
	if schedule.Cron == "" {
		schedule.Cron = DefaultSchedule().Cron
	}
	if schedule.UpdateInterval <= 0 {
		schedule.UpdateInterval = DefaultSchedule().UpdateInterval
	}
	return &Coordinator{fetcher: fetcher, cache: cache, schedule: schedule}
}

// SetUpdateHook observes update outcomes (metrics wiring). Set before
// Start.
func (c *Coordinator) SetUpdateHook(fn func(remoteSucceeded bool)) { c.onUpdate = fn }

// Signal returns the OS signal name configured to trigger an immediate
// refresh, or "".
func (c *Coordinator) Signal() string { return c.schedule.Signal }

// TriggerUpdate runs an immediate refresh, honoring the failure backoff.
func (c *Coordinator) TriggerUpdate(ctx context.Context) { c.runScheduled(ctx) }

// Start performs the delayed initial fetch and registers the cron job.
// It returns immediately; work happens on background goroutines until ctx
// is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	location := time.Local
	if c.schedule.Timezone != "" {
		loc, err := time.LoadLocation(c.schedule.Timezone)
		if err != nil {
			log.Warn().Str("timezone", c.schedule.Timezone).Err(err).
				Msg("unknown timezone, using local")
		} else {
			location = loc
		}
	}

	c.cron = cron.New(cron.WithLocation(location))
	if _, err := c.cron.AddFunc(c.schedule.Cron, func() {
		c.runScheduled(ctx)
	}); err != nil {
		return err
	}
	c.cron.Start()

	if c.schedule.RunOnStartup {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.schedule.StartupDelay):
			}
			c.UpdateAllListsParallel(ctx)
		}()
	}

	go func() {
		<-ctx.Done()
		stopCtx := c.cron.Stop()
		<-stopCtx.Done()
	}()
	return nil
}

func (c *Coordinator) runScheduled(ctx context.Context) {
	c.mu.Lock()
	wait := time.Until(c.backoffUntil)
	c.mu.Unlock()
	if wait > 0 {
		log.Debug().Dur("wait", wait).Msg("list update suppressed by backoff")
		return
	}
	c.UpdateAllListsParallel(ctx)
}

// UpdateAllListsParallel runs the three source-family fetches concurrently
// under a total budget of three times the per-request timeout. Partial
// failures are logged and counted; the last-success stamp only advances
// when at least one family succeeded.
func (c *Coordinator) UpdateAllListsParallel(ctx context.Context) {
	total := 3 * c.fetcher.Timeout()
	if max := time.Duration(c.schedule.MaxExecutionSeconds) * time.Second; max > 0 && max < total {
		total = max
	}
	runCtx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	c.fetcher.Invalidate()

	var uaPatterns, cidrRanges, scannerPatterns []string
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		uaPatterns = c.fetcher.GetBotPatterns(gctx)
		return nil
	})
	g.Go(func() error {
		cidrRanges = c.fetcher.GetDatacenterIPRanges(gctx)
		return nil
	})
	g.Go(func() error {
		scannerPatterns = c.fetcher.GetSecurityToolPatterns(gctx)
		return nil
	})
	_ = g.Wait()

	// The fetcher falls back to embedded data per family, so "success" is
	// having anything beyond the embedded floor in at least one family.
	succeeded := len(uaPatterns) > len(embeddedBotPatterns) ||
		len(cidrRanges) > len(embeddedDatacenterRanges) ||
		len(scannerPatterns) > len(embeddedSecurityToolPatterns)

	c.cache.UpdateDownloadedPatterns(append(uaPatterns, scannerPatterns...))
	c.cache.UpdateDownloadedCIDRRanges(cidrRanges)

	c.mu.Lock()
	if succeeded {
		c.consecutiveFailures = 0
		c.backoffUntil = time.Time{}
		c.lastSuccess = time.Now()
	} else {
		c.consecutiveFailures++
		c.backoffUntil = time.Now().Add(c.backoffDelayLocked())
	}
	failures := c.consecutiveFailures
	c.mu.Unlock()

	if c.onUpdate != nil {
		c.onUpdate(succeeded)
	}
	log.Info().
		Int("uaPatterns", len(uaPatterns)).
		Int("cidrRanges", len(cidrRanges)).
		Int("scannerPatterns", len(scannerPatterns)).
		Bool("remoteSucceeded", succeeded).
		Int("consecutiveFailures", failures).
		Msg("bot list update completed")
}

// backoffDelayLocked grows 1.5x per consecutive failure, capped at the
// update interval; callers hold the lock.
func (c *Coordinator) backoffDelayLocked() time.Duration {
	delay := 5 * time.Minute
	for i := 1; i < c.consecutiveFailures; i++ {
		delay = time.Duration(float64(delay) * 1.5)
		if delay >= c.schedule.UpdateInterval {
			return c.schedule.UpdateInterval
		}
	}
	return delay
}

// Healthy reports whether recent updates are succeeding.
func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures < 3
}

// LastSuccess returns when a remote update last succeeded.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}
