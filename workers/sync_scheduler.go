// workers/sync_scheduler.go
package workers

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/jrkphani/pipeline-pulse-sub001/services"
)

// SyncScheduler owns the background cadence: a fixed-interval delta job, a
// rate-cache warm job, and an event-driven trigger queue fed by webhooks and
// manual requests. All runs drain through one loop, so at most one sync is
// ever active; a trigger landing mid-run coalesces into a single queued
// follow-up (buffered channel, capacity 1).
type SyncScheduler struct {
	orchestrator *services.SyncOrchestrator
	currency     *services.CurrencyConverter
	repo         services.DealRepository
	scope        string
	interval     time.Duration

	deltaCh chan struct{}
	fullCh  chan struct{}
}

func NewSyncScheduler(orchestrator *services.SyncOrchestrator, currency *services.CurrencyConverter, repo services.DealRepository, scope string, interval time.Duration) *SyncScheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &SyncScheduler{
		orchestrator: orchestrator,
		currency:     currency,
		repo:         repo,
		scope:        scope,
		interval:     interval,
		deltaCh:      make(chan struct{}, 1),
		fullCh:       make(chan struct{}, 1),
	}
}

// TriggerDelta queues a delta run. Returns false when a run is already
// queued — the notification rides along with it.
func (s *SyncScheduler) TriggerDelta() bool {
	select {
	case s.deltaCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// TriggerFull queues a full resync on operator request.
func (s *SyncScheduler) TriggerFull() bool {
	select {
	case s.fullCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Start launches the timer jobs and the run loop. Blocks only to set up;
// returns once the background work is running.
func (s *SyncScheduler) Start(ctx context.Context) {
	log.Printf("🔁 [Scheduler] Starting (delta every %s)", s.interval)

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("❌ [Scheduler] Could not create scheduler: %v", err)
		return
	}
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if !s.TriggerDelta() {
				log.Println("⏭️ [Scheduler] Delta tick skipped — run already queued")
			}
		}),
	)

	// Keep the rate cache warm so sync passes rarely fetch mid-run.
	_, _ = sched.NewJob(
		gocron.DurationJob(12*time.Hour),
		gocron.NewTask(func() {
			warmCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			s.currency.WarmCache(warmCtx)
		}),
	)

	go s.runLoop(ctx, sched)
	s.bootstrap(ctx)
}

// bootstrap warms the rate cache and queues a full sync when no cursor
// exists yet (first ever run), otherwise a catch-up delta.
func (s *SyncScheduler) bootstrap(ctx context.Context) {
	warmCtx, cancel := context.WithTimeout(ctx, time.Minute)
	s.currency.WarmCache(warmCtx)
	cancel()

	cursor, err := s.repo.GetCursor(s.scope)
	if err != nil {
		log.Printf("⚠️ [Scheduler] Could not read cursor, defaulting to delta: %v", err)
	}
	if cursor == nil {
		log.Println("🚀 [Scheduler] No sync cursor yet — queueing initial full sync")
		s.TriggerFull()
		return
	}
	s.TriggerDelta()
}

// runLoop is the single consumer of both trigger queues: runs execute
// strictly one after another, full requests taking priority.
func (s *SyncScheduler) runLoop(ctx context.Context, sched gocron.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			_ = sched.Shutdown()
			log.Println("⏹️ [Scheduler] Stopped")
			return
		case <-s.fullCh:
			s.execute(ctx, true)
		case <-s.deltaCh:
			s.execute(ctx, false)
		}
	}
}

func (s *SyncScheduler) execute(ctx context.Context, full bool) {
	var err error
	if full {
		_, err = s.orchestrator.RunFull(ctx)
	} else {
		_, err = s.orchestrator.RunDelta(ctx)
	}
	if err == nil {
		return
	}
	if services.IsAuthError(err) {
		// No further CRM access is possible until a human re-authorizes.
		log.Printf("🚨 [Scheduler] SYNC HALTED — CRM authorization lost: %v", err)
		return
	}
	log.Printf("❌ [Scheduler] Sync run error: %v", err)
}
