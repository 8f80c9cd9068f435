// services/sync_orchestrator.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// cursorOverlap is subtracted from the stored cursor on delta queries.
// Records straddling the cursor get re-fetched; the idempotent upsert makes
// the overlap free.
const cursorOverlap = time.Minute

// maxConsecutivePageFailures bounds pagination when the backend can hand out
// next tokens past a failing page (the numeric-page backend does).
const maxConsecutivePageFailures = 3

// RunArchiver receives the finalized run for archival; failures must be
// swallowed by the implementation.
type RunArchiver func(ctx context.Context, run *models.SyncRun)

// SyncOrchestrator drives full and delta passes:
// Idle → Running(full|delta) → Completed | PartiallyFailed | Failed.
// Runs are totally ordered — the run mutex admits one at a time; a caller
// arriving mid-run queues behind it.
type SyncOrchestrator struct {
	repo      DealRepository
	crm       CrmClient
	bridge    *DataBridge
	currency  *CurrencyConverter
	healthCfg HealthConfig

	scope       string // CRM module name, e.g. "Deals"
	runDeadline time.Duration
	archive     RunArchiver

	mu sync.Mutex
}

func NewSyncOrchestrator(repo DealRepository, crm CrmClient, bridge *DataBridge, currency *CurrencyConverter, healthCfg HealthConfig, scope string, runDeadline time.Duration) *SyncOrchestrator {
	if runDeadline <= 0 {
		runDeadline = 15 * time.Minute
	}
	return &SyncOrchestrator{
		repo:        repo,
		crm:         crm,
		bridge:      bridge,
		currency:    currency,
		healthCfg:   healthCfg,
		scope:       scope,
		runDeadline: runDeadline,
	}
}

// SetArchiver wires an optional post-run report uploader.
func (o *SyncOrchestrator) SetArchiver(a RunArchiver) { o.archive = a }

// RunFull pages through every record of the module, ignoring the cursor.
func (o *SyncOrchestrator) RunFull(ctx context.Context) (*models.SyncRun, error) {
	return o.run(ctx, models.SyncModeFull)
}

// RunDelta syncs only records modified after the stored cursor.
func (o *SyncOrchestrator) RunDelta(ctx context.Context) (*models.SyncRun, error) {
	return o.run(ctx, models.SyncModeDelta)
}

func (o *SyncOrchestrator) run(ctx context.Context, mode string) (*models.SyncRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run := &models.SyncRun{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Outcome:   models.SyncOutcomeRunning,
	}
	if err := o.repo.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to open sync run: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.runDeadline)
	defer cancel()

	var since *time.Time
	if mode == models.SyncModeDelta {
		cursor, err := o.repo.GetCursor(o.scope)
		if err != nil {
			return o.finalize(run, nil, time.Time{}, fmt.Errorf("failed to read sync cursor: %w", err))
		}
		if cursor != nil {
			s := cursor.LastModifiedAt.Add(-cursorOverlap)
			since = &s
		}
	}

	log.Printf("🔁 [SYNC] %s run %s started (scope=%s)", mode, run.ID, o.scope)

	fields := o.bridge.FieldNames()
	pageToken := ""
	consecutiveFailures := 0
	var maxCommitted time.Time
	var authErr error

	for {
		records, next, err := o.crm.ListRecords(ctx, o.scope, fields, since, pageToken)
		if err != nil {
			if IsAuthError(err) {
				authErr = err
				break
			}
			run.PagesFailed++
			consecutiveFailures++
			log.Printf("⚠️ [SYNC] Page fetch failed (token=%q): %v", pageToken, err)
			if next == "" || consecutiveFailures >= maxConsecutivePageFailures || ctx.Err() != nil {
				break
			}
			pageToken = next
			continue
		}
		consecutiveFailures = 0

		for _, raw := range records {
			run.RecordsSeen++
			modified, err := o.processRecord(ctx, raw)
			if err != nil {
				run.RecordsFailed++
				log.Printf("⚠️ [SYNC] Record failed: %v", err)
				continue
			}
			if modified.After(maxCommitted) {
				maxCommitted = modified
			}
		}

		if next == "" {
			break
		}
		if ctx.Err() != nil {
			// Deadline — abandon the remaining pages; the cursor only covers
			// what was actually committed, so nothing gets skipped next run.
			log.Printf("⚠️ [SYNC] Run %s hit its deadline, abandoning remaining pages", run.ID)
			run.PagesFailed++
			break
		}
		pageToken = next
	}

	return o.finalize(run, authErr, maxCommitted, nil)
}

// processRecord maps, normalizes, derives, and upserts one raw record,
// returning its CRM modification time on success.
func (o *SyncOrchestrator) processRecord(ctx context.Context, raw RawRecord) (time.Time, error) {
	deal, err := o.bridge.ToCanonical(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("mapping rejected record: %w", err)
	}

	normalized, err := o.currency.Convert(ctx, deal.Amount, deal.Currency)
	if err != nil {
		return time.Time{}, fmt.Errorf("deal %s: %w", deal.ExternalID, err)
	}
	deal.NormalizedAmount = normalized

	assessment := DeriveHealth(deal, time.Now().UTC(), o.healthCfg)
	deal.Phase = assessment.Phase
	deal.HealthSignal = assessment.Signal
	deal.HealthReason = assessment.Reason
	if items, err := json.Marshal(assessment.ActionItems); err == nil {
		deal.ActionItems = items
	}

	if _, err := o.repo.Upsert(deal); err != nil {
		return time.Time{}, err
	}
	return deal.ModifiedAt, nil
}

// finalize decides the outcome, advances the cursor (never after a Failed
// run, never past the last committed record), and closes the audit row.
func (o *SyncOrchestrator) finalize(run *models.SyncRun, authErr error, maxCommitted time.Time, fatal error) (*models.SyncRun, error) {
	switch {
	case fatal != nil:
		run.Outcome = models.SyncOutcomeFailed
		run.Error = fatal.Error()
	case authErr != nil:
		run.Outcome = models.SyncOutcomeFailed
		run.Error = authErr.Error()
	case run.PagesFailed > 0 || run.RecordsFailed > 0:
		run.Outcome = models.SyncOutcomePartiallyFailed
	default:
		run.Outcome = models.SyncOutcomeCompleted
	}

	if run.Outcome != models.SyncOutcomeFailed && !maxCommitted.IsZero() {
		if err := o.advanceCursor(maxCommitted); err != nil {
			log.Printf("❌ [SYNC] Failed to advance cursor: %v", err)
			run.Outcome = models.SyncOutcomePartiallyFailed
		}
	}

	now := time.Now().UTC()
	run.FinishedAt = &now
	if err := o.repo.FinalizeRun(run); err != nil {
		log.Printf("❌ [SYNC] Failed to finalize run %s: %v", run.ID, err)
	}

	switch run.Outcome {
	case models.SyncOutcomeCompleted:
		log.Printf("✅ [SYNC] %s run %s completed: %d seen", run.Mode, run.ID, run.RecordsSeen)
	case models.SyncOutcomePartiallyFailed:
		log.Printf("⚠️ [SYNC] %s run %s partially failed: %d seen, %d records failed, %d pages failed",
			run.Mode, run.ID, run.RecordsSeen, run.RecordsFailed, run.PagesFailed)
	default:
		log.Printf("❌ [SYNC] %s run %s failed: %s", run.Mode, run.ID, run.Error)
	}

	if o.archive != nil {
		o.archive(context.Background(), run)
	}

	if authErr != nil {
		return run, authErr
	}
	return run, fatal
}

// advanceCursor moves the cursor forward only — a stale run can never pull it
// backwards.
func (o *SyncOrchestrator) advanceCursor(maxCommitted time.Time) error {
	existing, err := o.repo.GetCursor(o.scope)
	if err != nil {
		return err
	}
	if existing != nil && !maxCommitted.After(existing.LastModifiedAt) {
		return nil
	}
	return o.repo.SaveCursor(&models.SyncCursor{
		Scope:          o.scope,
		LastModifiedAt: maxCommitted,
		UpdatedAt:      time.Now().UTC(),
	})
}
