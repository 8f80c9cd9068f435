// services/deal_service.go
package services

import (
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// SyncTrigger is how the query surface kicks the background scheduler.
// TriggerDelta returns false when the request coalesced into an
// already-queued run.
type SyncTrigger interface {
	TriggerDelta() bool
	TriggerFull() bool
}

// DealService is the read/query surface the surrounding product talks to,
// plus the two commands it may issue: trigger a sync and write back one deal.
type DealService struct {
	Repo      DealRepository
	Crm       CrmClient
	Bridge    *DataBridge
	Currency  *CurrencyConverter
	HealthCfg HealthConfig
	Trigger   SyncTrigger
	Scope     string
}

func NewDealService(repo DealRepository, crm CrmClient, bridge *DataBridge, currency *CurrencyConverter, healthCfg HealthConfig, trigger SyncTrigger, scope string) *DealService {
	return &DealService{
		Repo:      repo,
		Crm:       crm,
		Bridge:    bridge,
		Currency:  currency,
		HealthCfg: healthCfg,
		Trigger:   trigger,
		Scope:     scope,
	}
}

// GetDeals lists deals filtered by phase, health signal, and modified-since.
func (s *DealService) GetDeals(c *fiber.Ctx) error {
	filter := DealFilter{ActiveOnly: !c.QueryBool("include_inactive"), Limit: c.QueryInt("limit", 200)}

	if v := c.Query("phase"); v != "" {
		phase, err := strconv.Atoi(v)
		if err != nil || phase < models.PhaseProposal || phase > models.PhaseRealization {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "phase must be 1–4"})
		}
		filter.Phase = &phase
	}
	if v := c.Query("health"); v != "" {
		filter.Health = v
	}
	if v := c.Query("modified_since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "modified_since must be RFC3339"})
		}
		filter.ModifiedSince = &since
	}

	deals, err := s.Repo.List(filter)
	if err != nil {
		log.Printf("❌ [DEALS] List failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list deals"})
	}
	return c.JSON(fiber.Map{"deals": deals, "count": len(deals)})
}

// GetDealByID returns one deal by surrogate or CRM id.
func (s *DealService) GetDealByID(c *fiber.Ctx) error {
	id := c.Params("id")

	deal, err := s.Repo.GetByID(id)
	if err == nil && deal == nil {
		deal, err = s.Repo.GetByExternalID(id)
	}
	if err != nil {
		log.Printf("❌ [DEALS] Lookup %s failed: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup failed"})
	}
	if deal == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "deal not found"})
	}
	return c.JSON(deal)
}

// GetSyncRuns exposes recent run outcomes so staleness is observable without
// log access.
func (s *DealService) GetSyncRuns(c *fiber.Ctx) error {
	runs, err := s.Repo.RecentRuns(c.QueryInt("limit", 20))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list sync runs"})
	}
	return c.JSON(fiber.Map{"runs": runs, "count": len(runs)})
}

// GetHealthConfig dumps the effective SLA thresholds.
func (s *DealService) GetHealthConfig(c *fiber.Ctx) error {
	cfg := s.HealthCfg
	return c.JSON(fiber.Map{
		"proposal_to_po_days":         cfg.ProposalToPoDays,
		"po_to_kickoff_days":          cfg.PoToKickoffDays,
		"kickoff_to_invoice_days":     cfg.KickoffToInvoiceDays,
		"invoice_to_payment_days":     cfg.InvoiceToPaymentDays,
		"payment_to_recognition_days": cfg.PaymentToRecognitionDays,
		"stale_after_days":            cfg.StaleAfterDays,
		"critical_multiplier":         cfg.CriticalMultiplier,
		"reporting_currency":          s.Currency.ReportingCurrency(),
	})
}

// TriggerSync enqueues a sync run (mode=delta by default, mode=full on demand).
func (s *DealService) TriggerSync(c *fiber.Ctx) error {
	mode := c.Query("mode", models.SyncModeDelta)
	switch mode {
	case models.SyncModeDelta:
		queued := s.Trigger.TriggerDelta()
		return c.JSON(fiber.Map{"mode": mode, "queued": queued})
	case models.SyncModeFull:
		queued := s.Trigger.TriggerFull()
		return c.JSON(fiber.Map{"mode": mode, "queued": queued})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "mode must be full or delta"})
	}
}

// WriteBackRequest carries the fields the product may push to the CRM.
// nil leaves a field untouched; an empty date string clears the milestone.
type WriteBackRequest struct {
	Stage               *string `json:"stage"`
	Probability         *int    `json:"probability"`
	ClosingDate         *string `json:"closing_date"`
	ProposalSentAt      *string `json:"proposal_sent_at"`
	PoReceivedAt        *string `json:"po_received_at"`
	KickoffAt           *string `json:"kickoff_at"`
	InvoiceRaisedAt     *string `json:"invoice_raised_at"`
	PaymentReceivedAt   *string `json:"payment_received_at"`
	RevenueRecognizedAt *string `json:"revenue_recognized_at"`
	Notes               *string `json:"notes"`
}

// WriteBack applies a sparse update to one deal and pushes the changed fields
// to the CRM. Validation failures are returned synchronously and never
// retried — resending an invalid payload cannot succeed.
func (s *DealService) WriteBack(c *fiber.Ctx) error {
	id := c.Params("id")

	deal, err := s.Repo.GetByID(id)
	if err == nil && deal == nil {
		deal, err = s.Repo.GetByExternalID(id)
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup failed"})
	}
	if deal == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "deal not found"})
	}

	var req WriteBackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	updated := *deal
	if req.Stage != nil {
		updated.Stage = *req.Stage
	}
	if req.Probability != nil {
		if *req.Probability < 0 || *req.Probability > 100 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "probability must be 0–100"})
		}
		updated.Probability = *req.Probability
	}

	dates := []struct {
		in  *string
		out **time.Time
	}{
		{req.ClosingDate, &updated.ClosingDate},
		{req.ProposalSentAt, &updated.ProposalSentAt},
		{req.PoReceivedAt, &updated.PoReceivedAt},
		{req.KickoffAt, &updated.KickoffAt},
		{req.InvoiceRaisedAt, &updated.InvoiceRaisedAt},
		{req.PaymentReceivedAt, &updated.PaymentReceivedAt},
		{req.RevenueRecognizedAt, &updated.RevenueRecognizedAt},
	}
	for _, d := range dates {
		if d.in == nil {
			continue
		}
		if *d.in == "" {
			*d.out = nil
			continue
		}
		t, err := time.Parse(crmDateLayout, *d.in)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "dates must be YYYY-MM-DD"})
		}
		t = t.UTC()
		*d.out = &t
	}

	changedFields := s.Bridge.ToCrmFields(&updated, deal)
	if len(changedFields) == 0 && req.Notes == nil {
		return c.JSON(fiber.Map{"updated": false, "message": "no changes"})
	}

	if len(changedFields) > 0 {
		if err := s.Crm.UpdateRecord(c.Context(), s.Scope, deal.ExternalID, changedFields); err != nil {
			var ve *ValidationError
			switch {
			case errors.As(err, &ve):
				return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
					"error": "crm rejected the update", "field": ve.Field, "code": ve.Code, "message": ve.Message,
				})
			case errors.Is(err, ErrRecordNotFound):
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "record no longer exists in CRM"})
			case IsAuthError(err):
				log.Printf("🚨 [WRITEBACK] Auth failure pushing deal %s: %v", deal.ExternalID, err)
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "CRM authorization failed — re-authorize the integration"})
			default:
				log.Printf("❌ [WRITEBACK] Push for deal %s failed: %v", deal.ExternalID, err)
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "CRM unreachable, try again later"})
			}
		}
	}

	if req.Notes != nil {
		updated.Notes = *req.Notes
	}

	// Milestones may have moved — rederive before persisting locally.
	assessment := DeriveHealth(&updated, time.Now().UTC(), s.HealthCfg)
	updated.Phase = assessment.Phase
	updated.HealthSignal = assessment.Signal
	updated.HealthReason = assessment.Reason
	if items, err := json.Marshal(assessment.ActionItems); err == nil {
		updated.ActionItems = items
	}

	if err := s.Repo.SaveLocal(&updated); err != nil {
		log.Printf("❌ [WRITEBACK] CRM accepted but local save failed for %s: %v", deal.ExternalID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "pushed to CRM but local save failed — next sync will reconcile"})
	}

	log.Printf("✅ [WRITEBACK] Deal %s updated (%d field(s) pushed)", deal.ExternalID, len(changedFields))
	return c.JSON(fiber.Map{"updated": true, "fields_pushed": len(changedFields), "deal": updated})
}

// CrmNotification is the change-notification webhook body.
type CrmNotification struct {
	Module     string   `json:"module"`
	RecordIDs  []string `json:"record_ids"`
	DeletedIDs []string `json:"deleted_ids"`
}

// HandleCrmNotification accepts a CRM webhook, marks deleted records
// inactive, queues a delta sync, and returns immediately — processing is
// asynchronous.
func (s *DealService) HandleCrmNotification(c *fiber.Ctx) error {
	var note CrmNotification
	if err := c.BodyParser(&note); err != nil {
		// Malformed notifications still trigger a sweep; the CRM retries
		// webhooks on non-2xx and a delta sync is cheap.
		log.Printf("⚠️ [WEBHOOK] Unparseable notification body: %v", err)
	}

	if len(note.DeletedIDs) > 0 {
		n, err := s.Repo.MarkInactive(note.DeletedIDs)
		if err != nil {
			log.Printf("❌ [WEBHOOK] Failed to mark %d deal(s) inactive: %v", len(note.DeletedIDs), err)
		} else if n > 0 {
			log.Printf("🗑️ [WEBHOOK] Marked %d deal(s) inactive after CRM deletion", n)
		}
	}

	queued := s.Trigger.TriggerDelta()
	log.Printf("🔔 [WEBHOOK] Notification accepted (module=%s, records=%d, queued=%v)",
		note.Module, len(note.RecordIDs), queued)

	return c.JSON(fiber.Map{"status": "accepted", "queued": queued})
}
