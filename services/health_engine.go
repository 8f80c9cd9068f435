// services/health_engine.go
package services

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// HealthConfig carries the SLA day-thresholds between consecutive milestones.
// The day counts in the source data were hand-tuned, so everything here is
// env-tunable; see LoadHealthConfig.
type HealthConfig struct {
	ProposalToPoDays         int
	PoToKickoffDays          int
	KickoffToInvoiceDays     int
	InvoiceToPaymentDays     int
	PaymentToRecognitionDays int

	// StaleAfterDays: no CRM modification for this long → stale.
	StaleAfterDays int

	// CriticalMultiplier: overdue beyond SLA × multiplier escalates
	// at_risk to critical.
	CriticalMultiplier int
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ProposalToPoDays:         30,
		PoToKickoffDays:          21,
		KickoffToInvoiceDays:     45,
		InvoiceToPaymentDays:     30,
		PaymentToRecognitionDays: 14,
		StaleAfterDays:           21,
		CriticalMultiplier:       2,
	}
}

// LoadHealthConfig reads the threshold overrides from the environment,
// falling back to the defaults for anything unset.
func LoadHealthConfig() HealthConfig {
	cfg := DefaultHealthConfig()
	override := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	override("HEALTH_PROPOSAL_TO_PO_DAYS", &cfg.ProposalToPoDays)
	override("HEALTH_PO_TO_KICKOFF_DAYS", &cfg.PoToKickoffDays)
	override("HEALTH_KICKOFF_TO_INVOICE_DAYS", &cfg.KickoffToInvoiceDays)
	override("HEALTH_INVOICE_TO_PAYMENT_DAYS", &cfg.InvoiceToPaymentDays)
	override("HEALTH_PAYMENT_TO_RECOGNITION_DAYS", &cfg.PaymentToRecognitionDays)
	override("HEALTH_STALE_AFTER_DAYS", &cfg.StaleAfterDays)
	override("HEALTH_CRITICAL_MULTIPLIER", &cfg.CriticalMultiplier)
	return cfg
}

// Assessment is the derived lifecycle state for one deal.
type Assessment struct {
	Phase       int
	Signal      string
	Reason      string
	ActionItems []string
}

// milestoneStep describes one rung of the revenue lifecycle ladder.
type milestoneStep struct {
	label     string
	phase     int
	at        func(*models.Deal) *time.Time
	nextLabel string
	nextSLA   func(HealthConfig) int
	action    string
}

// Ordered lowest → highest; the highest step with a timestamp wins the phase.
var lifecycleLadder = []milestoneStep{
	{
		label: "proposal sent", phase: models.PhaseProposal,
		at:        func(d *models.Deal) *time.Time { return d.ProposalSentAt },
		nextLabel: "purchase order", nextSLA: func(c HealthConfig) int { return c.ProposalToPoDays },
		action: "Follow up on purchase order",
	},
	{
		label: "purchase order received", phase: models.PhaseCommitment,
		at:        func(d *models.Deal) *time.Time { return d.PoReceivedAt },
		nextLabel: "kickoff", nextSLA: func(c HealthConfig) int { return c.PoToKickoffDays },
		action: "Schedule project kickoff",
	},
	{
		label: "kickoff held", phase: models.PhaseExecution,
		at:        func(d *models.Deal) *time.Time { return d.KickoffAt },
		nextLabel: "invoice", nextSLA: func(c HealthConfig) int { return c.KickoffToInvoiceDays },
		action: "Raise invoice",
	},
	{
		label: "invoice raised", phase: models.PhaseExecution,
		at:        func(d *models.Deal) *time.Time { return d.InvoiceRaisedAt },
		nextLabel: "payment", nextSLA: func(c HealthConfig) int { return c.InvoiceToPaymentDays },
		action: "Chase payment",
	},
	{
		label: "payment received", phase: models.PhaseRealization,
		at:        func(d *models.Deal) *time.Time { return d.PaymentReceivedAt },
		nextLabel: "revenue recognition", nextSLA: func(c HealthConfig) int { return c.PaymentToRecognitionDays },
		action: "Complete revenue recognition",
	},
	{
		label: "revenue recognized", phase: models.PhaseRealization,
		at:    func(d *models.Deal) *time.Time { return d.RevenueRecognizedAt },
		// terminal — no next milestone
	},
}

// DeriveHealth is a pure function over (deal, now): identical inputs always
// produce an identical Assessment. Rules are evaluated top to bottom, first
// match wins:
//
//  1. probability 0 on an unrecognized deal → blocked
//  2. next milestone overdue vs its SLA → at_risk, or critical past SLA × multiplier
//  3. no CRM modification beyond the staleness threshold → stale
//  4. otherwise → on_track
func DeriveHealth(deal *models.Deal, now time.Time, cfg HealthConfig) Assessment {
	// Highest milestone present decides the phase.
	currentIdx := -1
	for i, step := range lifecycleLadder {
		if step.at(deal) != nil {
			currentIdx = i
		}
	}

	phase := models.PhaseProposal
	if currentIdx >= 0 {
		phase = lifecycleLadder[currentIdx].phase
	}

	// Terminal: revenue recognized, lifecycle complete.
	if deal.RevenueRecognizedAt != nil {
		return Assessment{
			Phase:  models.PhaseRealization,
			Signal: models.HealthOnTrack,
			Reason: "revenue recognized — lifecycle complete",
		}
	}

	// Rule 1: a dead probability on a live deal means it is stuck or lost.
	if deal.Probability == 0 {
		return Assessment{
			Phase:       phase,
			Signal:      models.HealthBlocked,
			Reason:      "probability is 0 with revenue not yet recognized",
			ActionItems: []string{"Confirm deal status with owner"},
		}
	}

	// Rule 2: current milestone reached but the next one is overdue.
	if currentIdx >= 0 {
		step := lifecycleLadder[currentIdx]
		if step.nextLabel != "" {
			slaDays := step.nextSLA(cfg)
			elapsed := int(now.Sub(*step.at(deal)).Hours() / 24)
			if elapsed > slaDays {
				signal := models.HealthAtRisk
				if cfg.CriticalMultiplier > 0 && elapsed > slaDays*cfg.CriticalMultiplier {
					signal = models.HealthCritical
				}
				return Assessment{
					Phase:  phase,
					Signal: signal,
					Reason: fmt.Sprintf("%s %dd ago, no %s yet (SLA %dd)",
						step.label, elapsed, step.nextLabel, slaDays),
					ActionItems: []string{step.action},
				}
			}
		}
	}

	// Rule 3: nothing moved in the CRM for too long.
	if cfg.StaleAfterDays > 0 && !deal.ModifiedAt.IsZero() {
		idle := int(now.Sub(deal.ModifiedAt).Hours() / 24)
		if idle > cfg.StaleAfterDays {
			return Assessment{
				Phase:       phase,
				Signal:      models.HealthStale,
				Reason:      fmt.Sprintf("no CRM activity for %dd", idle),
				ActionItems: []string{"Update deal record in CRM"},
			}
		}
	}

	// Rule 4: on track. Still surface the next step for display.
	out := Assessment{Phase: phase, Signal: models.HealthOnTrack, Reason: "progressing within SLA"}
	if currentIdx >= 0 && lifecycleLadder[currentIdx].nextLabel != "" {
		out.ActionItems = []string{lifecycleLadder[currentIdx].action}
	}
	return out
}
