package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

func daysAgo(now time.Time, days int) *time.Time {
	t := now.AddDate(0, 0, -days)
	return &t
}

func TestDeriveHealthPhaseFromHighestMilestone(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultHealthConfig()

	cases := []struct {
		name  string
		deal  models.Deal
		phase int
	}{
		{"no milestones", models.Deal{Probability: 50, ModifiedAt: now}, models.PhaseProposal},
		{"proposal only", models.Deal{Probability: 50, ModifiedAt: now, ProposalSentAt: daysAgo(now, 5)}, models.PhaseProposal},
		{"po received", models.Deal{Probability: 50, ModifiedAt: now, ProposalSentAt: daysAgo(now, 40), PoReceivedAt: daysAgo(now, 5)}, models.PhaseCommitment},
		{"kickoff", models.Deal{Probability: 50, ModifiedAt: now, PoReceivedAt: daysAgo(now, 30), KickoffAt: daysAgo(now, 5)}, models.PhaseExecution},
		{"invoice", models.Deal{Probability: 50, ModifiedAt: now, KickoffAt: daysAgo(now, 30), InvoiceRaisedAt: daysAgo(now, 5)}, models.PhaseExecution},
		{"payment", models.Deal{Probability: 50, ModifiedAt: now, InvoiceRaisedAt: daysAgo(now, 30), PaymentReceivedAt: daysAgo(now, 5)}, models.PhaseRealization},
		{"recognized", models.Deal{Probability: 50, ModifiedAt: now, RevenueRecognizedAt: daysAgo(now, 1)}, models.PhaseRealization},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveHealth(&tc.deal, now, cfg)
			assert.Equal(t, tc.phase, got.Phase)
		})
	}
}

func TestDeriveHealthOverdueProposal(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultHealthConfig() // proposal → PO SLA 30d

	deal := &models.Deal{
		Probability:    60,
		ModifiedAt:     now.AddDate(0, 0, -2),
		ProposalSentAt: daysAgo(now, 45),
	}

	got := DeriveHealth(deal, now, cfg)
	assert.Contains(t, []string{models.HealthAtRisk, models.HealthCritical}, got.Signal)
	assert.Equal(t, models.HealthAtRisk, got.Signal, "45d is past SLA but under 2× SLA")
	assert.Contains(t, got.ActionItems, "Follow up on purchase order")
	assert.NotEmpty(t, got.Reason)
}

func TestDeriveHealthCriticalPastDoubleSLA(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultHealthConfig()

	deal := &models.Deal{
		Probability:    60,
		ModifiedAt:     now,
		ProposalSentAt: daysAgo(now, 70), // > 2 × 30d
	}

	got := DeriveHealth(deal, now, cfg)
	assert.Equal(t, models.HealthCritical, got.Signal)
}

func TestDeriveHealthBlockedOnZeroProbability(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	deal := &models.Deal{
		Probability:    0,
		ModifiedAt:     now,
		ProposalSentAt: daysAgo(now, 45), // would be at_risk, but blocked wins
	}

	got := DeriveHealth(deal, now, DefaultHealthConfig())
	assert.Equal(t, models.HealthBlocked, got.Signal)
}

func TestDeriveHealthStaleWithoutOverdueMilestone(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultHealthConfig() // stale after 21d

	deal := &models.Deal{
		Probability:    40,
		ModifiedAt:     now.AddDate(0, 0, -30),
		ProposalSentAt: daysAgo(now, 10), // within SLA
	}

	got := DeriveHealth(deal, now, cfg)
	assert.Equal(t, models.HealthStale, got.Signal)
}

func TestDeriveHealthOnTrack(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	deal := &models.Deal{
		Probability:    70,
		ModifiedAt:     now.AddDate(0, 0, -1),
		ProposalSentAt: daysAgo(now, 10),
	}

	got := DeriveHealth(deal, now, DefaultHealthConfig())
	assert.Equal(t, models.HealthOnTrack, got.Signal)
	assert.Contains(t, got.ActionItems, "Follow up on purchase order")
}

func TestDeriveHealthRecognizedIsTerminal(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	deal := &models.Deal{
		Probability:         0, // blocked rule must not fire after recognition
		ModifiedAt:          now.AddDate(0, 0, -90),
		RevenueRecognizedAt: daysAgo(now, 200),
	}

	got := DeriveHealth(deal, now, DefaultHealthConfig())
	assert.Equal(t, models.HealthOnTrack, got.Signal)
	assert.Equal(t, models.PhaseRealization, got.Phase)
	assert.Empty(t, got.ActionItems)
}

func TestDeriveHealthDeterministic(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	cfg := DefaultHealthConfig()

	deal := &models.Deal{
		Probability:    55,
		ModifiedAt:     now.AddDate(0, 0, -3),
		ProposalSentAt: daysAgo(now, 45),
		PoReceivedAt:   daysAgo(now, 2),
	}

	first := DeriveHealth(deal, now, cfg)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, DeriveHealth(deal, now, cfg))
	}
}
