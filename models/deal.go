// models/deal.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Lifecycle phases (proposal → commitment → execution → revenue realization)
const (
	PhaseProposal    = 1
	PhaseCommitment  = 2
	PhaseExecution   = 3
	PhaseRealization = 4
)

// Health signals derived by the health engine
const (
	HealthOnTrack  = "on_track"
	HealthAtRisk   = "at_risk"
	HealthCritical = "critical"
	HealthBlocked  = "blocked"
	HealthStale    = "stale"
)

// Deal mirrors a CRM opportunity record into the local store.
// ExternalID is the CRM record id and the upsert key; records are never
// hard-deleted — a CRM-side deletion flips IsActive instead.
type Deal struct {
	ID         string `json:"id" gorm:"primaryKey"`
	ExternalID string `json:"external_id" gorm:"uniqueIndex;not null"`

	Name        string `json:"name" gorm:"not null"`
	AccountName string `json:"account_name"`
	Owner       string `json:"owner"`
	Stage       string `json:"stage"`
	Probability int    `json:"probability"` // 0–100

	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(14,2)"`
	Currency         string          `json:"currency" gorm:"size:3"`
	NormalizedAmount decimal.Decimal `json:"normalized_amount" gorm:"type:decimal(14,2)"` // reporting currency, never hand-edited

	ClosingDate *time.Time `json:"closing_date"`

	// CRM-side timestamps; ModifiedAt feeds the delta-sync cursor
	CrmCreatedAt time.Time `json:"crm_created_at"`
	ModifiedAt   time.Time `json:"modified_at" gorm:"index"`

	// 🎯 Milestones (nullable — absence means "not reached yet")
	ProposalSentAt      *time.Time `json:"proposal_sent_at"`
	PoReceivedAt        *time.Time `json:"po_received_at"`
	KickoffAt           *time.Time `json:"kickoff_at"`
	InvoiceRaisedAt     *time.Time `json:"invoice_raised_at"`
	PaymentReceivedAt   *time.Time `json:"payment_received_at"`
	RevenueRecognizedAt *time.Time `json:"revenue_recognized_at"`

	// Derived by the health engine on every sync pass
	Phase        int            `json:"phase" gorm:"default:1"`
	HealthSignal string         `json:"health_signal" gorm:"default:'on_track'"`
	HealthReason string         `json:"health_reason"`
	ActionItems  datatypes.JSON `json:"action_items"`

	// Local-only field, preserved across sync upserts
	Notes string `json:"notes,omitempty"`

	IsActive     bool       `json:"is_active" gorm:"default:true;index"`
	LastSyncedAt *time.Time `json:"last_synced_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
