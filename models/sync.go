// models/sync.go
package models

import "time"

const (
	SyncModeFull  = "full"
	SyncModeDelta = "delta"
)

const (
	SyncOutcomeRunning         = "running"
	SyncOutcomeCompleted       = "completed"
	SyncOutcomePartiallyFailed = "partially_failed"
	SyncOutcomeFailed          = "failed"
)

// SyncCursor stores, per sync scope, the modification time of the latest
// successfully processed CRM record. Written only by the orchestrator,
// after the page set of a run has been committed.
type SyncCursor struct {
	Scope          string    `json:"scope" gorm:"primaryKey"` // e.g. "Deals"
	LastModifiedAt time.Time `json:"last_modified_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SyncRun is the append-only audit record for one sync pass.
type SyncRun struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	Mode          string     `json:"mode"` // full | delta
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	RecordsSeen   int        `json:"records_seen"`
	RecordsFailed int        `json:"records_failed"`
	PagesFailed   int        `json:"pages_failed"`
	Outcome       string     `json:"outcome" gorm:"index"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
