// services/repository.go
package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// DealFilter narrows query-interface reads.
type DealFilter struct {
	Phase         *int
	Health        string
	ModifiedSince *time.Time
	ActiveOnly    bool
	Limit         int
}

// DealRepository is the only way the engine touches the deal store — no
// process-wide shared state, which is what makes the single-writer rules on
// SyncCursor and TokenRecord enforceable.
type DealRepository interface {
	GetByID(id string) (*models.Deal, error)
	GetByExternalID(externalID string) (*models.Deal, error) // (nil, nil) when absent
	Upsert(deal *models.Deal) (changed bool, err error)
	SaveLocal(deal *models.Deal) error
	MarkInactive(externalIDs []string) (int64, error)
	List(filter DealFilter) ([]models.Deal, error)

	GetCursor(scope string) (*models.SyncCursor, error) // (nil, nil) when absent
	SaveCursor(cursor *models.SyncCursor) error

	CreateRun(run *models.SyncRun) error
	FinalizeRun(run *models.SyncRun) error
	RecentRuns(limit int) ([]models.SyncRun, error)
}

// GormDealRepository is the relational implementation. It also serves as the
// token and exchange-rate persistence backend — one store, three contracts.
type GormDealRepository struct {
	DB *gorm.DB
}

func NewGormDealRepository(db *gorm.DB) *GormDealRepository {
	return &GormDealRepository{DB: db}
}

func (r *GormDealRepository) GetByID(id string) (*models.Deal, error) {
	var deal models.Deal
	if err := r.DB.Where("id = ?", id).First(&deal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deal, nil
}

func (r *GormDealRepository) GetByExternalID(externalID string) (*models.Deal, error) {
	var deal models.Deal
	if err := r.DB.Where("external_id = ?", externalID).First(&deal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deal, nil
}

// Upsert inserts a new deal or merges the synced fields into the existing row,
// keyed by ExternalID. Locally-owned fields (Notes, surrogate id, created-at)
// are preserved. When the incoming record is field-for-field identical the
// row is not written at all — that is what makes rerunning a sync a no-op.
func (r *GormDealRepository) Upsert(deal *models.Deal) (bool, error) {
	existing, err := r.GetByExternalID(deal.ExternalID)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()

	if existing == nil {
		deal.ID = uuid.NewString()
		deal.IsActive = true
		deal.LastSyncedAt = &now
		if err := r.DB.Create(deal).Error; err != nil {
			return false, fmt.Errorf("failed to insert deal %s: %w", deal.ExternalID, err)
		}
		return true, nil
	}

	if syncedFieldsEqual(existing, deal) {
		// Identical snapshot — zero writes on an idempotent rerun.
		*deal = *existing
		return false, nil
	}

	merged := *existing
	copySyncedFields(&merged, deal)
	merged.IsActive = true
	merged.LastSyncedAt = &now

	if err := r.DB.Save(&merged).Error; err != nil {
		return false, fmt.Errorf("failed to update deal %s: %w", deal.ExternalID, err)
	}
	*deal = merged
	return true, nil
}

// SaveLocal persists locally-driven changes (write-back results, notes).
func (r *GormDealRepository) SaveLocal(deal *models.Deal) error {
	return r.DB.Save(deal).Error
}

// MarkInactive soft-retires deals deleted on the CRM side. Audit history stays.
func (r *GormDealRepository) MarkInactive(externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	res := r.DB.Model(&models.Deal{}).
		Where("external_id IN ?", externalIDs).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

func (r *GormDealRepository) List(filter DealFilter) ([]models.Deal, error) {
	q := r.DB.Model(&models.Deal{})
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if filter.Phase != nil {
		q = q.Where("phase = ?", *filter.Phase)
	}
	if filter.Health != "" {
		q = q.Where("health_signal = ?", filter.Health)
	}
	if filter.ModifiedSince != nil {
		q = q.Where("modified_at > ?", *filter.ModifiedSince)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var deals []models.Deal
	if err := q.Order("modified_at DESC").Find(&deals).Error; err != nil {
		return nil, err
	}
	return deals, nil
}

func (r *GormDealRepository) GetCursor(scope string) (*models.SyncCursor, error) {
	var cursor models.SyncCursor
	if err := r.DB.Where("scope = ?", scope).First(&cursor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cursor, nil
}

func (r *GormDealRepository) SaveCursor(cursor *models.SyncCursor) error {
	return r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_modified_at", "updated_at"}),
	}).Create(cursor).Error
}

func (r *GormDealRepository) CreateRun(run *models.SyncRun) error {
	return r.DB.Create(run).Error
}

func (r *GormDealRepository) FinalizeRun(run *models.SyncRun) error {
	return r.DB.Save(run).Error
}

func (r *GormDealRepository) RecentRuns(limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.SyncRun
	if err := r.DB.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// --- TokenPersistence ------------------------------------------------------

func (r *GormDealRepository) LoadToken() (*models.TokenRecord, error) {
	var rec models.TokenRecord
	if err := r.DB.Where("id = ?", 1).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *GormDealRepository) SaveToken(rec *models.TokenRecord) error {
	rec.ID = 1
	return r.DB.Save(rec).Error
}

// --- RatePersistence -------------------------------------------------------

func (r *GormDealRepository) LoadRates() ([]models.ExchangeRate, error) {
	var rates []models.ExchangeRate
	if err := r.DB.Find(&rates).Error; err != nil {
		return nil, err
	}
	return rates, nil
}

func (r *GormDealRepository) SaveRates(rates []models.ExchangeRate) error {
	if len(rates) == 0 {
		return nil
	}
	return r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate", "fetched_at"}),
	}).Create(&rates).Error
}

// --- field-level merge helpers --------------------------------------------

// copySyncedFields overwrites dst's CRM-derived and engine-derived fields
// from src, leaving locally-owned fields alone.
func copySyncedFields(dst, src *models.Deal) {
	dst.Name = src.Name
	dst.AccountName = src.AccountName
	dst.Owner = src.Owner
	dst.Stage = src.Stage
	dst.Probability = src.Probability
	dst.Amount = src.Amount
	dst.Currency = src.Currency
	dst.NormalizedAmount = src.NormalizedAmount
	dst.ClosingDate = src.ClosingDate
	dst.CrmCreatedAt = src.CrmCreatedAt
	dst.ModifiedAt = src.ModifiedAt
	dst.ProposalSentAt = src.ProposalSentAt
	dst.PoReceivedAt = src.PoReceivedAt
	dst.KickoffAt = src.KickoffAt
	dst.InvoiceRaisedAt = src.InvoiceRaisedAt
	dst.PaymentReceivedAt = src.PaymentReceivedAt
	dst.RevenueRecognizedAt = src.RevenueRecognizedAt
	dst.Phase = src.Phase
	dst.HealthSignal = src.HealthSignal
	dst.HealthReason = src.HealthReason
	dst.ActionItems = src.ActionItems
}

func syncedFieldsEqual(a, b *models.Deal) bool {
	return a.Name == b.Name &&
		a.AccountName == b.AccountName &&
		a.Owner == b.Owner &&
		a.Stage == b.Stage &&
		a.Probability == b.Probability &&
		a.Amount.Equal(b.Amount) &&
		a.Currency == b.Currency &&
		a.NormalizedAmount.Equal(b.NormalizedAmount) &&
		timesEqual(a.ClosingDate, b.ClosingDate) &&
		a.CrmCreatedAt.Equal(b.CrmCreatedAt) &&
		a.ModifiedAt.Equal(b.ModifiedAt) &&
		timesEqual(a.ProposalSentAt, b.ProposalSentAt) &&
		timesEqual(a.PoReceivedAt, b.PoReceivedAt) &&
		timesEqual(a.KickoffAt, b.KickoffAt) &&
		timesEqual(a.InvoiceRaisedAt, b.InvoiceRaisedAt) &&
		timesEqual(a.PaymentReceivedAt, b.PaymentReceivedAt) &&
		timesEqual(a.RevenueRecognizedAt, b.RevenueRecognizedAt) &&
		a.Phase == b.Phase &&
		a.HealthSignal == b.HealthSignal &&
		a.HealthReason == b.HealthReason &&
		string(a.ActionItems) == string(b.ActionItems)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
