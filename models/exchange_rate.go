// models/exchange_rate.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is one cached currency→reporting-currency rate.
// A rate older than the converter TTL is stale and triggers a refetch;
// on refetch failure the stale rate keeps being served (fail-open).
type ExchangeRate struct {
	Currency  string          `json:"currency" gorm:"primaryKey;size:3"`
	Rate      decimal.Decimal `json:"rate" gorm:"type:decimal(14,6)"`
	FetchedAt time.Time       `json:"fetched_at"`
}
