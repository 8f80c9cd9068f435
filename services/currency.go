// services/currency.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// rateTTL: a cached rate older than this is stale and triggers a refetch.
// Refetch failure falls back to the stale rate — availability over freshness.
const rateTTL = 7 * 24 * time.Hour

// RatePersistence is the storage contract for the exchange-rate cache, so
// rates survive restarts and a cold process doesn't start with nothing.
type RatePersistence interface {
	LoadRates() ([]models.ExchangeRate, error)
	SaveRates(rates []models.ExchangeRate) error
}

// CurrencyConverter normalizes (amount, currency) pairs into the reporting
// currency. All arithmetic is decimal; rounding to 2dp happens once, at the
// point of normalization, never on intermediates.
type CurrencyConverter struct {
	persist   RatePersistence
	fetchURL  string
	reporting string
	http      *http.Client

	mu     sync.RWMutex
	cache  map[string]models.ExchangeRate
	loaded bool
}

func NewCurrencyConverter(persist RatePersistence, fetchURL, reportingCurrency string) *CurrencyConverter {
	return &CurrencyConverter{
		persist:   persist,
		fetchURL:  fetchURL,
		reporting: strings.ToUpper(reportingCurrency),
		http:      &http.Client{Timeout: 15 * time.Second},
		cache:     make(map[string]models.ExchangeRate),
	}
}

// ReportingCurrency returns the currency code everything is normalized into.
func (c *CurrencyConverter) ReportingCurrency() string { return c.reporting }

// Convert returns amount expressed in the reporting currency, rounded to
// 2 decimal places. The reporting currency itself never round-trips through
// the rate API — identity, rate 1.
func (c *CurrencyConverter) Convert(ctx context.Context, amount decimal.Decimal, fromCurrency string) (decimal.Decimal, error) {
	from := strings.ToUpper(strings.TrimSpace(fromCurrency))
	if from == "" || from == c.reporting {
		return amount.Round(2), nil
	}

	rate, err := c.rateFor(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Round(2), nil
}

// rateFor serves from cache, refetching when the entry is absent or stale.
// A stale entry is still served if the refetch fails.
func (c *CurrencyConverter) rateFor(ctx context.Context, currency string) (decimal.Decimal, error) {
	c.ensureLoaded()

	c.mu.RLock()
	entry, ok := c.cache[currency]
	c.mu.RUnlock()

	fresh := ok && time.Since(entry.FetchedAt) < rateTTL
	if fresh {
		return entry.Rate, nil
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			log.Printf("⚠️ [RATES] Refetch failed, serving stale %s rate from %s: %v",
				currency, entry.FetchedAt.Format(time.RFC3339), err)
			return entry.Rate, nil
		}
		return decimal.Zero, fmt.Errorf("no exchange rate available for %s: %w", currency, err)
	}

	c.mu.RLock()
	entry, ok = c.cache[currency]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("rate API does not quote %s against %s", currency, c.reporting)
	}
	return entry.Rate, nil
}

// WarmCache refreshes all rates; the scheduler calls this on its own cadence
// so sync runs rarely hit a cold or stale cache. Failures are non-fatal.
func (c *CurrencyConverter) WarmCache(ctx context.Context) {
	c.ensureLoaded()
	if err := c.refresh(ctx); err != nil {
		log.Printf("⚠️ [RATES] Cache warm failed (stale rates stay in service): %v", err)
		return
	}
	c.mu.RLock()
	n := len(c.cache)
	c.mu.RUnlock()
	log.Printf("✅ [RATES] Exchange-rate cache warmed (%d currencies → %s)", n, c.reporting)
}

// ensureLoaded lazily hydrates the in-memory cache from storage once.
func (c *CurrencyConverter) ensureLoaded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return
	}
	c.loaded = true

	stored, err := c.persist.LoadRates()
	if err != nil {
		log.Printf("⚠️ [RATES] Could not load persisted rates: %v", err)
		return
	}
	for _, r := range stored {
		c.cache[r.Currency] = r
	}
}

// refresh fetches the full rate map with one bounded retry — it never loops.
func (c *CurrencyConverter) refresh(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if lastErr = c.fetchAll(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *CurrencyConverter) fetchAll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fetchURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rate API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rate API returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Base  string             `json:"base"`
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode rate API response: %w", err)
	}
	if payload.Base != "" && strings.ToUpper(payload.Base) != c.reporting {
		return fmt.Errorf("rate API base %q does not match reporting currency %s", payload.Base, c.reporting)
	}

	now := time.Now().UTC()
	fetched := make([]models.ExchangeRate, 0, len(payload.Rates))
	for code, rate := range payload.Rates {
		fetched = append(fetched, models.ExchangeRate{
			Currency:  strings.ToUpper(code),
			Rate:      decimal.NewFromFloat(rate),
			FetchedAt: now,
		})
	}

	c.mu.Lock()
	for _, r := range fetched {
		c.cache[r.Currency] = r
	}
	c.mu.Unlock()

	if err := c.persist.SaveRates(fetched); err != nil {
		// Cache is updated either way; persistence is best-effort.
		log.Printf("⚠️ [RATES] Failed to persist %d rates: %v", len(fetched), err)
	}
	return nil
}
