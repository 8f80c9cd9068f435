package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// memRates is an in-memory RatePersistence for tests.
type memRates struct {
	mu    sync.Mutex
	rates map[string]models.ExchangeRate
}

func newMemRates(seed ...models.ExchangeRate) *memRates {
	m := &memRates{rates: map[string]models.ExchangeRate{}}
	for _, r := range seed {
		m.rates[r.Currency] = r
	}
	return m
}

func (m *memRates) LoadRates() ([]models.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ExchangeRate, 0, len(m.rates))
	for _, r := range m.rates {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRates) SaveRates(rates []models.ExchangeRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rates {
		m.rates[r.Currency] = r
	}
	return nil
}

func freshRate(currency string, rate string) models.ExchangeRate {
	return models.ExchangeRate{
		Currency:  currency,
		Rate:      decimal.RequireFromString(rate),
		FetchedAt: time.Now().UTC(),
	}
}

func TestConvertIdentityForReportingCurrency(t *testing.T) {
	c := NewCurrencyConverter(newMemRates(), "http://unused.invalid", "SGD")

	for _, amt := range []string{"0", "1", "1000", "12345.67", "0.009"} {
		in := decimal.RequireFromString(amt)
		out, err := c.Convert(context.Background(), in, "SGD")
		require.NoError(t, err)
		assert.True(t, out.Equal(in.Round(2)), "identity conversion changed %s → %s", in, out)
	}
}

func TestConvertUsesCachedRate(t *testing.T) {
	c := NewCurrencyConverter(newMemRates(freshRate("USD", "1.35")), "http://unused.invalid", "SGD")

	out, err := c.Convert(context.Background(), decimal.NewFromInt(1000), "USD")
	require.NoError(t, err)
	assert.Equal(t, "1350.00", out.StringFixed(2))
}

func TestConvertRoundTripStability(t *testing.T) {
	rate := decimal.RequireFromString("1.35")
	c := NewCurrencyConverter(newMemRates(freshRate("USD", "1.35")), "http://unused.invalid", "SGD")

	original := decimal.RequireFromString("1234.56")
	normalized, err := c.Convert(context.Background(), original, "USD")
	require.NoError(t, err)

	back := normalized.Div(rate)
	diff := back.Sub(original).Abs()
	assert.True(t, diff.LessThanOrEqual(decimal.RequireFromString("0.01")),
		"round-trip drifted by %s", diff)
}

func TestConvertRoundsOnlyAtNormalization(t *testing.T) {
	// 10.005 × 1.333 = 13.336665 → 13.34 half-up; intermediate precision kept.
	c := NewCurrencyConverter(newMemRates(freshRate("USD", "1.333")), "http://unused.invalid", "SGD")

	out, err := c.Convert(context.Background(), decimal.RequireFromString("10.005"), "USD")
	require.NoError(t, err)
	assert.Equal(t, "13.34", out.StringFixed(2))
}

func TestConvertFetchesWhenRateStale(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base":"SGD","rates":{"USD":1.40,"EUR":1.46}}`))
	}))
	defer srv.Close()

	stale := models.ExchangeRate{
		Currency:  "USD",
		Rate:      decimal.RequireFromString("1.35"),
		FetchedAt: time.Now().Add(-8 * 24 * time.Hour), // past the 7d TTL
	}
	c := NewCurrencyConverter(newMemRates(stale), srv.URL, "SGD")

	out, err := c.Convert(context.Background(), decimal.NewFromInt(100), "USD")
	require.NoError(t, err)
	assert.Equal(t, "140.00", out.StringFixed(2))
	assert.Equal(t, 1, calls)
}

func TestConvertFallsBackToStaleRateOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	stale := models.ExchangeRate{
		Currency:  "USD",
		Rate:      decimal.RequireFromString("1.35"),
		FetchedAt: time.Now().Add(-30 * 24 * time.Hour),
	}
	c := NewCurrencyConverter(newMemRates(stale), srv.URL, "SGD")

	out, err := c.Convert(context.Background(), decimal.NewFromInt(1000), "USD")
	require.NoError(t, err, "stale rate should keep conversions available")
	assert.Equal(t, "1350.00", out.StringFixed(2))
}

func TestConvertErrorsWhenCurrencyUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base":"SGD","rates":{"USD":1.35}}`))
	}))
	defer srv.Close()

	c := NewCurrencyConverter(newMemRates(), srv.URL, "SGD")

	_, err := c.Convert(context.Background(), decimal.NewFromInt(10), "XXX")
	assert.Error(t, err)
}
