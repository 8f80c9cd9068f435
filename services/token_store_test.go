package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// memTokens is an in-memory TokenPersistence for tests.
type memTokens struct {
	mu  sync.Mutex
	rec *models.TokenRecord
}

func (m *memTokens) LoadToken() (*models.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	cp := *m.rec
	return &cp, nil
}

func (m *memTokens) SaveToken(rec *models.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.rec = &cp
	return nil
}

func newTokenEndpoint(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.NotEmpty(t, r.Form.Get("refresh_token"))

		// Refresh is deliberately slow so concurrent callers overlap.
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`))
	}))
}

func expiredRecord() *models.TokenRecord {
	return &models.TokenRecord{
		ID:           1,
		AccessToken:  "old-token",
		RefreshToken: "refresh-abc",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
}

func TestTokenStoreCurrentWithoutProvisioning(t *testing.T) {
	store := NewTokenStore(&memTokens{}, "id", "secret", "http://unused.invalid/token")

	_, err := store.Current()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestTokenStoreRefreshReplacesRecord(t *testing.T) {
	var calls int32
	srv := newTokenEndpoint(t, &calls)
	defer srv.Close()

	persist := &memTokens{rec: expiredRecord()}
	store := NewTokenStore(persist, "id", "secret", srv.URL)

	rec, err := store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", rec.AccessToken)
	assert.Equal(t, "refresh-abc", rec.RefreshToken, "refresh token kept when provider does not rotate")
	assert.False(t, rec.RefreshedAt.IsZero())

	stored, err := persist.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", stored.AccessToken, "replacement must be persisted")
}

func TestTokenStoreRefreshSingleFlight(t *testing.T) {
	var calls int32
	srv := newTokenEndpoint(t, &calls)
	defer srv.Close()

	store := NewTokenStore(&memTokens{rec: expiredRecord()}, "id", "secret", srv.URL)

	const goroutines = 10
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := store.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "fresh-token", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls),
		"%d concurrent expired-token callers must coalesce into one refresh", goroutines)
}

func TestTokenStoreRefreshFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	store := NewTokenStore(&memTokens{rec: expiredRecord()}, "id", "secret", srv.URL)

	_, err := store.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err), "refresh rejection must surface as AuthError, got %v", err)
}
