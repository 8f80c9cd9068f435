// services/token_store.go
package services

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// refreshMargin: refresh proactively when the access token is within this
// window of expiry, instead of waiting for the CRM to 401 us.
const refreshMargin = 5 * time.Minute

// TokenPersistence is the storage contract for the single active TokenRecord.
type TokenPersistence interface {
	LoadToken() (*models.TokenRecord, error) // (nil, nil) when never provisioned
	SaveToken(rec *models.TokenRecord) error
}

// TokenStore owns the OAuth token lifecycle for the CRM: it serves the
// current access token and performs refresh-token-grant refreshes.
// Concurrent refreshes coalesce into a single call against the token
// endpoint (singleflight), so N goroutines hitting an expired token cost
// exactly one refresh request.
type TokenStore struct {
	persist TokenPersistence
	oauth   *oauth2.Config

	mu      sync.RWMutex
	current *models.TokenRecord

	sf singleflight.Group
}

func NewTokenStore(persist TokenPersistence, clientID, clientSecret, tokenURL string) *TokenStore {
	return &TokenStore{
		persist: persist,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// Current returns the active token record, or ErrNotAuthenticated when the
// integration has never been authorized.
func (s *TokenStore) Current() (*models.TokenRecord, error) {
	s.mu.RLock()
	if s.current != nil {
		rec := s.current
		s.mu.RUnlock()
		return rec, nil
	}
	s.mu.RUnlock()

	rec, err := s.persist.LoadToken()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotAuthenticated
	}

	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()
	return rec, nil
}

// AccessToken returns a usable access token, refreshing first when the
// current one is expired or inside the safety margin.
func (s *TokenStore) AccessToken(ctx context.Context) (string, error) {
	rec, err := s.Current()
	if err != nil {
		return "", err
	}
	if rec.Expired(refreshMargin) {
		rec, err = s.Refresh(ctx)
		if err != nil {
			return "", err
		}
	}
	return rec.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new access token and
// atomically replaces the active record. Failures mean the refresh token is
// no longer usable and surface as AuthError — manual re-authorization needed.
func (s *TokenStore) Refresh(ctx context.Context) (*models.TokenRecord, error) {
	v, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		return s.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.TokenRecord), nil
}

func (s *TokenStore) doRefresh(ctx context.Context) (*models.TokenRecord, error) {
	cur, err := s.Current()
	if err != nil {
		return nil, err
	}
	if !cur.Expired(refreshMargin) && time.Since(cur.RefreshedAt) < time.Minute {
		// A just-finished flight already replaced the token; don't burn a
		// second refresh on the same expiry.
		return cur, nil
	}

	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cur.RefreshToken}).Token()
	if err != nil {
		return nil, &AuthError{Reason: "refresh token rejected by CRM accounts endpoint", Err: err}
	}

	rec := &models.TokenRecord{
		ID:           1,
		AccessToken:  tok.AccessToken,
		RefreshToken: cur.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        cur.Scope,
		ExpiresAt:    tok.Expiry,
		RefreshedAt:  time.Now().UTC(),
	}
	// Some providers rotate the refresh token; keep whichever is newest.
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}

	if err := s.Replace(rec); err != nil {
		return nil, err
	}

	// Timestamp only — token values never hit the logs.
	log.Printf("🔄 [TOKEN] Access token refreshed at %s (expires %s)",
		rec.RefreshedAt.Format(time.RFC3339), rec.ExpiresAt.Format(time.RFC3339))
	return rec, nil
}

// Replace persists rec as the single active record and swaps it into memory.
func (s *TokenStore) Replace(rec *models.TokenRecord) error {
	rec.ID = 1
	if err := s.persist.SaveToken(rec); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()
	return nil
}
