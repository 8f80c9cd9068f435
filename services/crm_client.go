// services/crm_client.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"
)

// RawRecord is an unmapped CRM record as returned by the list endpoints.
// The DataBridge is the only place allowed to interpret its keys.
type RawRecord map[string]interface{}

// CrmClient is the version-agnostic capability set against the CRM.
// Backend differences (field-parameter rules, envelope shapes, pagination
// style) live entirely inside the implementations — callers never branch
// on the API version.
//
// ListRecords pages through module records, field-scoped. pageToken "" means
// the first page; next "" means no more pages. On a transient fetch failure
// an implementation may still return a best-effort next token (numeric-page
// backends can), letting the orchestrator skip past a bad page.
type CrmClient interface {
	ListRecords(ctx context.Context, module string, fields []string, modifiedSince *time.Time, pageToken string) (records []RawRecord, next string, err error)
	UpdateRecord(ctx context.Context, module, id string, fields map[string]interface{}) error
}

// NewCrmClient selects a backend implementation at construction time.
func NewCrmClient(version, baseURL string, tokens *TokenStore, limiter *RateLimiter) (CrmClient, error) {
	doer := &crmDoer{
		http:        &http.Client{Timeout: 30 * time.Second},
		tokens:      tokens,
		limiter:     limiter,
		maxAttempts: 4,
	}
	switch version {
	case "v2":
		return &CrmClientV2{baseURL: baseURL, doer: doer}, nil
	case "v8", "":
		return &CrmClientV8{baseURL: baseURL, doer: doer}, nil
	default:
		return nil, fmt.Errorf("unsupported CRM API version %q (want v2 or v8)", version)
	}
}

// crmDoer is the authenticated HTTP core shared by both backends: every call
// takes a rate-limiter permit, attaches the current access token, retries
// transient failures with capped exponential backoff + jitter, and performs
// exactly one refresh-and-retry on a 401 before giving up.
type crmDoer struct {
	http        *http.Client
	tokens      *TokenStore
	limiter     *RateLimiter
	maxAttempts int
}

func (d *crmDoer) doJSON(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (int, []byte, error) {
	var lastErr error
	refreshed := false

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := d.limiter.Acquire(ctx); err != nil {
			return 0, nil, err
		}

		token, err := d.tokens.AccessToken(ctx)
		if err != nil {
			return 0, nil, err // AuthError / ErrNotAuthenticated — fatal, no retry
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := d.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			if attempt < d.maxAttempts {
				d.sleep(ctx, attempt)
				continue
			}
			break
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < d.maxAttempts {
				d.sleep(ctx, attempt)
				continue
			}
			break
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				// Fresh token rejected too — nothing left to retry.
				return 0, nil, &AuthError{Reason: "CRM rejected a freshly refreshed token"}
			}
			refreshed = true
			if _, err := d.tokens.Refresh(ctx); err != nil {
				return 0, nil, err
			}
			attempt-- // the auth retry does not consume the transient budget
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("crm returned %d: %s", resp.StatusCode, truncateBody(data))
			if attempt < d.maxAttempts {
				d.sleep(ctx, attempt)
				continue
			}

		default:
			return resp.StatusCode, data, nil
		}
	}

	return 0, nil, &TransientError{Op: method + " " + rawURL, Attempts: d.maxAttempts, Err: lastErr}
}

// sleep waits out the backoff for the given attempt: 500ms doubling, capped
// at 8s, with ±20% jitter so concurrent callers don't stampede.
func (d *crmDoer) sleep(ctx context.Context, attempt int) {
	delay := 500 * time.Millisecond << (attempt - 1)
	if delay > 8*time.Second {
		delay = 8 * time.Second
	}
	jitter := 1.0 + (rand.Float64()*2-1)*0.2
	delay = time.Duration(float64(delay) * jitter)

	log.Printf("⏳ [CRM] Transient failure, retrying in %s (attempt %d/%d)", delay.Round(time.Millisecond), attempt, d.maxAttempts)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}
