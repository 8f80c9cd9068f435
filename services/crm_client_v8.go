// services/crm_client_v8.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const v8PageSize = 200

// CrmClientV8 talks to the current API generation: opaque page tokens and a
// hard requirement that every read enumerates its fields.
type CrmClientV8 struct {
	baseURL string
	doer    *crmDoer
}

type v8ListEnvelope struct {
	Data []RawRecord `json:"data"`
	Info struct {
		MoreRecords   bool   `json:"more_records"`
		NextPageToken string `json:"next_page_token"`
	} `json:"info"`
}

func (c *CrmClientV8) ListRecords(ctx context.Context, module string, fields []string, modifiedSince *time.Time, pageToken string) ([]RawRecord, string, error) {
	if len(fields) == 0 {
		return nil, "", errors.New("v8 rejects unscoped reads — a field list is required")
	}

	u, err := url.Parse(fmt.Sprintf("%s/crm/v8/%s", c.baseURL, module))
	if err != nil {
		return nil, "", fmt.Errorf("invalid CRM base URL: %w", err)
	}
	q := u.Query()
	q.Set("fields", strings.Join(fields, ","))
	q.Set("per_page", strconv.Itoa(v8PageSize))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	u.RawQuery = q.Encode()

	headers := map[string]string{}
	if modifiedSince != nil {
		headers["If-Modified-Since"] = modifiedSince.UTC().Format(time.RFC3339)
	}

	status, body, err := c.doer.doJSON(ctx, http.MethodGet, u.String(), headers, nil)
	if err != nil {
		// Opaque cursor — no way to guess the next page on failure.
		return nil, "", err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return nil, "", nil
	}
	if status != http.StatusOK {
		return nil, "", fmt.Errorf("crm list returned %d: %s", status, truncateBody(body))
	}

	var envelope v8ListEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("failed to decode v8 list response: %w", err)
	}

	next := ""
	if envelope.Info.MoreRecords {
		next = envelope.Info.NextPageToken
	}
	return envelope.Data, next, nil
}

func (c *CrmClientV8) UpdateRecord(ctx context.Context, module, id string, fields map[string]interface{}) error {
	u := fmt.Sprintf("%s/crm/v8/%s/%s", c.baseURL, module, url.PathEscape(id))
	payload, err := json.Marshal(map[string]interface{}{"data": []map[string]interface{}{fields}})
	if err != nil {
		return err
	}

	status, body, err := c.doer.doJSON(ctx, http.MethodPut, u, nil, payload)
	if err != nil {
		return err
	}
	return decodeWriteResult(status, body)
}

// decodeWriteResult maps the shared single-record write envelope onto the
// error taxonomy. Both API generations use the same per-record status shape.
func decodeWriteResult(status int, body []byte) error {
	if status == http.StatusNotFound {
		return ErrRecordNotFound
	}

	var envelope struct {
		Data []struct {
			Status  string `json:"status"`
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				APIName string `json:"api_name"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode write response (%d): %w", status, err)
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("crm write returned %d with empty result: %s", status, truncateBody(body))
	}

	result := envelope.Data[0]
	if result.Status == "success" {
		return nil
	}
	if result.Code == "INVALID_DATA" || result.Code == "MANDATORY_NOT_FOUND" {
		return &ValidationError{Code: result.Code, Field: result.Details.APIName, Message: result.Message}
	}
	return fmt.Errorf("crm write rejected: %s (%s)", result.Message, result.Code)
}
