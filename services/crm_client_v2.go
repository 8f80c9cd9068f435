// services/crm_client_v2.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const v2PageSize = 200

// CrmClientV2 talks to the legacy numeric-page API. It tolerates unscoped
// reads server-side, but we always send the field list anyway so both
// backends behave identically from the orchestrator's point of view.
type CrmClientV2 struct {
	baseURL string
	doer    *crmDoer
}

type v2ListEnvelope struct {
	Data []RawRecord `json:"data"`
	Info struct {
		Page        int  `json:"page"`
		MoreRecords bool `json:"more_records"`
	} `json:"info"`
}

func (c *CrmClientV2) ListRecords(ctx context.Context, module string, fields []string, modifiedSince *time.Time, pageToken string) ([]RawRecord, string, error) {
	page := 1
	if pageToken != "" {
		p, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("v2 page token must be numeric, got %q", pageToken)
		}
		page = p
	}

	u, err := url.Parse(fmt.Sprintf("%s/crm/v2/%s", c.baseURL, module))
	if err != nil {
		return nil, "", fmt.Errorf("invalid CRM base URL: %w", err)
	}
	q := u.Query()
	q.Set("fields", strings.Join(fields, ","))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(v2PageSize))
	u.RawQuery = q.Encode()

	headers := map[string]string{}
	if modifiedSince != nil {
		headers["If-Modified-Since"] = modifiedSince.UTC().Format(time.RFC3339)
	}

	status, body, err := c.doer.doJSON(ctx, http.MethodGet, u.String(), headers, nil)
	if err != nil {
		// Numeric pagination lets the caller skip past a bad page.
		return nil, strconv.Itoa(page + 1), err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return nil, "", nil
	}
	if status != http.StatusOK {
		return nil, "", fmt.Errorf("crm list returned %d: %s", status, truncateBody(body))
	}

	var envelope v2ListEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("failed to decode v2 list response: %w", err)
	}

	next := ""
	if envelope.Info.MoreRecords {
		next = strconv.Itoa(page + 1)
	}
	return envelope.Data, next, nil
}

func (c *CrmClientV2) UpdateRecord(ctx context.Context, module, id string, fields map[string]interface{}) error {
	u := fmt.Sprintf("%s/crm/v2/%s/%s", c.baseURL, module, url.PathEscape(id))
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
