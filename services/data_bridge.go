// services/data_bridge.go
package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

// CRM field names for the opportunity module. This table is the single place
// that knows the CRM schema — a CRM-side rename touches only these constants.
const (
	crmFieldID           = "id"
	crmFieldName         = "Deal_Name"
	crmFieldAccount      = "Account_Name"
	crmFieldOwner        = "Owner"
	crmFieldStage        = "Stage"
	crmFieldProbability  = "Probability"
	crmFieldAmount       = "Amount"
	crmFieldCurrency     = "Currency"
	crmFieldClosingDate  = "Closing_Date"
	crmFieldCreatedTime  = "Created_Time"
	crmFieldModifiedTime = "Modified_Time"
	crmFieldProposalSent = "Proposal_Sent_Date"
	crmFieldPoReceived   = "PO_Received_Date"
	crmFieldKickoff      = "Kickoff_Date"
	crmFieldInvoice      = "Invoice_Date"
	crmFieldPayment      = "Payment_Date"
	crmFieldRevenue      = "Revenue_Date"
)

const crmDateLayout = "2006-01-02"

// DataBridge translates between raw CRM records and the canonical Deal in
// both directions. Unmapped keys are ignored; mapped-but-malformed values
// reject the whole record rather than propagating garbage.
type DataBridge struct{}

func NewDataBridge() *DataBridge { return &DataBridge{} }

// FieldNames is the explicit field scope sent with every list call.
func (b *DataBridge) FieldNames() []string {
	return []string{
		crmFieldID, crmFieldName, crmFieldAccount, crmFieldOwner,
		crmFieldStage, crmFieldProbability, crmFieldAmount, crmFieldCurrency,
		crmFieldClosingDate, crmFieldCreatedTime, crmFieldModifiedTime,
		crmFieldProposalSent, crmFieldPoReceived, crmFieldKickoff,
		crmFieldInvoice, crmFieldPayment, crmFieldRevenue,
	}
}

// ToCanonical maps one raw CRM record into a Deal. Derived fields (phase,
// health, normalized amount) are left zero — the orchestrator fills them.
func (b *DataBridge) ToCanonical(raw RawRecord) (*models.Deal, error) {
	externalID, err := stringField(raw, crmFieldID)
	if err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, fmt.Errorf("record has no %s", crmFieldID)
	}

	deal := &models.Deal{ExternalID: externalID}

	if deal.Name, err = stringField(raw, crmFieldName); err != nil {
		return nil, err
	}
	if deal.AccountName, err = nameField(raw, crmFieldAccount); err != nil {
		return nil, err
	}
	if deal.Owner, err = nameField(raw, crmFieldOwner); err != nil {
		return nil, err
	}
	if deal.Stage, err = stringField(raw, crmFieldStage); err != nil {
		return nil, err
	}
	if deal.Probability, err = intField(raw, crmFieldProbability); err != nil {
		return nil, err
	}
	if deal.Probability < 0 || deal.Probability > 100 {
		return nil, fmt.Errorf("%s out of range: %d", crmFieldProbability, deal.Probability)
	}
	if deal.Amount, err = decimalField(raw, crmFieldAmount); err != nil {
		return nil, err
	}
	if deal.Currency, err = stringField(raw, crmFieldCurrency); err != nil {
		return nil, err
	}
	deal.Currency = strings.ToUpper(deal.Currency)

	if deal.ClosingDate, err = dateField(raw, crmFieldClosingDate); err != nil {
		return nil, err
	}
	created, err := timeField(raw, crmFieldCreatedTime)
	if err != nil {
		return nil, err
	}
	if created != nil {
		deal.CrmCreatedAt = *created
	}
	modified, err := timeField(raw, crmFieldModifiedTime)
	if err != nil {
		return nil, err
	}
	if modified != nil {
		deal.ModifiedAt = *modified
	}

	if deal.ProposalSentAt, err = dateField(raw, crmFieldProposalSent); err != nil {
		return nil, err
	}
	if deal.PoReceivedAt, err = dateField(raw, crmFieldPoReceived); err != nil {
		return nil, err
	}
	if deal.KickoffAt, err = dateField(raw, crmFieldKickoff); err != nil {
		return nil, err
	}
	if deal.InvoiceRaisedAt, err = dateField(raw, crmFieldInvoice); err != nil {
		return nil, err
	}
	if deal.PaymentReceivedAt, err = dateField(raw, crmFieldPayment); err != nil {
		return nil, err
	}
	if deal.RevenueRecognizedAt, err = dateField(raw, crmFieldRevenue); err != nil {
		return nil, err
	}

	return deal, nil
}

// ToCrmFields builds the sparse write-back map: only fields whose value
// differs from prev are included, so unrelated CRM-side edits never get
// clobbered. A nil prev means "send everything writable".
func (b *DataBridge) ToCrmFields(deal, prev *models.Deal) map[string]interface{} {
	out := map[string]interface{}{}

	put := func(key string, changed bool, value interface{}) {
		if prev == nil || changed {
			out[key] = value
		}
	}

	put(crmFieldStage, prev == nil || deal.Stage != prev.Stage, deal.Stage)
	put(crmFieldProbability, prev == nil || deal.Probability != prev.Probability, deal.Probability)
	put(crmFieldAmount, prev == nil || !deal.Amount.Equal(prev.Amount), deal.Amount.InexactFloat64())
	put(crmFieldCurrency, prev == nil || deal.Currency != prev.Currency, deal.Currency)

	putDate := func(key string, cur, old *time.Time) {
		if prev == nil || !sameDate(cur, old) {
			if cur == nil {
				out[key] = nil
			} else {
				out[key] = cur.Format(crmDateLayout)
			}
		}
	}
	putDate(crmFieldClosingDate, deal.ClosingDate, prevDate(prev, func(d *models.Deal) *time.Time { return d.ClosingDate }))
	putDate(crmFieldProposalSent, deal.ProposalSentAt, prevDate(prev, func(d *models.Deal) *time.Time { return d.ProposalSentAt }))
	putDate(crmFieldPoReceived, deal.PoReceivedAt, prevDate(prev, func(d *models.Deal) *time.Time { return d.PoReceivedAt }))
	putDate(crmFieldKickoff, deal.KickoffAt, prevDate(prev, func(d *models.Deal) *time.Time { return d.KickoffAt }))
	putDate(crmFieldInvoice, deal.InvoiceRaisedAt, prevDate(prev, func(d *models.Deal) *time.Time { return d.InvoiceRaisedAt }))
	putDate(crmFieldPayment, deal.PaymentReceivedAt, prevDate(prev, func(d *models.Deal) *time.Time { return d.PaymentReceivedAt }))
	putDate(crmFieldRevenue, deal.RevenueRecognizedAt, prevDate(prev, func(d *models.Deal) *time.Time { return d.RevenueRecognizedAt }))

	return out
}

func prevDate(prev *models.Deal, get func(*models.Deal) *time.Time) *time.Time {
	if prev == nil {
		return nil
	}
	return get(prev)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Format(crmDateLayout) == b.Format(crmDateLayout)
}

// --- raw-field parsing helpers -------------------------------------------

func stringField(raw RawRecord, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", key, v)
	}
	return s, nil
}

// nameField accepts either a plain string or a CRM lookup object {"name": …}.
func nameField(raw RawRecord, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case map[string]interface{}:
		if name, ok := val["name"].(string); ok {
			return name, nil
		}
		return "", fmt.Errorf("field %s: lookup object has no name", key)
	default:
		return "", fmt.Errorf("field %s: expected string or lookup object, got %T", key, v)
	}
}

func intField(raw RawRecord, key string) (int, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch val := v.(type) {
	case float64: // encoding/json default for numbers
		return int(val), nil
	case int:
		return val, nil
	default:
		return 0, fmt.Errorf("field %s: expected number, got %T", key, v)
	}
}

func decimalField(raw RawRecord, key string) (decimal.Decimal, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), nil
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %s: %w", key, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("field %s: expected number, got %T", key, v)
	}
}

func dateField(raw RawRecord, key string) (*time.Time, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		if !ok {
			return nil, fmt.Errorf("field %s: expected date string, got %T", key, v)
		}
		return nil, nil
	}
	t, err := time.Parse(crmDateLayout, s)
	if err != nil {
		// Some CRM exports carry full timestamps in date fields.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("field %s: unparseable date %q", key, s)
		}
	}
	t = t.UTC()
	return &t, nil
}

func timeField(raw RawRecord, key string) (*time.Time, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		if !ok {
			return nil, fmt.Errorf("field %s: expected timestamp string, got %T", key, v)
		}
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("field %s: unparseable timestamp %q", key, s)
	}
	t = t.UTC()
	return &t, nil
}
