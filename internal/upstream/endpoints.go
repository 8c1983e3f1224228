package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/qaops/ccqa-backend/internal/forms"
)

// LookupItem is the {label, value} shape every reference endpoint returns.
type LookupItem struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Application describes one monitored application (form family).
type Application struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// SkipRule disables scoring fields for a (call type, form type) combination.
type SkipRule struct {
	CallType       string   `json:"call_type"`
	FormType       string   `json:"form_type"`
	DisabledFields []string `json:"disabled_fields"`
}

// ReviewerProfile is the upstream-verified identity of a quality reviewer.
type ReviewerProfile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// VerifyReviewer exchanges reviewer credentials for an upstream-verified
// profile. Token issuance stays on our side.
func (c *Client) VerifyReviewer(ctx context.Context, username, password string) (ReviewerProfile, error) {
	payload := map[string]string{"username": username, "password": password}
	var profile ReviewerProfile
	if err := c.doJSON(ctx, http.MethodPost, "/auth/verify", nil, payload, &profile); err != nil {
		return ReviewerProfile{}, err
	}
	return profile, nil
}

// GetApplications lists the monitored applications.
func (c *Client) GetApplications(ctx context.Context) ([]Application, error) {
	var applications []Application
	if err := c.doJSON(ctx, http.MethodGet, "/lookups/applications", nil, nil, &applications); err != nil {
		return nil, err
	}
	return applications, nil
}

// GetFormFields fetches the immutable field template for an application.
func (c *Client) GetFormFields(ctx context.Context, appID int) ([]forms.FormField, error) {
	var fields []forms.FormField
	path := fmt.Sprintf("/apps/%d/fields", appID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// GetAuditReasons lists the audit-tracking reason codes.
func (c *Client) GetAuditReasons(ctx context.Context) ([]LookupItem, error) {
	return c.getLookup(ctx, "/lookups/audit-reasons")
}

// GetRIRoster lists the research interviewers available for auditing.
func (c *Client) GetRIRoster(ctx context.Context) ([]LookupItem, error) {
	return c.getLookup(ctx, "/lookups/interviewers")
}

// GetCallTypes lists the call type codes.
func (c *Client) GetCallTypes(ctx context.Context) ([]LookupItem, error) {
	return c.getLookup(ctx, "/lookups/call-types")
}

// GetSiteNames lists the site names.
func (c *Client) GetSiteNames(ctx context.Context) ([]LookupItem, error) {
	return c.getLookup(ctx, "/lookups/sites")
}

// GetFrameCodes lists the frame codes.
func (c *Client) GetFrameCodes(ctx context.Context) ([]LookupItem, error) {
	return c.getLookup(ctx, "/lookups/frame-codes")
}

// GetMCACategories lists the monitored-call-alert categories.
func (c *Client) GetMCACategories(ctx context.Context) ([]LookupItem, error) {
	return c.getLookup(ctx, "/lookups/mca-categories")
}

// GetSkipRules fetches the skip-logic rules for an application.
func (c *Client) GetSkipRules(ctx context.Context, appID int) ([]SkipRule, error) {
	var rules []SkipRule
	path := fmt.Sprintf("/apps/%d/skip-rules", appID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (c *Client) getLookup(ctx context.Context, path string) ([]LookupItem, error) {
	var items []LookupItem
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

type createFormsResponse struct {
	RecordNumbers []string `json:"record_numbers"`
}

// CreateForms posts new form records and returns the assigned record numbers,
// in input order.
func (c *Client) CreateForms(ctx context.Context, appID int, records []forms.FormRef) ([]string, error) {
	path := fmt.Sprintf("/apps/%d/forms", appID)
	var response createFormsResponse
	if err := c.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"records": records}, &response); err != nil {
		return nil, err
	}
	return response.RecordNumbers, nil
}

// UpdateForms replaces existing form records.
func (c *Client) UpdateForms(ctx context.Context, appID int, records []forms.FormRef) error {
	path := fmt.Sprintf("/apps/%d/forms", appID)
	return c.doJSON(ctx, http.MethodPut, path, nil, map[string]any{"records": records}, nil)
}

// DeleteForms removes form records by record number. The platform models
// deletion as a PUT carrying the id list.
func (c *Client) DeleteForms(ctx context.Context, appID int, recordNumbers []string) error {
	path := fmt.Sprintf("/apps/%d/forms/delete", appID)
	return c.doJSON(ctx, http.MethodPut, path, nil, map[string]any{"record_numbers": recordNumbers}, nil)
}

// SubmitAuditTransactions posts a batch of audit transactions. AI-assisted
// submissions use their own endpoint variant.
func (c *Client) SubmitAuditTransactions(ctx context.Context, transactions []forms.AuditTransaction, ai bool) error {
	path := "/audit-transactions"
	if ai {
		path = "/audit-transactions/ai"
	}
	return c.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"transactions": transactions}, nil)
}

// MonitoredCall is one row of the call-monitoring report datasets.
type MonitoredCall struct {
	RecordNumber string  `json:"record_number"`
	RIID         string  `json:"ri_id"`
	RIName       string  `json:"ri_name"`
	SiteName     string  `json:"site_name"`
	CallDate     string  `json:"call_date"`
	CallType     string  `json:"call_type"`
	FrameCode    string  `json:"frame_code"`
	AudioSMP     string  `json:"audio_smp"`
	Score        float64 `json:"score"`
	MCA          bool    `json:"mca"`
}

// MCAAlert is one row of the monitored-call-alert dataset.
type MCAAlert struct {
	RecordNumber string `json:"record_number"`
	RIID         string `json:"ri_id"`
	RIName       string `json:"ri_name"`
	Category     string `json:"category"`
	Reason       string `json:"reason"`
	CallDate     string `json:"call_date"`
}

// ReportQuery parameterizes the report dataset endpoints. Zero values are
// omitted from the query string.
type ReportQuery struct {
	RIID         string
	FromDate     string
	ToDate       string
	RecordNumber string
}

func (q ReportQuery) values() url.Values {
	query := url.Values{}
	if q.RIID != "" {
		query.Set("ri_id", q.RIID)
	}
	if q.FromDate != "" {
		query.Set("from", q.FromDate)
	}
	if q.ToDate != "" {
		query.Set("to", q.ToDate)
	}
	if q.RecordNumber != "" {
		query.Set("record_number", q.RecordNumber)
	}
	return query
}

// GetMonitoredCalls fetches the monitored-call dataset backing the CMR, ACM
// and LCM reports.
func (c *Client) GetMonitoredCalls(ctx context.Context, appID int, query ReportQuery) ([]MonitoredCall, error) {
	var rows []MonitoredCall
	path := fmt.Sprintf("/apps/%d/reports/monitored-calls", appID)
	if err := c.doJSON(ctx, http.MethodGet, path, query.values(), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetMCAAlerts fetches the monitored-call-alert dataset.
func (c *Client) GetMCAAlerts(ctx context.Context, appID int, query ReportQuery) ([]MCAAlert, error) {
	var rows []MCAAlert
	path := fmt.Sprintf("/apps/%d/reports/mca", appID)
	if err := c.doJSON(ctx, http.MethodGet, path, query.values(), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type emailRequest struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Filename   string   `json:"filename,omitempty"`
	Attachment string   `json:"attachment_b64,omitempty"`
}

// EmailReport sends a generated report as a base64-encoded attachment.
func (c *Client) EmailReport(ctx context.Context, recipients []string, subject, body, filename string, attachment []byte) error {
	request := emailRequest{
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
		Filename:   filename,
	}
	if len(attachment) > 0 {
		request.Attachment = base64.StdEncoding.EncodeToString(attachment)
	}
	return c.doJSON(ctx, http.MethodPost, "/email/report", nil, request, nil)
}

// EmailErrorReport sends a failure notification to the operations inbox.
func (c *Client) EmailErrorReport(ctx context.Context, recipients []string, subject, detail string) error {
	request := emailRequest{
		Recipients: recipients,
		Subject:    subject,
		Body:       detail,
	}
	return c.doJSON(ctx, http.MethodPost, "/email/error-report", nil, request, nil)
}
