package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qaops/ccqa-backend/internal/forms"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client, server
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}

func TestGetCallTypesDecodesLookupShape(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lookups/call-types" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`[{"label":"Callback","value":"CB"},{"label":"Frame List","value":"FL"}]`)); err != nil {
			t.Fatalf("failed to write response: %v", err)
		}
	}))

	items, err := client.GetCallTypes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[1].Value != "FL" {
		t.Fatalf("unexpected lookup payload: %+v", items)
	}
}

func TestStructuredErrorsBecomeAPIErrors(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		if _, err := w.Write([]byte(`{"error":"duplicate_record"}`)); err != nil {
			t.Fatalf("failed to write response: %v", err)
		}
	}))

	_, err := client.GetApplications(context.Background())
	var apiError *APIError
	if !errors.As(err, &apiError) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiError.Status != http.StatusUnprocessableEntity || apiError.Message != "duplicate_record" {
		t.Fatalf("unexpected api error: %+v", apiError)
	}
	if apiError.Retryable() {
		t.Fatalf("a 422 must not be retryable")
	}
}

func TestRetryableStatuses(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
		{status: http.StatusInternalServerError, retryable: true},
		{status: http.StatusBadRequest, retryable: false},
		{status: http.StatusNotFound, retryable: false},
	}
	for _, test := range tests {
		apiError := &APIError{Status: test.status}
		if apiError.Retryable() != test.retryable {
			t.Fatalf("status %d: expected retryable=%v", test.status, test.retryable)
		}
	}
}

func TestTransportFailureIsNotAPIError(t *testing.T) {
	client, server := newTestClient(t, http.NewServeMux())
	server.Close()

	_, err := client.GetApplications(context.Background())
	if err == nil {
		t.Fatalf("expected transport error")
	}
	var apiError *APIError
	if errors.As(err, &apiError) {
		t.Fatalf("transport failure must not be an APIError: %v", err)
	}
}

func TestSubmitAuditTransactionsSelectsEndpointVariant(t *testing.T) {
	var seenPaths []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPaths = append(seenPaths, r.URL.Path)
		var payload struct {
			Transactions []forms.AuditTransaction `json:"transactions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if len(payload.Transactions) != 1 {
			t.Fatalf("expected one transaction, got %d", len(payload.Transactions))
		}
		w.WriteHeader(http.StatusOK)
	}))

	batch := []forms.AuditTransaction{{AppID: 1001, FieldName: "ri_id", RecordNumber: "r-1"}}
	if err := client.SubmitAuditTransactions(context.Background(), batch, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SubmitAuditTransactions(context.Background(), batch, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seenPaths) != 2 || seenPaths[0] != "/audit-transactions" || seenPaths[1] != "/audit-transactions/ai" {
		t.Fatalf("unexpected endpoint selection: %v", seenPaths)
	}
}

func TestCreateFormsReturnsAssignedRecordNumbers(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/apps/1001/forms" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			Records []forms.FormRef `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if len(payload.Records) != 2 {
			t.Fatalf("expected two records, got %d", len(payload.Records))
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"record_numbers":["rec-10","rec-11"]}`)); err != nil {
			t.Fatalf("failed to write response: %v", err)
		}
	}))

	recordNumbers, err := client.CreateForms(context.Background(), 1001, []forms.FormRef{
		{"ri_id": "42"},
		{"ri_id": "43"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recordNumbers) != 2 || recordNumbers[0] != "rec-10" || recordNumbers[1] != "rec-11" {
		t.Fatalf("record numbers must come back in input order, got %v", recordNumbers)
	}
}

func TestUpdateFormsPutsRecords(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/apps/1001/forms" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			Records []forms.FormRef `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if len(payload.Records) != 1 || payload.Records[0]["record_number"] != "rec-10" {
			t.Fatalf("unexpected records payload: %+v", payload.Records)
		}
		w.WriteHeader(http.StatusOK)
	}))

	err := client.UpdateForms(context.Background(), 1001, []forms.FormRef{{"record_number": "rec-10", "ri_id": "77"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteFormsUsesPutWithIDList(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/apps/1001/forms/delete" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			RecordNumbers []string `json:"record_numbers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if len(payload.RecordNumbers) != 1 || payload.RecordNumbers[0] != "rec-10" {
			t.Fatalf("unexpected id list: %v", payload.RecordNumbers)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.DeleteForms(context.Background(), 1001, []string{"rec-10"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmailReportEncodesAttachment(t *testing.T) {
	attachment := []byte{0x01, 0x02, 0x03}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Recipients []string `json:"recipients"`
			Attachment string   `json:"attachment_b64"`
			Filename   string   `json:"filename"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if payload.Attachment != base64.StdEncoding.EncodeToString(attachment) {
			t.Fatalf("attachment must travel base64 encoded, got %q", payload.Attachment)
		}
		if payload.Filename != "cmr.xlsx" {
			t.Fatalf("unexpected filename: %q", payload.Filename)
		}
		w.WriteHeader(http.StatusOK)
	}))

	err := client.EmailReport(context.Background(), []string{"ops@example.com"}, "CMR", "attached", "cmr.xlsx", attachment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReportQueryOmitsZeroValues(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("ri_id") != "42" {
			t.Fatalf("expected ri_id=42, got %q", query.Get("ri_id"))
		}
		if _, present := query["record_number"]; present {
			t.Fatalf("zero-valued parameters must be omitted")
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`[]`)); err != nil {
			t.Fatalf("failed to write response: %v", err)
		}
	}))

	if _, err := client.GetMonitoredCalls(context.Background(), 1001, ReportQuery{RIID: "42"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
