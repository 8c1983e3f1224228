package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/qaops/ccqa-backend/internal/auth"
	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/journal"
	"github.com/qaops/ccqa-backend/internal/lookup"
	"github.com/qaops/ccqa-backend/internal/sessions"
	"github.com/qaops/ccqa-backend/internal/store"
	"github.com/qaops/ccqa-backend/internal/submit"
	"github.com/qaops/ccqa-backend/internal/upstream"
)

type stubVerifier struct {
	failLogin bool
}

func (v stubVerifier) VerifyReviewer(_ context.Context, username, _ string) (upstream.ReviewerProfile, error) {
	if v.failLogin {
		return upstream.ReviewerProfile{}, fmt.Errorf("bad credentials")
	}
	return upstream.ReviewerProfile{ID: "qr-" + username, DisplayName: "Reviewer " + username}, nil
}

type stubLookupSource struct{}

func (stubLookupSource) GetApplications(context.Context) ([]upstream.Application, error) {
	return []upstream.Application{{ID: 1001, Name: "Audio/SMP"}}, nil
}

func (stubLookupSource) GetFormFields(context.Context, int) ([]forms.FormField, error) {
	return []forms.FormField{
		{ID: 1, Label: "ri_id", Name: "RI ID", Type: forms.FieldTypeDropdown, Required: true},
		{ID: 2, Label: "notes", Name: "Notes", Type: forms.FieldTypeText},
	}, nil
}

func (stubLookupSource) GetAuditReasons(context.Context) ([]upstream.LookupItem, error) {
	return []upstream.LookupItem{{Label: "Coaching", Value: "2"}}, nil
}

func (stubLookupSource) GetRIRoster(context.Context) ([]upstream.LookupItem, error) {
	return []upstream.LookupItem{{Label: "Jordan P", Value: "42"}}, nil
}

func (stubLookupSource) GetCallTypes(context.Context) ([]upstream.LookupItem, error) {
	return []upstream.LookupItem{{Label: "Callback", Value: "CB"}}, nil
}

func (stubLookupSource) GetSiteNames(context.Context) ([]upstream.LookupItem, error) {
	return []upstream.LookupItem{{Label: "North", Value: "N"}}, nil
}

func (stubLookupSource) GetFrameCodes(context.Context) ([]upstream.LookupItem, error) {
	return []upstream.LookupItem{{Label: "TV", Value: "TV"}}, nil
}

func (stubLookupSource) GetMCACategories(context.Context) ([]upstream.LookupItem, error) {
	return []upstream.LookupItem{{Label: "Harassment", Value: "H"}}, nil
}

func (stubLookupSource) GetSkipRules(context.Context, int) ([]upstream.SkipRule, error) {
	return nil, nil
}

type stubRecordStore struct {
	mu      sync.Mutex
	created [][]forms.FormRef
	updated [][]forms.FormRef
	deleted [][]string
	next    int
}

func (s *stubRecordStore) CreateForms(_ context.Context, _ int, records []forms.FormRef) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, records)
	recordNumbers := make([]string, len(records))
	for index := range records {
		s.next++
		recordNumbers[index] = fmt.Sprintf("rec-%d", s.next)
	}
	return recordNumbers, nil
}

func (s *stubRecordStore) UpdateForms(_ context.Context, _ int, records []forms.FormRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, records)
	return nil
}

func (s *stubRecordStore) DeleteForms(_ context.Context, _ int, recordNumbers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, recordNumbers)
	return nil
}

func (s *stubRecordStore) createdCalls() [][]forms.FormRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]forms.FormRef(nil), s.created...)
}

func (s *stubRecordStore) updatedCalls() [][]forms.FormRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]forms.FormRef(nil), s.updated...)
}

func (s *stubRecordStore) deletedCalls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.deleted...)
}

type captureSender struct {
	mu      sync.Mutex
	batches [][]forms.AuditTransaction
}

func (s *captureSender) SubmitBatch(_ context.Context, batch []forms.AuditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]forms.AuditTransaction, len(batch))
	copy(copied, batch)
	s.batches = append(s.batches, copied)
	return nil
}

func (s *captureSender) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, batch := range s.batches {
		total += len(batch)
	}
	return total
}

type testServer struct {
	url     string
	client  *http.Client
	token   string
	sender  *captureSender
	records *stubRecordStore
	journal *journal.Service
}

type simpleIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *simpleIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%d", p.next), nil
}

func newTestServer(testContext *testing.T) *testServer {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	persistence, err := store.Open(store.Config{InMemory: true})
	if err != nil {
		testContext.Fatalf("failed to open store: %v", err)
	}
	testContext.Cleanup(func() { _ = persistence.Close() })

	lookupService, err := lookup.NewService(lookup.ServiceConfig{Source: stubLookupSource{}})
	if err != nil {
		testContext.Fatalf("failed to build lookup service: %v", err)
	}

	registry, err := sessions.NewRegistry(sessions.Config{
		Persistence: persistence,
		Templates:   lookupService,
		Environment: "dev",
	})
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}

	sender := &captureSender{}
	submitter, err := submit.NewSubmitter(submit.Config{
		BatchSize:      2,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		Sender:         sender,
	})
	if err != nil {
		testContext.Fatalf("failed to build submitter: %v", err)
	}
	runner, err := submit.NewRunner(submit.RunnerConfig{Submitter: submitter, IDProvider: &simpleIDProvider{}})
	if err != nil {
		testContext.Fatalf("failed to build runner: %v", err)
	}

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&journal.SubmissionRecord{}, &journal.FieldChangeRecord{}); err != nil {
		testContext.Fatalf("failed to migrate journal schema: %v", err)
	}
	journalService, err := journal.NewService(journal.ServiceConfig{Database: db, IDProvider: &simpleIDProvider{}})
	if err != nil {
		testContext.Fatalf("failed to build journal service: %v", err)
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "ccqa-auth",
		Audience:      "ccqa-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	records := &stubRecordStore{}
	handler, err := NewHTTPHandler(Dependencies{
		Verifier:     stubVerifier{},
		TokenManager: tokenIssuer,
		Sessions:     registry,
		Lookup:       lookupService,
		Runner:       runner,
		Forms:        records,
		Journal:      journalService,
		Progress:     NewProgressDispatcher(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)

	token, _, err := tokenIssuer.IssueBackendToken(context.Background(), "qr-1")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	return &testServer{
		url:     server.URL,
		client:  server.Client(),
		token:   token,
		sender:  sender,
		records: records,
		journal: journalService,
	}
}

func (s *testServer) waitForTerminalRun(testContext *testing.T, runID string) submit.Status {
	testContext.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var status submit.Status
	for time.Now().Before(deadline) {
		response, body := s.do(testContext, http.MethodGet, "/submissions/"+runID, "")
		if response.StatusCode != http.StatusOK {
			testContext.Fatalf("expected run status, got %d", response.StatusCode)
		}
		if err := json.Unmarshal(body, &status); err != nil {
			testContext.Fatalf("failed to decode status: %v", err)
		}
		switch status.State {
		case submit.StateSucceeded, submit.StateFailed, submit.StateValidationFailed:
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	testContext.Fatalf("run %s did not reach a terminal state", runID)
	return submit.Status{}
}

func (s *testServer) do(testContext *testing.T, method, path, body string) (*http.Response, []byte) {
	testContext.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+s.token)
	request.Header.Set("Content-Type", "application/json")
	response, err := s.client.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	buffer := new(bytes.Buffer)
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		testContext.Fatalf("failed to read response body: %v", err)
	}
	return response, buffer.Bytes()
}

func TestLoginIssuesBackendToken(testContext *testing.T) {
	server := newTestServer(testContext)

	response, err := server.client.Post(server.url+"/auth/login", "application/json",
		strings.NewReader(`{"username":"casey","password":"pw"}`))
	if err != nil {
		testContext.Fatalf("login request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected login success, got %d", response.StatusCode)
	}

	var payload loginResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode login response: %v", err)
	}
	if payload.AccessToken == "" || payload.ReviewerID != "qr-casey" {
		testContext.Fatalf("unexpected login payload: %+v", payload)
	}
}

func TestProtectedRoutesRequireToken(testContext *testing.T) {
	server := newTestServer(testContext)

	response, err := server.client.Get(server.url + "/lookups?app_id=1001")
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized, got %d", response.StatusCode)
	}
}

func TestLookupsReturnReferenceData(testContext *testing.T) {
	server := newTestServer(testContext)

	response, body := server.do(testContext, http.MethodGet, "/lookups?app_id=1001", "")
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected ok, got %d: %s", response.StatusCode, body)
	}

	var data lookup.ReferenceData
	if err := json.Unmarshal(body, &data); err != nil {
		testContext.Fatalf("failed to decode reference data: %v", err)
	}
	if !data.Ready() {
		testContext.Fatalf("expected ready reference data, statuses %+v", data.Statuses)
	}
	if len(data.CallTypes) != 1 || data.CallTypes[0].Value != "CB" {
		testContext.Fatalf("unexpected call types: %+v", data.CallTypes)
	}
}

func TestSessionFormWorkflow(testContext *testing.T) {
	server := newTestServer(testContext)

	response, body := server.do(testContext, http.MethodPost, "/sessions", `{"app_id":1001,"mode":"new"}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected session open, got %d: %s", response.StatusCode, body)
	}

	response, body = server.do(testContext, http.MethodPost, "/sessions/1001/new/forms", `{"metadata":{"qr_id":"qr-1"}}`)
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("expected form creation, got %d: %s", response.StatusCode, body)
	}
	var form forms.Form
	if err := json.Unmarshal(body, &form); err != nil {
		testContext.Fatalf("failed to decode form: %v", err)
	}
	if form.FormID != 1 {
		testContext.Fatalf("expected first form id 1, got %d", form.FormID)
	}

	response, body = server.do(testContext, http.MethodPatch, "/sessions/1001/new/forms/1", `{"label":"ri_id","value":"42"}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected field update, got %d: %s", response.StatusCode, body)
	}

	// validation passes once the required field is set.
	response, body = server.do(testContext, http.MethodGet, "/sessions/1001/new/errors", "")
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected errors endpoint, got %d", response.StatusCode)
	}
	var errorsPayload struct {
		Errors []forms.FormError `json:"errors"`
	}
	if err := json.Unmarshal(body, &errorsPayload); err != nil {
		testContext.Fatalf("failed to decode errors: %v", err)
	}
	if len(errorsPayload.Errors) != 0 {
		testContext.Fatalf("expected no validation errors, got %+v", errorsPayload.Errors)
	}

	response, _ = server.do(testContext, http.MethodPut, "/sessions/1001/new/active", `{"form_id":99}`)
	if response.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected unknown form rejection, got %d", response.StatusCode)
	}
}

func TestSubmitRunsToCompletionAndClearsSession(testContext *testing.T) {
	server := newTestServer(testContext)

	response, body := server.do(testContext, http.MethodPost, "/sessions/1001/edit/forms",
		`{"metadata":{"qr_id":"qr-1"},"values":{"ri_id":"42","notes":"ok","record_number":"rec-77"}}`)
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("expected seeded form, got %d: %s", response.StatusCode, body)
	}

	response, body = server.do(testContext, http.MethodPatch, "/sessions/1001/edit/forms/1", `{"label":"notes","value":"updated"}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected field update, got %d: %s", response.StatusCode, body)
	}

	response, body = server.do(testContext, http.MethodPost, "/sessions/1001/edit/submit", `{"audit_track":[2]}`)
	if response.StatusCode != http.StatusAccepted {
		testContext.Fatalf("expected accepted submission, got %d: %s", response.StatusCode, body)
	}
	var accepted struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil || accepted.RunID == "" {
		testContext.Fatalf("unexpected submit payload: %s", body)
	}

	status := server.waitForTerminalRun(testContext, accepted.RunID)
	if status.State != submit.StateSucceeded {
		testContext.Fatalf("expected successful run, got %+v", status)
	}
	if server.sender.delivered() != 1 {
		testContext.Fatalf("expected one delivered transaction, got %d", server.sender.delivered())
	}

	// the edited record is pushed back to the platform before teardown.
	updated := server.records.updatedCalls()
	if len(updated) != 1 || len(updated[0]) != 1 {
		testContext.Fatalf("expected one record update call, got %+v", updated)
	}
	if updated[0][0]["record_number"] != "rec-77" {
		testContext.Fatalf("unexpected updated record: %+v", updated[0][0])
	}

	// success tears the session down; reopening starts fresh.
	response, body = server.do(testContext, http.MethodGet, "/sessions/1001/edit", "")
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected snapshot, got %d", response.StatusCode)
	}
	var snapshot forms.SessionState
	if err := json.Unmarshal(body, &snapshot); err != nil {
		testContext.Fatalf("failed to decode snapshot: %v", err)
	}
	if len(snapshot.Container.Forms) != 0 {
		testContext.Fatalf("expected cleared session, got %d forms", len(snapshot.Container.Forms))
	}

	// the run lands in the journal for the history endpoint.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		response, body = server.do(testContext, http.MethodGet, "/submissions", "")
		if response.StatusCode != http.StatusOK {
			testContext.Fatalf("expected history, got %d", response.StatusCode)
		}
		var history struct {
			Submissions []journal.SubmissionRecord `json:"submissions"`
		}
		if err := json.Unmarshal(body, &history); err != nil {
			testContext.Fatalf("failed to decode history: %v", err)
		}
		if len(history.Submissions) == 1 {
			if history.Submissions[0].State != string(submit.StateSucceeded) {
				testContext.Fatalf("unexpected journal state: %+v", history.Submissions[0])
			}
			if history.Submissions[0].BatchesTotal != 1 {
				testContext.Fatalf("expected batch count in journal, got %+v", history.Submissions[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	testContext.Fatalf("journal record never appeared")
}

func TestSubmitNewFormsCreatesRecordsFirst(testContext *testing.T) {
	server := newTestServer(testContext)

	response, body := server.do(testContext, http.MethodPost, "/sessions/1001/new/forms", `{"metadata":{"qr_id":"qr-1"}}`)
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("expected form creation, got %d: %s", response.StatusCode, body)
	}
	response, body = server.do(testContext, http.MethodPatch, "/sessions/1001/new/forms/1", `{"label":"ri_id","value":"42"}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected field update, got %d: %s", response.StatusCode, body)
	}

	response, body = server.do(testContext, http.MethodPost, "/sessions/1001/new/submit", `{"audit_track":[2]}`)
	if response.StatusCode != http.StatusAccepted {
		testContext.Fatalf("expected accepted submission, got %d: %s", response.StatusCode, body)
	}
	var accepted struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil || accepted.RunID == "" {
		testContext.Fatalf("unexpected submit payload: %s", body)
	}

	status := server.waitForTerminalRun(testContext, accepted.RunID)
	if status.State != submit.StateSucceeded {
		testContext.Fatalf("expected successful run, got %+v", status)
	}

	created := server.records.createdCalls()
	if len(created) != 1 || len(created[0]) != 1 {
		testContext.Fatalf("expected one record creation call with one record, got %+v", created)
	}

	// the assigned record number discriminates every delivered transaction.
	server.sender.mu.Lock()
	defer server.sender.mu.Unlock()
	if len(server.sender.batches) != 1 || len(server.sender.batches[0]) != 1 {
		testContext.Fatalf("expected one delivered batch, got %+v", server.sender.batches)
	}
	transaction := server.sender.batches[0][0]
	if transaction.RecordNumber != "rec-1" || transaction.AIRecordNumber != "" {
		testContext.Fatalf("expected assigned record number on transaction, got %+v", transaction)
	}
}

func TestSubmitRejectsTransactionsWithoutRecordNumber(testContext *testing.T) {
	server := newTestServer(testContext)

	// an edit-mode form seeded without its upstream record number cannot
	// produce attributable transactions.
	response, body := server.do(testContext, http.MethodPost, "/sessions/1001/edit/forms",
		`{"metadata":{"qr_id":"qr-1"},"values":{"ri_id":"42"}}`)
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("expected seeded form, got %d: %s", response.StatusCode, body)
	}
	response, body = server.do(testContext, http.MethodPatch, "/sessions/1001/edit/forms/1", `{"label":"notes","value":"updated"}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected field update, got %d: %s", response.StatusCode, body)
	}

	response, body = server.do(testContext, http.MethodPost, "/sessions/1001/edit/submit", `{"audit_track":[2]}`)
	if response.StatusCode != http.StatusConflict {
		testContext.Fatalf("expected conflict, got %d: %s", response.StatusCode, body)
	}
	if string(body) != `{"error":"missing_record_number"}` {
		testContext.Fatalf("unexpected body: %s", body)
	}
	if server.sender.delivered() != 0 {
		testContext.Fatalf("rejected submission must not reach the network, got %d", server.sender.delivered())
	}
}

func TestDeleteFormRemovesUpstreamRecord(testContext *testing.T) {
	server := newTestServer(testContext)

	response, body := server.do(testContext, http.MethodPost, "/sessions/1001/edit/forms",
		`{"metadata":{"qr_id":"qr-1"},"values":{"ri_id":"42","record_number":"rec-77"}}`)
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("expected seeded form, got %d: %s", response.StatusCode, body)
	}

	response, _ = server.do(testContext, http.MethodDelete, "/sessions/1001/edit/forms/1", "")
	if response.StatusCode != http.StatusNoContent {
		testContext.Fatalf("expected deletion, got %d", response.StatusCode)
	}

	deleted := server.records.deletedCalls()
	if len(deleted) != 1 || len(deleted[0]) != 1 || deleted[0][0] != "rec-77" {
		testContext.Fatalf("expected one upstream delete for rec-77, got %+v", deleted)
	}

	// locally created forms have no upstream record and skip the platform.
	response, _ = server.do(testContext, http.MethodPost, "/sessions/1001/edit/forms", `{"metadata":{"qr_id":"qr-1"}}`)
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("expected form creation, got %d", response.StatusCode)
	}
	response, _ = server.do(testContext, http.MethodDelete, "/sessions/1001/edit/forms/2", "")
	if response.StatusCode != http.StatusNoContent {
		testContext.Fatalf("expected deletion, got %d", response.StatusCode)
	}
	if len(server.records.deletedCalls()) != 1 {
		testContext.Fatalf("local-only forms must not trigger upstream deletes")
	}
}

func TestSubmitWithoutChangesRejected(testContext *testing.T) {
	server := newTestServer(testContext)

	response, body := server.do(testContext, http.MethodPost, "/sessions", `{"app_id":1001,"mode":"edit"}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected session open, got %d: %s", response.StatusCode, body)
	}

	response, body = server.do(testContext, http.MethodPost, "/sessions/1001/edit/submit", `{"audit_track":[]}`)
	if response.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected rejection without changes, got %d: %s", response.StatusCode, body)
	}
}

func TestUnknownModeRejected(testContext *testing.T) {
	server := newTestServer(testContext)

	response, _ := server.do(testContext, http.MethodGet, "/sessions/1001/banana", "")
	if response.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected invalid mode rejection, got %d", response.StatusCode)
	}
}
