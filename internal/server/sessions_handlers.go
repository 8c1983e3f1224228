package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/journal"
	"github.com/qaops/ccqa-backend/internal/lookup"
	"github.com/qaops/ccqa-backend/internal/sessions"
	"github.com/qaops/ccqa-backend/internal/submit"
)

func (h *httpHandler) handleLookups(c *gin.Context) {
	appID, ok := parseAppID(c, c.Query("app_id"))
	if !ok {
		return
	}

	data, err := h.lookup.LoadAll(c.Request.Context(), appID)
	if err != nil {
		if errors.Is(err, lookup.ErrNotReady) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "reference_data_unavailable", "statuses": data.Statuses})
			return
		}
		h.logger.Error("reference data load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, data)
}

func (h *httpHandler) handleTemplate(c *gin.Context) {
	appID, ok := parseAppID(c, c.Param("app_id"))
	if !ok {
		return
	}

	template, err := h.lookup.FormTemplate(c.Request.Context(), appID)
	if err != nil {
		h.logger.Error("template load failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "template_unavailable"})
		return
	}

	callType := c.Query("call_type")
	if callType != "" {
		rules, err := h.lookup.SkipRulesFor(c.Request.Context(), appID)
		if err != nil {
			h.logger.Error("skip rules load failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "skip_rules_unavailable"})
			return
		}
		template = lookup.ApplySkipRules(template, rules, callType, c.Query("form_type"))
	}

	c.JSON(http.StatusOK, gin.H{"fields": template})
}

type openSessionPayload struct {
	AppID int    `json:"app_id"`
	Mode  string `json:"mode"`
}

func (h *httpHandler) handleOpenSession(c *gin.Context) {
	reviewerID := c.GetString(reviewerIDContextKey)

	var request openSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	appID, err := forms.NewAppID(request.AppID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_app_id"})
		return
	}
	mode, err := forms.ParseMode(request.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}

	session, err := h.sessions.Open(c.Request.Context(), reviewerID, appID, mode)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "session_open_failed"})
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

func (h *httpHandler) handleSessionSnapshot(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	session, err := h.sessions.Open(c.Request.Context(), reviewerID, appID, mode)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "session_open_failed"})
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

func (h *httpHandler) handleSessionTeardown(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	if err := h.sessions.Clear(reviewerID, appID, mode); err != nil {
		h.logger.Error("session teardown failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "teardown_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type createFormPayload struct {
	Metadata forms.FormMetadata `json:"metadata"`
	Values   forms.FormRef      `json:"values"`
}

func (h *httpHandler) handleCreateForm(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	var request createFormPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, err := h.sessions.Open(c.Request.Context(), reviewerID, appID, mode)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "session_open_failed"})
		return
	}

	var form forms.Form
	if len(request.Values) > 0 {
		form, err = session.SeedForm(request.Metadata, request.Values)
	} else {
		form, err = session.CreateForm(request.Metadata)
	}
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	h.mirror(reviewerID, session)
	c.JSON(http.StatusCreated, form)
}

type updateFieldPayload struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

func (h *httpHandler) handleUpdateField(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	formID, err := strconv.Atoi(c.Param("form_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}
	var request updateFieldPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, err := h.sessions.Open(c.Request.Context(), reviewerID, appID, mode)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "session_open_failed"})
		return
	}

	if err := session.UpdateField(formID, request.Label, request.Value); err != nil {
		h.respondSessionError(c, err)
		return
	}
	h.mirror(reviewerID, session)
	c.JSON(http.StatusOK, gin.H{"changes": session.Changes()})
}

type setActivePayload struct {
	FormID int `json:"form_id"`
}

func (h *httpHandler) handleSetActiveForm(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	var request setActivePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, err := h.sessions.Open(c.Request.Context(), reviewerID, appID, mode)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "session_open_failed"})
		return
	}
	if err := session.SetActiveForm(request.FormID); err != nil {
		h.respondSessionError(c, err)
		return
	}
	h.mirror(reviewerID, session)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteForm(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	formID, err := strconv.Atoi(c.Param("form_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}

	session, err := h.sessions.Open(c.Request.Context(), reviewerID, appID, mode)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "session_open_failed"})
		return
	}

	// Upstream-backed forms are removed from the platform first; the local
	// copy survives when that fails.
	recordNumber, err := session.RecordNumber(formID)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	if recordNumber != "" {
		if err := h.records.DeleteForms(c.Request.Context(), appID.Int(), []string{recordNumber}); err != nil {
			h.logger.Error("record delete failed", zap.String("record_number", recordNumber), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "record_delete_failed"})
			return
		}
	}

	if err := session.DeleteForm(formID); err != nil {
		h.respondSessionError(c, err)
		return
	}
	h.mirror(reviewerID, session)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearEdits(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	session, err := h.sessions.Open(c.Request.Context(), reviewerID, appID, mode)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "session_open_failed"})
		return
	}
	session.ClearAllEdits()
	h.mirror(reviewerID, session)
	c.JSON(http.StatusOK, session.Snapshot())
}

func (h *httpHandler) handleValidationErrors(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	session, err := h.sessions.Open(c.Request.Context(), reviewerID, appID, mode)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "session_open_failed"})
		return
	}
	validationErrors := session.Validate()
	if validationErrors == nil {
		validationErrors = []forms.FormError{}
	}
	c.JSON(http.StatusOK, gin.H{"errors": validationErrors})
}

type submitPayload struct {
	AuditTrack []int `json:"audit_track"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	reviewerID, appID, mode, ok := h.sessionParams(c)
	if !ok {
		return
	}
	var request submitPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, err := h.sessions.Peek(reviewerID, appID, mode)
	if err != nil {
		if errors.Is(err, sessions.ErrNoSession) {
			c.JSON(http.StatusConflict, gin.H{"error": "no_session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	// New-form sessions create their platform records first; the assigned
	// record numbers discriminate the transactions below.
	if mode == forms.ModeNew && !h.createPendingRecords(c, reviewerID, appID, session) {
		return
	}

	transactions := session.Transactions(reviewerID, request.AuditTrack)
	if len(transactions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_changes"})
		return
	}
	for _, transaction := range transactions {
		if transaction.RecordNumber == "" && transaction.AIRecordNumber == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "missing_record_number"})
			return
		}
	}

	// The run outlives the HTTP request that triggered it.
	runID, err := h.runner.Start(context.Background(), submit.Request{
		Transactions: transactions,
		BatchSize:    h.batchSizeFor(mode),
		Validate:     session.Validate,
		OnSucceeded: func(ctx context.Context) error {
			if mode == forms.ModeEdit {
				if err := h.pushRecordUpdates(ctx, appID, session); err != nil {
					return err
				}
			}
			return h.sessions.Clear(reviewerID, appID, mode)
		},
		OnFinished:   h.journalRecorder(reviewerID, appID, mode, transactions),
		ErrorSubject: fmt.Sprintf("CCQA %s submission failure", mode),
	})
	if err != nil {
		h.logger.Error("submission start failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed"})
		return
	}

	if h.progress != nil {
		h.progress.Bind(runID, reviewerID)
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (h *httpHandler) handleSubmissionStatus(c *gin.Context) {
	status, ok := h.runner.Status(c.Param("run_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_run"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleSubmissionHistory(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history_unavailable"})
		return
	}
	reviewerID, err := journal.NewReviewerID(c.GetString(reviewerIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := h.journal.ListSubmissions(c.Request.Context(), reviewerID, limit)
	if err != nil {
		h.logger.Error("submission history query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": records})
}

func (h *httpHandler) handleSubmissionChanges(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history_unavailable"})
		return
	}
	runID, err := journal.NewRunID(c.Param("run_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_run_id"})
		return
	}
	records, err := h.journal.ListChanges(c.Request.Context(), runID)
	if err != nil {
		h.logger.Error("submission changes query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "changes_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": records})
}

// createPendingRecords creates platform records for the forms that do not
// have one yet and folds the assigned record numbers back into the session.
// Responds on failure and reports whether the submission may proceed.
func (h *httpHandler) createPendingRecords(c *gin.Context, reviewerID string, appID forms.AppID, session *forms.Session) bool {
	pending := session.PendingRecords()
	if len(pending) == 0 {
		return true
	}

	records := make([]forms.FormRef, 0, len(pending))
	for _, form := range pending {
		records = append(records, form.Ref)
	}
	recordNumbers, err := h.records.CreateForms(c.Request.Context(), appID.Int(), records)
	if err != nil || len(recordNumbers) != len(pending) {
		h.logger.Error("record creation failed",
			zap.Int("pending", len(pending)),
			zap.Int("assigned", len(recordNumbers)),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "record_create_failed"})
		return false
	}

	assignments := make(map[int]string, len(pending))
	for index, form := range pending {
		assignments[form.FormID] = recordNumbers[index]
	}
	if err := session.AssignRecordNumbers(assignments); err != nil {
		h.logger.Error("record number assignment failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return false
	}
	h.mirror(reviewerID, session)
	return true
}

// pushRecordUpdates replaces the platform records of the forms an edit
// session changed. Runs after the final batch lands, before teardown.
func (h *httpHandler) pushRecordUpdates(ctx context.Context, appID forms.AppID, session *forms.Session) error {
	changed := session.ChangedForms()
	if len(changed) == 0 {
		return nil
	}
	records := make([]forms.FormRef, 0, len(changed))
	for _, form := range changed {
		records = append(records, form.Ref)
	}
	return h.records.UpdateForms(ctx, appID.Int(), records)
}

// journalRecorder returns the terminal-state hook that writes the submission
// outcome to the local audit trail.
func (h *httpHandler) journalRecorder(reviewerID string, appID forms.AppID, mode forms.Mode, transactions []forms.AuditTransaction) func(context.Context, submit.Status) {
	if h.journal == nil {
		return nil
	}
	return func(ctx context.Context, status submit.Status) {
		runID, err := journal.NewRunID(status.RunID)
		if err != nil {
			h.logger.Warn("journal skipped, invalid run id", zap.Error(err))
			return
		}
		journalReviewer, err := journal.NewReviewerID(reviewerID)
		if err != nil {
			h.logger.Warn("journal skipped, invalid reviewer id", zap.Error(err))
			return
		}
		entry := journal.RunEntry{
			RunID:        runID,
			ReviewerID:   journalReviewer,
			AppID:        appID,
			Mode:         mode,
			State:        string(status.State),
			Submitted:    status.Submitted,
			BatchesTotal: status.BatchesTotal,
			FailureKind:  string(status.FailureKind),
			Message:      status.Message,
		}
		if status.State == submit.StateSucceeded {
			entry.Transactions = transactions
		}
		if err := h.journal.RecordRun(ctx, entry); err != nil {
			h.logger.Warn("journal write failed", zap.String("run_id", status.RunID), zap.Error(err))
		}
	}
}

// batchSizeFor maps the workflow mode to its submission batch size. New-form
// sessions submit in bulk batches; edit and AI change sets stay small.
func (h *httpHandler) batchSizeFor(mode forms.Mode) int {
	if mode == forms.ModeNew {
		return h.batchSizes.Bulk
	}
	return h.batchSizes.Edit
}

func (h *httpHandler) sessionParams(c *gin.Context) (string, forms.AppID, forms.Mode, bool) {
	reviewerID := c.GetString(reviewerIDContextKey)
	appID, ok := parseAppID(c, c.Param("app_id"))
	if !ok {
		return "", 0, "", false
	}
	mode, err := forms.ParseMode(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return "", 0, "", false
	}
	return reviewerID, appID, mode, true
}

func (h *httpHandler) respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, forms.ErrUnknownForm):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_form"})
	case errors.Is(err, forms.ErrUnknownField):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_field"})
	case errors.Is(err, forms.ErrReadonlySession):
		c.JSON(http.StatusConflict, gin.H{"error": "readonly_session"})
	default:
		h.logger.Error("session operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
	}
}

// mirror persists the session snapshot; a failed mirror degrades persistence,
// not the request.
func (h *httpHandler) mirror(reviewerID string, session *forms.Session) {
	if err := h.sessions.Mirror(reviewerID, session); err != nil {
		h.logger.Warn("session mirror failed", zap.Error(err))
	}
}

func parseAppID(c *gin.Context, raw string) (forms.AppID, bool) {
	value, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_app_id"})
		return 0, false
	}
	appID, err := forms.NewAppID(value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_app_id"})
		return 0, false
	}
	return appID, true
}
