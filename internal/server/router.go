package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/journal"
	"github.com/qaops/ccqa-backend/internal/lookup"
	"github.com/qaops/ccqa-backend/internal/report"
	"github.com/qaops/ccqa-backend/internal/reviewers"
	"github.com/qaops/ccqa-backend/internal/sessions"
	"github.com/qaops/ccqa-backend/internal/submit"
	"github.com/qaops/ccqa-backend/internal/upstream"
)

const reviewerIDContextKey = "ccqa_reviewer_id"

var (
	errMissingVerifier      = errors.New("reviewer verifier dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSessions      = errors.New("session registry dependency required")
	errMissingLookup        = errors.New("lookup service dependency required")
	errMissingRunner        = errors.New("submission runner dependency required")
	errMissingForms         = errors.New("form store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// FormStore manages form records on the upstream platform. Implemented by the
// upstream client.
type FormStore interface {
	CreateForms(ctx context.Context, appID int, records []forms.FormRef) ([]string, error)
	UpdateForms(ctx context.Context, appID int, records []forms.FormRef) error
	DeleteForms(ctx context.Context, appID int, recordNumbers []string) error
}

// ReviewerVerifier checks credentials against the upstream platform.
type ReviewerVerifier interface {
	VerifyReviewer(ctx context.Context, username, password string) (upstream.ReviewerProfile, error)
}

// BackendTokenManager issues and validates the backend JWTs.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, reviewerID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// BatchSizes carries the per-workflow submission batch sizes. Zero values fall
// back to the submitter's configured size.
type BatchSizes struct {
	Edit int
	Bulk int
}

type Dependencies struct {
	Verifier         ReviewerVerifier
	TokenManager     BackendTokenManager
	Sessions         *sessions.Registry
	Lookup           *lookup.Service
	Runner           *submit.Runner
	Forms            FormStore
	Reports          *report.Service
	Journal          *journal.Service
	Reviewers        *reviewers.Service
	Progress         *ProgressDispatcher
	BatchSizes       BatchSizes
	ReportRecipients []string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Lookup == nil {
		return nil, errMissingLookup
	}
	if deps.Runner == nil {
		return nil, errMissingRunner
	}
	if deps.Forms == nil {
		return nil, errMissingForms
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:         deps.Verifier,
		tokens:           deps.TokenManager,
		sessions:         deps.Sessions,
		lookup:           deps.Lookup,
		runner:           deps.Runner,
		records:          deps.Forms,
		reports:          deps.Reports,
		journal:          deps.Journal,
		reviewers:        deps.Reviewers,
		progress:         deps.Progress,
		batchSizes:       deps.BatchSizes,
		reportRecipients: deps.ReportRecipients,
		logger:           logger,
	}

	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/lookups", handler.handleLookups)
	protected.GET("/apps/:app_id/template", handler.handleTemplate)

	protected.POST("/sessions", handler.handleOpenSession)
	protected.GET("/sessions/:app_id/:mode", handler.handleSessionSnapshot)
	protected.DELETE("/sessions/:app_id/:mode", handler.handleSessionTeardown)
	protected.POST("/sessions/:app_id/:mode/forms", handler.handleCreateForm)
	protected.PATCH("/sessions/:app_id/:mode/forms/:form_id", handler.handleUpdateField)
	protected.DELETE("/sessions/:app_id/:mode/forms/:form_id", handler.handleDeleteForm)
	protected.PUT("/sessions/:app_id/:mode/active", handler.handleSetActiveForm)
	protected.POST("/sessions/:app_id/:mode/reset", handler.handleClearEdits)
	protected.GET("/sessions/:app_id/:mode/errors", handler.handleValidationErrors)
	protected.POST("/sessions/:app_id/:mode/submit", handler.handleSubmit)

	protected.GET("/submissions", handler.handleSubmissionHistory)
	protected.GET("/submissions/stream", handler.handleProgressStream)
	protected.GET("/submissions/:run_id", handler.handleSubmissionStatus)
	protected.GET("/submissions/:run_id/changes", handler.handleSubmissionChanges)

	protected.GET("/reports/:kind", handler.handleReport)
	protected.POST("/reports/:kind/email", handler.handleEmailReport)

	return router, nil
}

type httpHandler struct {
	verifier         ReviewerVerifier
	tokens           BackendTokenManager
	sessions         *sessions.Registry
	lookup           *lookup.Service
	runner           *submit.Runner
	records          FormStore
	reports          *report.Service
	journal          *journal.Service
	reviewers        *reviewers.Service
	progress         *ProgressDispatcher
	batchSizes       BatchSizes
	reportRecipients []string
	logger           *zap.Logger
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	ReviewerID  string `json:"reviewer_id"`
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.verifier.VerifyReviewer(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		h.logger.Warn("reviewer verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	reviewerID := profile.ID
	if h.reviewers != nil {
		reviewerID, err = h.reviewers.Upsert(profile)
		if err != nil {
			h.logger.Error("reviewer identity upsert failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
			return
		}
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), reviewerID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		ReviewerID:  reviewerID,
		DisplayName: profile.DisplayName,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case c.Query("access_token") != "":
		// event streams cannot set headers; the token rides the query string.
		token = c.Query("access_token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(reviewerIDContextKey, subject)
	c.Next()
}
