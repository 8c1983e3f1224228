package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/report"
	"github.com/qaops/ccqa-backend/internal/upstream"
)

func (h *httpHandler) handleReport(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reports_unavailable"})
		return
	}
	kind, err := report.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_report_kind"})
		return
	}
	appID, ok := parseAppID(c, c.Query("app_id"))
	if !ok {
		return
	}
	query := upstream.ReportQuery{
		RIID:         c.Query("ri_id"),
		FromDate:     c.Query("from"),
		ToDate:       c.Query("to"),
		RecordNumber: c.Query("record_number"),
	}

	dataset, err := h.reports.Build(c.Request.Context(), kind, appID, query)
	if err != nil {
		h.logger.Error("report build failed", zap.String("kind", string(kind)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "report_failed"})
		return
	}
	c.JSON(http.StatusOK, dataset)
}

type emailReportPayload struct {
	AppID      int      `json:"app_id"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`

	RIID         string `json:"ri_id"`
	FromDate     string `json:"from"`
	ToDate       string `json:"to"`
	RecordNumber string `json:"record_number"`

	// Pre-rendered attachment (base64). When set, the dataset fetch is
	// skipped and the bytes are mailed as-is; covers PDF renditions produced
	// outside this service.
	Attachment string `json:"attachment,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

func (h *httpHandler) handleEmailReport(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reports_unavailable"})
		return
	}
	kind, err := report.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_report_kind"})
		return
	}
	var request emailReportPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	// Requests without an explicit recipient list fall back to the configured
	// report distribution.
	recipients := request.Recipients
	if len(recipients) == 0 {
		recipients = h.reportRecipients
	}
	if len(recipients) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if request.Attachment != "" {
		attachment, err := base64.StdEncoding.DecodeString(request.Attachment)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_attachment"})
			return
		}
		filename := request.Filename
		if filename == "" {
			filename = string(kind) + "-report"
		}
		if err := h.reports.EmailRendered(c.Request.Context(), recipients, request.Subject, request.Body, filename, attachment); err != nil {
			h.logger.Error("report email failed", zap.String("kind", string(kind)), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "email_failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
		return
	}

	appID, err := forms.NewAppID(request.AppID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_app_id"})
		return
	}
	query := upstream.ReportQuery{
		RIID:         request.RIID,
		FromDate:     request.FromDate,
		ToDate:       request.ToDate,
		RecordNumber: request.RecordNumber,
	}

	err = h.reports.Email(c.Request.Context(), kind, appID, query, recipients, request.Subject, request.Body)
	if err != nil {
		h.logger.Error("report email failed", zap.String("kind", string(kind)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "email_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// handleProgressStream serves submission progress as server-sent events until
// the client disconnects.
func (h *httpHandler) handleProgressStream(c *gin.Context) {
	if h.progress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "progress_unavailable"})
		return
	}
	reviewerID := c.GetString(reviewerIDContextKey)

	stream, cleanup := h.progress.Subscribe(c.Request.Context(), reviewerID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(ProgressEventSubmission, message.Status)
			return true
		case <-heartbeat.C:
			c.SSEvent(progressEventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
