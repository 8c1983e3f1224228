package journal

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRunID indicates that a submission run identifier is empty or exceeds storage bounds.
	ErrInvalidRunID = errors.New("journal: invalid run id")
	// ErrInvalidReviewerID indicates that a reviewer identifier is empty or exceeds storage bounds.
	ErrInvalidReviewerID = errors.New("journal: invalid reviewer id")
)

// RunID represents a validated submission run identifier.
type RunID string

// NewRunID validates raw input and returns a RunID.
func NewRunID(rawInput string) (RunID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRunID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRunID, maxIdentifierLength)
	}
	return RunID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RunID) String() string {
	return string(id)
}

// ReviewerID represents a validated reviewer identifier.
type ReviewerID string

// NewReviewerID validates raw input and returns a ReviewerID.
func NewReviewerID(rawInput string) (ReviewerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidReviewerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidReviewerID, maxIdentifierLength)
	}
	return ReviewerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ReviewerID) String() string {
	return string(id)
}

// SubmissionRecord captures the outcome of one submission run.
type SubmissionRecord struct {
	RunID             string `gorm:"column:run_id;primaryKey;size:190;not null"`
	ReviewerID        string `gorm:"column:reviewer_id;size:190;not null;index:idx_submissions_reviewer_time,priority:1"`
	AppID             int    `gorm:"column:app_id;not null"`
	Mode              string `gorm:"column:mode;size:32;not null"`
	State             string `gorm:"column:state;size:32;not null"`
	Submitted         int    `gorm:"column:submitted;not null;default:0"`
	BatchesTotal      int    `gorm:"column:batches_total;not null;default:0"`
	FailureKind       string `gorm:"column:failure_kind;size:32;not null;default:''"`
	Message           string `gorm:"column:message;type:text;not null;default:''"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null;index:idx_submissions_reviewer_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SubmissionRecord) TableName() string {
	return "submission_records"
}

// FieldChangeRecord captures an append-only audit trail for submitted field edits.
type FieldChangeRecord struct {
	ChangeID          string `gorm:"column:change_id;primaryKey;size:190;not null"`
	RunID             string `gorm:"column:run_id;size:190;not null;index:idx_field_changes_run"`
	ReviewerID        string `gorm:"column:reviewer_id;size:190;not null"`
	AppID             int    `gorm:"column:app_id;not null"`
	RecordNumber      string `gorm:"column:record_number;size:190;not null"`
	FieldName         string `gorm:"column:field_name;size:190;not null"`
	OldValueJSON      string `gorm:"column:old_value_json;type:text;not null;default:''"`
	NewValueJSON      string `gorm:"column:new_value_json;type:text;not null;default:''"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FieldChangeRecord) TableName() string {
	return "field_change_records"
}
